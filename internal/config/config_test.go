// Copyright 2026 The pivy-agentd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pivy-go/pivy-agentd/internal/prompter"
)

func TestDefaultMatchesSpecMandatedDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, ShellAuto, cfg.Shell)
	require.Equal(t, Daemonize, cfg.Foreground)
	require.Equal(t, prompter.ConfirmNever, cfg.Confirm)
	require.True(t, cfg.CheckUID)
	require.True(t, cfg.CheckZone)
	require.False(t, cfg.AllowSign9D)
	require.Zero(t, cfg.ForceHash)
}

func TestParentAliveIntervalOnlyWhenForeground(t *testing.T) {
	cfg := Default()
	require.Zero(t, cfg.ParentAliveInterval())

	cfg.Foreground = ForegroundPlain
	require.Equal(t, 2*time.Second, cfg.ParentAliveInterval())

	cfg.Foreground = ForegroundDebug
	require.Equal(t, 2*time.Second, cfg.ParentAliveInterval())

	cfg.Foreground = ForegroundInfo
	require.Equal(t, 2*time.Second, cfg.ParentAliveInterval())
}
