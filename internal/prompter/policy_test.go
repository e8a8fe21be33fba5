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

package prompter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writePolicyHelper(t *testing.T, exit string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "confirm")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+exit), 0o700))
	return path
}

func TestPolicyNeverAlwaysAllows(t *testing.T) {
	helper := writePolicyHelper(t, "exit 1\n") // would deny if ever consulted
	policy := NewPolicy(ConfirmNever, New("", helper))

	got, err := policy.Authorize(context.Background(), 5, "/usr/bin/ssh", "prompt")
	require.NoError(t, err)
	require.Equal(t, Allowed, got)
}

func TestPolicyForwardedOnlyPromptsSecondSSHConnection(t *testing.T) {
	helper := writePolicyHelper(t, "exit 1\n")
	policy := NewPolicy(ConfirmForwarded, New("", helper))

	// First connection from ssh: allowed without consulting the helper.
	got, err := policy.Authorize(context.Background(), 0, "/usr/bin/ssh", "prompt")
	require.NoError(t, err)
	require.Equal(t, Allowed, got)

	// Second connection from the same ssh process: helper is consulted
	// and denies.
	got, err = policy.Authorize(context.Background(), 1, "/usr/bin/ssh", "prompt")
	require.NoError(t, err)
	require.Equal(t, Denied, got)
}

func TestPolicyForwardedIgnoresNonSSHPeers(t *testing.T) {
	helper := writePolicyHelper(t, "exit 1\n")
	policy := NewPolicy(ConfirmForwarded, New("", helper))

	got, err := policy.Authorize(context.Background(), 3, "/usr/bin/some-other-client", "prompt")
	require.NoError(t, err)
	require.Equal(t, Allowed, got)
}

func TestPolicyAlwaysPromptsEveryConnection(t *testing.T) {
	helper := writePolicyHelper(t, "exit 0\n")
	policy := NewPolicy(ConfirmAlways, New("", helper))

	got, err := policy.Authorize(context.Background(), 0, "/usr/bin/anything", "prompt")
	require.NoError(t, err)
	require.Equal(t, Allowed, got)
}
