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

package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenEphemeralCreatesAndCleansUpDirectory(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	ln, err := Listen("")
	require.NoError(t, err)

	path := ln.Path()
	require.FileExists(t, path)
	require.Equal(t, "agent."+strconv.Itoa(os.Getpid()), filepath.Base(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dir := filepath.Dir(path)
	require.DirExists(t, dir)

	require.NoError(t, ln.Close())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestListenExplicitPathLeavesDirectoryOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.sock")

	ln, err := Listen(path)
	require.NoError(t, err)
	require.Equal(t, path, ln.Path())
	require.FileExists(t, path)

	require.NoError(t, ln.Close())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	require.DirExists(t, dir)
}
