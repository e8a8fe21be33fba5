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
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/sys/unix"
)

// unixListener wraps a Unix-domain listening socket together with the
// bookkeeping needed to remove it (and any ephemeral directory this
// process created for it) on shutdown.
type unixListener struct {
	ln           *net.UnixListener
	socketPath   string
	ephemeralDir string // "" if the caller supplied -a explicitly
}

// Listen creates the agent's listening socket. If socketPath is empty,
// a fresh directory is created under $TMPDIR named
// "ssh-XXXXXXXXXXXX" and the socket is placed at
// "<dir>/agent.<pid>". The socket's permissions are 0600 (the 0177 mask
// applied), so only the owner can connect, per spec.md §6.
func Listen(socketPath string) (*unixListener, error) {
	ephemeralDir := ""
	if socketPath == "" {
		dir, err := os.MkdirTemp(tmpDir(), "ssh-")
		if err != nil {
			return nil, trace.Wrap(err, "creating ephemeral socket directory")
		}
		if err := os.Chmod(dir, 0700); err != nil {
			_ = os.RemoveAll(dir)
			return nil, trace.Wrap(err)
		}
		ephemeralDir = dir
		socketPath = filepath.Join(dir, "agent."+strconv.Itoa(os.Getpid()))
	}

	addr := &net.UnixAddr{Name: socketPath, Net: "unix"}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		if ephemeralDir != "" {
			_ = os.RemoveAll(ephemeralDir)
		}
		return nil, trace.Wrap(err, "listening on %s", socketPath)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = ln.Close()
		if ephemeralDir != "" {
			_ = os.RemoveAll(ephemeralDir)
		}
		return nil, trace.Wrap(err, "restricting socket permissions")
	}

	return &unixListener{ln: ln, socketPath: socketPath, ephemeralDir: ephemeralDir}, nil
}

// Path reports the socket's filesystem path.
func (l *unixListener) Path() string { return l.socketPath }

// FD returns the listener's underlying file descriptor for inclusion
// in the poll set. The returned *os.File is kept alive by the caller
// for the listener's lifetime (releasing it would close the socket).
func (l *unixListener) FD() (int, *os.File, error) {
	f, err := l.ln.File()
	if err != nil {
		return -1, nil, trace.Wrap(err)
	}
	// f is a dup of the socket fd; non-blocking mode is lost across
	// File(), so restore it for our manual accept loop.
	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		_ = f.Close()
		return -1, nil, trace.Wrap(err)
	}
	return int(f.Fd()), f, nil
}

// Accept accepts one pending connection, returning (nil, nil) if none
// is currently pending (the accept deadline, set to now, times out).
func (l *unixListener) Accept() (*net.UnixConn, error) {
	_ = l.ln.SetDeadline(time.Now())
	conn, err := l.ln.AcceptUnix()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	return conn, nil
}

// Close closes the listening socket, unlinks it, and removes the
// ephemeral directory if this process created one (spec.md §4.11).
func (l *unixListener) Close() error {
	err := l.ln.Close()
	_ = os.Remove(l.socketPath)
	if l.ephemeralDir != "" {
		_ = os.RemoveAll(l.ephemeralDir)
	}
	return trace.Wrap(err)
}

func tmpDir() string {
	if d := os.Getenv("TMPDIR"); d != "" {
		return d
	}
	return "/tmp"
}
