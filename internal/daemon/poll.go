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
	"context"
	"os"

	"golang.org/x/sys/unix"

	"github.com/pivy-go/pivy-agentd/internal/agentconn"
	"github.com/pivy-go/pivy-agentd/internal/dispatch"
)

// connEntry pairs a connection's dispatcher-facing state with the
// duplicated file descriptor kept open so its readiness can be polled
// independently of whatever Go's own net poller is doing underneath
// NetConn.
type connEntry struct {
	conn *agentconn.Conn
	file *os.File
	fd   int
}

const (
	pollListener = iota
	pollSignal
	pollConnBase
)

// buildPollFDs assembles this iteration's readiness array: the
// listener, the signal self-pipe, then one entry per live connection.
// Every connection always polls for read and, when it has buffered
// output, for write too.
func (d *Daemon) buildPollFDs() []unix.PollFd {
	fds := make([]unix.PollFd, 0, 2+len(d.conns))
	fds = append(fds, unix.PollFd{Fd: int32(d.listenerFD), Events: unix.POLLIN})
	fds = append(fds, unix.PollFd{Fd: int32(d.sigReadFD), Events: unix.POLLIN})

	for _, entry := range d.conns {
		events := int16(unix.POLLIN)
		if entry.conn.HasPendingWrite() {
			events |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(entry.fd), Events: events})
	}
	return fds
}

// handleReady processes every fd the just-completed poll marked ready:
// a new connection on the listener, a shutdown signal, or read/write
// readiness on an existing connection.
func (d *Daemon) handleReady(ctx context.Context, fds []unix.PollFd) {
	if fds[pollListener].Revents&unix.POLLIN != 0 {
		d.acceptNew()
	}
	if fds[pollSignal].Revents&unix.POLLIN != 0 {
		var buf [64]byte
		_, _ = unix.Read(d.sigReadFD, buf[:])
		d.stopRequested = true
	}

	connFDs := fds[pollConnBase:]
	for _, pfd := range connFDs {
		entry, ok := d.conns[int(pfd.Fd)]
		if !ok {
			continue
		}
		if pfd.Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			d.closeConn(entry)
			continue
		}
		if pfd.Revents&unix.POLLIN != 0 {
			if !d.serviceRead(ctx, entry) {
				continue
			}
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			if err := entry.conn.Flush(); err != nil {
				d.closeConn(entry)
			}
		}
	}
}

// acceptNew accepts one pending connection (if any), checks the peer
// credential policy, and registers it; a rejected peer's connection is
// closed immediately without ever being added to the poll set.
func (d *Daemon) acceptNew() {
	nc, err := d.listener.Accept()
	if err != nil || nc == nil {
		return
	}

	creds, err := d.prober.Probe(nc)
	if err != nil {
		d.log.Warn("peer credential probe failed", "error", err)
		_ = nc.Close()
		return
	}
	if err := d.peerPolicy.Allow(creds); err != nil {
		d.log.Warn("rejected peer connection", "uid", creds.UID, "error", err)
		_ = nc.Close()
		return
	}

	connIdx := d.pidReg.Connect(creds.PID, creds.StartTime)
	conn := agentconn.New(nc, creds, connIdx)

	f, err := nc.File()
	if err != nil {
		d.log.Warn("failed to dup connection fd", "error", err)
		_ = nc.Close()
		return
	}
	_ = unix.SetNonblock(int(f.Fd()), true)

	entry := &connEntry{conn: conn, file: f, fd: int(f.Fd())}
	d.conns[entry.fd] = entry
}

// serviceRead reads one chunk and dispatches as many complete frames
// as are buffered. Returns false if the connection was closed (read
// error, oversized frame, or EOF) so the caller skips the write check.
func (d *Daemon) serviceRead(ctx context.Context, entry *connEntry) bool {
	n, err := entry.conn.ReadMore()
	if n == 0 && err != nil {
		d.closeConn(entry)
		return false
	}

	for {
		frame, ok, err := entry.conn.NextFrame()
		if err != nil {
			// Oversized frame: close without parsing any more of it.
			d.closeConn(entry)
			return false
		}
		if !ok {
			break
		}

		authCtx := dispatchAuthContext(entry)
		resp := d.dispatcher.Dispatch(ctx, frame, authCtx)
		entry.conn.QueueResponse(resp)
	}

	if entry.conn.HasPendingWrite() {
		if err := entry.conn.Flush(); err != nil {
			d.closeConn(entry)
			return false
		}
	}
	return true
}

func (d *Daemon) closeConn(entry *connEntry) {
	delete(d.conns, entry.fd)
	_ = entry.conn.Close(d.pidReg)
	_ = entry.file.Close()
}

// dispatchAuthContext builds the AuthContext a handler needs from a
// connection's cached peer credentials and its sticky authorization
// field.
func dispatchAuthContext(entry *connEntry) dispatch.AuthContext {
	exePath := ""
	if entry.conn.Creds != nil {
		exePath = entry.conn.Creds.ExePath
	}
	return dispatch.AuthContext{
		ConnIndex:   entry.conn.ConnIdx,
		PeerExePath: exePath,
		Authorized:  &entry.conn.Auth,
	}
}
