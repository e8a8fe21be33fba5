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

// Package agentconn holds per-connection state: the inbound, outbound,
// and in-progress request buffers, the sticky authorization decision,
// and the peer's credentials, as kept by one entry in the daemon's
// connection table.
package agentconn

import (
	"net"

	"github.com/gravitational/trace"

	"github.com/pivy-go/pivy-agentd/internal/peercred"
	"github.com/pivy-go/pivy-agentd/internal/pidreg"
	"github.com/pivy-go/pivy-agentd/internal/protocol"
)

// MaxFrame is the largest request frame this connection will accept
// before it is closed.
const MaxFrame = protocol.MaxMessageLength

// readChunk is how much is read from the socket per event-loop
// wakeup. Small and deliberate: see the session-level note on why this
// is preserved rather than "fixed" to read as much as is available.
const readChunk = 1024

// Authorization is the sticky per-connection authorization decision.
type Authorization int

const (
	Pending Authorization = iota
	Allowed
	Denied
)

// Conn is one accepted client connection.
type Conn struct {
	NetConn net.Conn
	Creds   *peercred.Creds
	ConnIdx int // this peer pid's connection index, from the PID registry

	Auth Authorization

	in  []byte // bytes read but not yet split into frames
	out []byte // bytes framed but not yet written
}

// New wraps an accepted connection. creds and connIdx come from the
// peer-credential probe and PID registry respectively, computed once
// at accept time.
func New(nc net.Conn, creds *peercred.Creds, connIdx int) *Conn {
	return &Conn{
		NetConn: nc,
		Creds:   creds,
		ConnIdx: connIdx,
		Auth:    Pending,
	}
}

// ReadMore reads one readChunk-sized slice from the socket into the
// input buffer. Returns the number of bytes read; io.EOF and other
// errors are returned unwrapped so callers can distinguish close from
// failure if they care to.
func (c *Conn) ReadMore() (int, error) {
	buf := make([]byte, readChunk)
	n, err := c.NetConn.Read(buf)
	if n > 0 {
		c.in = append(c.in, buf[:n]...)
	}
	return n, err
}

// NextFrame extracts one complete length-prefixed frame from the input
// buffer, if one is fully buffered. ok is false if more data is
// needed. An oversized declared length is a protocol violation the
// caller must close the connection for.
func (c *Conn) NextFrame() (payload []byte, ok bool, err error) {
	payload, rest, ok, err := protocol.TryReadFrame(c.in)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	if !ok {
		return nil, false, nil
	}
	// Copy out of c.in before it is reassigned out from under payload.
	frame := append([]byte(nil), payload...)
	c.in = append([]byte(nil), rest...)
	return frame, true, nil
}

// QueueResponse frames and appends payload to the outbound buffer.
func (c *Conn) QueueResponse(payload []byte) {
	c.out = append(c.out, protocol.FrameBytes(payload)...)
}

// HasPendingWrite reports whether there is buffered output to flush.
func (c *Conn) HasPendingWrite() bool {
	return len(c.out) > 0
}

// Flush writes as much of the outbound buffer as the socket will
// accept without blocking, consuming what was written.
func (c *Conn) Flush() error {
	if len(c.out) == 0 {
		return nil
	}
	n, err := c.NetConn.Write(c.out)
	c.out = c.out[n:]
	if err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Close releases the socket and forgets this connection's identity
// from the PID registry.
func (c *Conn) Close(reg *pidreg.Registry) error {
	if reg != nil && c.Creds != nil {
		reg.Forget(c.Creds.PID, c.Creds.StartTime)
	}
	return c.NetConn.Close()
}
