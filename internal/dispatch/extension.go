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

package dispatch

import (
	"bytes"
	"context"

	"github.com/gravitational/trace"

	"github.com/pivy-go/pivy-agentd/internal/cardsession"
	"github.com/pivy-go/pivy-agentd/internal/protocol"
	"github.com/pivy-go/pivy-agentd/internal/wireerror"
)

// supportedExtensions is the list handleQuery advertises. handleExtension
// does not consult it; it looks names up in d.extensions.
var supportedExtensions = []string{"query", "ecdh", "rebox", "attest"}

// handleExtension implements EXTENSION dispatch by name (spec.md
// §4.9). An extension failure writes EXT_FAILURE, distinct from
// FAILURE, so clients can tell the two apart.
func (d *Dispatcher) handleExtension(ctx context.Context, body []byte, authCtx AuthContext) []byte {
	req, err := protocol.DecodeExtensionRequest(body)
	if err != nil {
		return d.failExt("extension: decode", wireerror.KindProtocol, "", err)
	}

	handler, ok := d.extensions[req.Name]
	if !ok {
		return protocol.EncodeExtensionFailure()
	}

	return handler(ctx, d, authCtx, req.Payload)
}

// checkZeroFlags enforces the "flags must be 0" rule shared by every
// extension sub-operation that does not yet define any flags.
func checkZeroFlags(flags uint32) error {
	if flags != 0 {
		return trace.Wrap(cardsession.ErrFlagsNotZero)
	}
	return nil
}

// handleQuery returns the list of supported extension names as a
// sequence of length-prefixed strings following the SUCCESS byte.
func handleQuery(ctx context.Context, d *Dispatcher, authCtx AuthContext, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(protocol.Success))
	for _, name := range supportedExtensions {
		writeExtString(&buf, []byte(name))
	}
	return buf.Bytes()
}

// handleX509Certs stands in for the "x509-certs" extension, which
// pivy-agent's own source never implements. On the wire its answer is
// the same bare EXT_FAILURE an unrecognized name gets; the difference is
// only that this path logs a not-implemented error.
func handleX509Certs(ctx context.Context, d *Dispatcher, authCtx AuthContext, payload []byte) []byte {
	return d.failExt("extension:x509-certs", wireerror.KindProtocol, "", trace.NotImplemented("x509-certs extension is not implemented"))
}

func writeExtString(buf *bytes.Buffer, s []byte) {
	var lenBuf [4]byte
	n := uint32(len(s))
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	buf.Write(lenBuf[:])
	buf.Write(s)
}
