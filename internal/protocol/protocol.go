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

// Package protocol implements the length-prefixed SSH-agent-shaped wire
// format the daemon speaks to its clients: opcode constants, frame
// reading/writing, and the handful of request/response payloads the
// dispatcher needs.
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// Opcode identifies a request frame's operation.
type Opcode byte

// Request opcodes, numbered per the standard SSH agent wire protocol.
const (
	OpRequestIdentities   Opcode = 11
	OpSignRequest         Opcode = 13
	OpRemoveAllIdentities Opcode = 19
	OpLock                Opcode = 22
	OpUnlock              Opcode = 23
	OpExtension           Opcode = 27
)

// ResponseCode identifies a response frame's payload shape.
type ResponseCode byte

const (
	Failure          ResponseCode = 5
	Success          ResponseCode = 6
	IdentitiesAnswer ResponseCode = 12
	SignResponse     ResponseCode = 14
	ExtensionFailure ResponseCode = 28
)

// MaxMessageLength is the largest frame the daemon accepts. Frames
// declaring a longer length force connection closure without parsing any
// of the payload.
const MaxMessageLength = 256 * 1024

// ErrFrameTooLarge is returned by ReadFrame when a frame's declared
// length exceeds MaxMessageLength. The caller must close the connection.
var ErrFrameTooLarge = trace.BadParameter("frame exceeds maximum length of %d bytes", MaxMessageLength)

// ReadFrame reads one u32-length-prefixed frame from r. It never reads
// past the declared frame length.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, trace.Wrap(err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxMessageLength {
		return nil, trace.Wrap(ErrFrameTooLarge)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, trace.Wrap(err)
	}
	return payload, nil
}

// TryReadFrame extracts one complete length-prefixed frame from the
// front of buf without blocking: the daemon's event loop only ever has
// whatever bytes the last non-blocking read chunk produced, so framing
// must work incrementally against an accumulating byte slice rather
// than an io.Reader. Returns ok=false (nil error) if buf does not yet
// contain a full frame.
func TryReadFrame(buf []byte) (payload, rest []byte, ok bool, err error) {
	if len(buf) < 4 {
		return nil, buf, false, nil
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if n > MaxMessageLength {
		return nil, buf, false, trace.Wrap(ErrFrameTooLarge)
	}
	if uint32(len(buf)-4) < n {
		return nil, buf, false, nil
	}
	return buf[4 : 4+n], buf[4+n:], true, nil
}

// FrameBytes frames payload as a u32-length-prefixed frame and returns
// it, for callers appending to an outbound byte buffer rather than
// writing directly to an io.Writer.
func FrameBytes(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// WriteFrame writes payload as a u32-length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return trace.Wrap(err)
	}
	_, err := w.Write(payload)
	return trace.Wrap(err)
}

// SignRequest is the SSH_AGENTC_SIGN_REQUEST payload.
type SignRequest struct {
	KeyBlob []byte `ssh:"rest"`
	Data    []byte
	Flags   uint32
}

// DecodeSignRequest parses the payload of a SIGN_REQUEST frame (without
// the leading opcode byte).
func DecodeSignRequest(body []byte) (*SignRequest, error) {
	var req struct {
		KeyBlob []byte
		Data    []byte
		Flags   uint32
	}
	if err := ssh.Unmarshal(body, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return &SignRequest{KeyBlob: req.KeyBlob, Data: req.Data, Flags: req.Flags}, nil
}

// EncodeSignResponse builds a SIGN_RESPONSE frame payload (with leading
// opcode byte) from an SSH wire signature blob.
func EncodeSignResponse(sigBlob []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(SignResponse))
	writeString(&buf, sigBlob)
	return buf.Bytes()
}

// Identity is one entry in an IDENTITIES_ANSWER payload.
type Identity struct {
	KeyBlob []byte
	Comment string
}

// EncodeIdentitiesAnswer builds an IDENTITIES_ANSWER frame payload from
// an ordered list of identities. Ordering is caller-controlled and is
// preserved verbatim (the Key-Management slot must be placed last by the
// caller; this function does not re-sort).
func EncodeIdentitiesAnswer(identities []Identity) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(IdentitiesAnswer))
	writeUint32(&buf, uint32(len(identities)))
	for _, id := range identities {
		writeString(&buf, id.KeyBlob)
		writeString(&buf, []byte(id.Comment))
	}
	return buf.Bytes()
}

// ExtensionRequest is the SSH_AGENTC_EXTENSION payload: a cstring name
// followed by an opaque, extension-defined payload.
type ExtensionRequest struct {
	Name    string
	Payload []byte
}

// DecodeExtensionRequest parses the payload of an EXTENSION frame
// (without the leading opcode byte).
func DecodeExtensionRequest(body []byte) (*ExtensionRequest, error) {
	var req struct {
		Name    string
		Payload []byte `ssh:"rest"`
	}
	if err := ssh.Unmarshal(body, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ExtensionRequest{Name: req.Name, Payload: req.Payload}, nil
}

// EncodeExtensionFailure builds an EXT_FAILURE frame payload, distinct
// from FAILURE so clients can tell extension errors from protocol errors.
func EncodeExtensionFailure() []byte {
	return []byte{byte(ExtensionFailure)}
}

// EncodeFailure builds a FAILURE frame payload.
func EncodeFailure() []byte {
	return []byte{byte(Failure)}
}

// EncodeSuccess builds a SUCCESS frame payload.
func EncodeSuccess() []byte {
	return []byte{byte(Success)}
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s []byte) {
	writeUint32(buf, uint32(len(s)))
	buf.Write(s)
}
