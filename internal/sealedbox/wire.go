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

package sealedbox

import (
	"encoding/binary"

	"github.com/gravitational/trace"
)

// Encode serializes a Box to bytes: a sequence of length-prefixed
// fields in GUID, slot, ephemeral pubkey, nonce, ciphertext order.
// This is our own compact framing, not an attempt to reproduce
// ebox.h's on-disk struct layout byte-for-byte; extension handlers
// only ever round-trip boxes they themselves produced or that another
// instance of this agent produced.
func (b *Box) Encode() []byte {
	out := make([]byte, 0, 4*4+len(b.GUID)+1+len(b.EphemeralPub)+len(b.Nonce)+len(b.Ciphertext))
	out = appendField(out, b.GUID)
	out = append(out, b.Slot)
	out = appendField(out, b.EphemeralPub)
	out = appendField(out, b.Nonce)
	out = appendField(out, b.Ciphertext)
	return out
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (*Box, error) {
	b := &Box{}
	var err error
	if b.GUID, data, err = takeField(data); err != nil {
		return nil, trace.Wrap(err, "guid")
	}
	if len(data) < 1 {
		return nil, trace.BadParameter("sealed box: truncated slot byte")
	}
	b.Slot, data = data[0], data[1:]
	if b.EphemeralPub, data, err = takeField(data); err != nil {
		return nil, trace.Wrap(err, "ephemeral pubkey")
	}
	if b.Nonce, data, err = takeField(data); err != nil {
		return nil, trace.Wrap(err, "nonce")
	}
	if b.Ciphertext, data, err = takeField(data); err != nil {
		return nil, trace.Wrap(err, "ciphertext")
	}
	if len(data) != 0 {
		return nil, trace.BadParameter("sealed box: %d trailing bytes", len(data))
	}
	return b, nil
}

func appendField(out []byte, field []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	out = append(out, lenBuf[:]...)
	return append(out, field...)
}

func takeField(data []byte) (field, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, trace.BadParameter("truncated length prefix")
	}
	n := binary.BigEndian.Uint32(data)
	data = data[4:]
	if uint64(len(data)) < uint64(n) {
		return nil, nil, trace.BadParameter("truncated field: want %d bytes, have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}
