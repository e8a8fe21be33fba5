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

package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadFrameAcceptsMaxLength(t *testing.T) {
	payload := make([]byte, MaxMessageLength)
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Len(t, got, MaxMessageLength)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	// Manually craft a length-prefix of MaxMessageLength+1 without
	// actually writing that many payload bytes: ReadFrame must reject
	// before attempting to read the body.
	lengthPrefixed := func(n uint32) []byte {
		b := make([]byte, 4)
		b[0] = byte(n >> 24)
		b[1] = byte(n >> 16)
		b[2] = byte(n >> 8)
		b[3] = byte(n)
		return b
	}
	buf.Write(lengthPrefixed(MaxMessageLength + 1))

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestSignRequestRoundTrip(t *testing.T) {
	req := &SignRequest{
		KeyBlob: []byte("fake-key-blob"),
		Data:    []byte("data-to-sign"),
		Flags:   2,
	}

	var buf bytes.Buffer
	writeUint32(&buf, uint32(len(req.KeyBlob)))
	buf.Write(req.KeyBlob)
	writeUint32(&buf, uint32(len(req.Data)))
	buf.Write(req.Data)
	writeUint32(&buf, req.Flags)

	got, err := DecodeSignRequest(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, req.KeyBlob, got.KeyBlob)
	require.Equal(t, req.Data, got.Data)
	require.Equal(t, req.Flags, got.Flags)
}

func TestExtensionRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writeString(&buf, []byte("ecdh"))
	buf.Write([]byte("opaque-payload"))

	got, err := DecodeExtensionRequest(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, "ecdh", got.Name)
	require.Equal(t, []byte("opaque-payload"), got.Payload)
}

func TestEncodeIdentitiesAnswerOrderingPreserved(t *testing.T) {
	identities := []Identity{
		{KeyBlob: []byte("9a"), Comment: "PIV_slot_9a subject-a"},
		{KeyBlob: []byte("9c"), Comment: "PIV_slot_9c subject-c"},
		{KeyBlob: []byte("9e"), Comment: "PIV_slot_9e subject-e"},
		{KeyBlob: []byte("9d"), Comment: "PIV_slot_9d subject-d"},
	}

	payload := EncodeIdentitiesAnswer(identities)
	require.Equal(t, byte(IdentitiesAnswer), payload[0])

	// Re-parse the count and walk entries to confirm ordering survived
	// the encode, independent of any later in-process reordering logic.
	count := uint32(payload[1])<<24 | uint32(payload[2])<<16 | uint32(payload[3])<<8 | uint32(payload[4])
	require.EqualValues(t, len(identities), count)

	offset := 5
	for _, id := range identities {
		blobLen := int(payload[offset])<<24 | int(payload[offset+1])<<16 | int(payload[offset+2])<<8 | int(payload[offset+3])
		offset += 4
		require.Equal(t, id.KeyBlob, payload[offset:offset+blobLen])
		offset += blobLen

		commentLen := int(payload[offset])<<24 | int(payload[offset+1])<<16 | int(payload[offset+2])<<8 | int(payload[offset+3])
		offset += 4
		require.Equal(t, id.Comment, string(payload[offset:offset+commentLen]))
		offset += commentLen
	}
}
