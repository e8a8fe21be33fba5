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

package sealedbox_test

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pivy-go/pivy-agentd/internal/sealedbox"
)

func TestSealOpenRoundTrip(t *testing.T) {
	curve := ecdh.P256()
	recipientPriv, err := curve.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ephemeralPriv, err := curve.GenerateKey(rand.Reader)
	require.NoError(t, err)

	shared, err := ephemeralPriv.ECDH(recipientPriv.PublicKey())
	require.NoError(t, err)

	plaintext := []byte("super secret recovery token")
	box, err := sealedbox.SealOffline(shared, ephemeralPriv.PublicKey().Bytes(), []byte{1, 2, 3, 4}, 0x9d, plaintext)
	require.NoError(t, err)

	// Recipient side: derive the same shared secret using its static
	// private key and the box's ephemeral public key (this is the ECDH
	// the card would perform).
	ephemeralPub, err := curve.NewPublicKey(box.EphemeralPub)
	require.NoError(t, err)
	recipientShared, err := recipientPriv.ECDH(ephemeralPub)
	require.NoError(t, err)

	opened, err := box.Open(recipientShared)
	require.NoError(t, err)
	defer opened.Close()
	require.Equal(t, plaintext, opened.Bytes())
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	curve := ecdh.P256()
	recipientPriv, _ := curve.GenerateKey(rand.Reader)
	ephemeralPriv, _ := curve.GenerateKey(rand.Reader)
	shared, _ := ephemeralPriv.ECDH(recipientPriv.PublicKey())

	box, err := sealedbox.SealOffline(shared, ephemeralPriv.PublicKey().Bytes(), nil, 0x9a, []byte("data"))
	require.NoError(t, err)

	wrongPriv, _ := curve.GenerateKey(rand.Reader)
	ephemeralPub, _ := curve.NewPublicKey(box.EphemeralPub)
	wrongShared, err := wrongPriv.ECDH(ephemeralPub)
	require.NoError(t, err)

	_, err = box.Open(wrongShared)
	require.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	box := &sealedbox.Box{
		GUID:         []byte{0xde, 0xad, 0xbe, 0xef},
		Slot:         0x9c,
		EphemeralPub: []byte{4, 5, 6},
		Nonce:        []byte{7, 8, 9},
		Ciphertext:   []byte("ciphertext-and-tag"),
	}
	decoded, err := sealedbox.Decode(box.Encode())
	require.NoError(t, err)
	require.Equal(t, box, decoded)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	box := &sealedbox.Box{Slot: 1}
	data := append(box.Encode(), 0xff)
	_, err := sealedbox.Decode(data)
	require.Error(t, err)
}
