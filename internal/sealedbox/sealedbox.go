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

// Package sealedbox implements the envelope format the extension
// protocol's rebox operation consumes and produces: ciphertext
// bound to a specific card slot via ECDH, modelled on
// original_source/ebox.h's piv_ecdh_box. The box itself does not know
// how to talk to a card; callers perform the ECDH and pass in the raw
// shared secret.
package sealedbox

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/gravitational/trace"

	"github.com/pivy-go/pivy-agentd/internal/zeroize"
)

// hkdfInfo is a fixed context string mixed into every key derivation,
// domain-separating this format from any other user of the same
// shared secret.
const hkdfInfo = "pivy-agentd sealed box v1"

// Box is a sealed envelope: ciphertext that can only be opened by the
// holder of the recipient private key that EphemeralPub was ECDH'd
// against when the box was sealed.
type Box struct {
	// GUID and Slot identify the card/slot the box targets. Either may
	// be empty/zero when the box does not stamp a specific recipient
	// card (rebox with an empty dest_guid).
	GUID []byte
	Slot byte

	EphemeralPub []byte // uncompressed EC point, the sender's side of the ECDH
	Nonce        []byte
	Ciphertext   []byte // includes the Poly1305 tag
}

// SealOffline produces a new Box encrypting plaintext such that it can
// only be opened with the ECDH shared secret between recipientPub and
// some ephemeral or card-held private key. ephemeralShared is the raw
// ECDH output between a freshly generated ephemeral keypair and
// recipientPub; ephemeralPub is that ephemeral keypair's public half.
// Computing the ephemeral keypair and ECDH itself is left to the
// caller, since it may be done entirely in software (unlike Open,
// which needs the card).
func SealOffline(ephemeralShared, ephemeralPub []byte, guid []byte, slot byte, plaintext []byte) (*Box, error) {
	key, err := deriveKey(ephemeralShared)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer key.Close()

	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, trace.Wrap(err, "constructing AEAD")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, trace.Wrap(err, "generating nonce")
	}

	ct := aead.Seal(nil, nonce, plaintext, nil)
	return &Box{
		GUID:         append([]byte(nil), guid...),
		Slot:         slot,
		EphemeralPub: append([]byte(nil), ephemeralPub...),
		Nonce:        nonce,
		Ciphertext:   ct,
	}, nil
}

// Open decrypts the box given the ECDH shared secret between the
// box's EphemeralPub and the recipient's private key (computed by the
// card). The returned zeroize.Bytes must be closed by the caller once
// the plaintext is no longer needed.
func (b *Box) Open(shared []byte) (*zeroize.Bytes, error) {
	key, err := deriveKey(shared)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer key.Close()

	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, trace.Wrap(err, "constructing AEAD")
	}
	pt, err := aead.Open(nil, b.Nonce, b.Ciphertext, nil)
	if err != nil {
		return nil, trace.BadParameter("sealed box authentication failed")
	}
	return zeroize.New(pt), nil
}

// TakeData returns the box's ciphertext and nonce together, the form
// needed to transplant a box's encrypted payload into a new envelope.
// rebox does not use TakeData/SetData; it seals a fresh box with
// SealOffline.
func (b *Box) TakeData() (nonce, ciphertext []byte) {
	return b.Nonce, b.Ciphertext
}

// SetData replaces the box's nonce and ciphertext in place.
func (b *Box) SetData(nonce, ciphertext []byte) {
	b.Nonce = nonce
	b.Ciphertext = ciphertext
}

func deriveKey(shared []byte) (*zeroize.Bytes, error) {
	r := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, trace.Wrap(err, "deriving key")
	}
	return zeroize.New(key), nil
}
