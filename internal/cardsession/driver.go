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

package cardsession

import (
	"context"
	"crypto"
)

// Driver is the subset of smartcard driver operations the card session
// needs. The real implementation (piv_driver.go) wraps
// github.com/go-piv/piv-go/v2/piv; tests use a fake from
// internal/cardsession/cardsessiontest.
//
// This mirrors spec.md §1's external collaborator
// "card.txn_begin/select/verify_pin/sign/ecdh/read_cert/..." — Open/Close
// on Finder/Driver together stand in for txn_begin/txn_end, since
// go-piv's Open already performs application selection.
type Driver interface {
	// Close ends the exclusive session with the card.
	Close() error

	// Slots enumerates every slot the card discloses a certificate for,
	// ignoring per-slot NotFound/NotSupported.
	Slots() ([]SlotRecord, error)

	// VerifyPIN checks pin against the card. canSkip tells the driver
	// the card may already be authenticated this session and a retry
	// need not be consumed if so.
	VerifyPIN(pin string, canSkip bool) error

	// Retries reports the number of PIN attempts remaining.
	Retries() (int, error)

	// Sign produces a raw signature over digest using the key in slot,
	// at the given hash algorithm.
	Sign(ctx context.Context, slot SlotID, canSkip bool, digest []byte, hash crypto.Hash) ([]byte, error)

	// ECDH produces the raw shared secret between the key in slot and
	// peerPub (an uncompressed EC point).
	ECDH(ctx context.Context, slot SlotID, canSkip bool, peerPub []byte) ([]byte, error)

	// Attest issues the vendor attestation certificate for slot (DER).
	Attest(slot SlotID) ([]byte, error)

	// AttestationCertificateChain returns the card's attestation
	// intermediate certificate chain (DER).
	AttestationCertificateChain() ([]byte, error)

	// CAKPublicKey returns the public key in the Card-Authentication
	// slot (0x9E), used to detect card substitution.
	CAKPublicKey() (crypto.PublicKey, error)

	// IsYubicoPIVAlways reports whether this card is a Yubico-style PIV
	// implementation where any slot may be configured PIN-always,
	// warranting the retry-with-can_skip=false dance in Sign.
	IsYubicoPIVAlways() bool
}

// Finder locates and opens the card matching guidPrefix.
type Finder interface {
	// Find searches all attached cards for one whose GUID starts with
	// guidPrefix, opens an exclusive session with it, and returns the
	// driver handle plus the card's full GUID (hex).
	Find(ctx context.Context, guidPrefix string) (driver Driver, guid string, err error)
}
