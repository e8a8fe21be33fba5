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
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"strings"

	"github.com/go-piv/piv-go/v2/piv"
	"github.com/gravitational/trace"
)

// pivSlots enumerates the PIV certificate slots this agent reads, in
// the fixed order slot.go documents.
var pivSlots = []struct {
	id   SlotID
	slot piv.Slot
}{
	{SlotAuthentication, piv.SlotAuthentication},
	{SlotSignature, piv.SlotSignature},
	{SlotKeyManagement, piv.SlotKeyManagement},
	{SlotCardAuthentication, piv.SlotCardAuthentication},
}

func slotFor(id SlotID) (piv.Slot, bool) {
	for _, s := range pivSlots {
		if s.id == id {
			return s.slot, true
		}
	}
	return piv.Slot{}, false
}

// pivDriver is the production Driver backed by a real smartcard via
// github.com/go-piv/piv-go/v2/piv.
type pivDriver struct {
	yk  *piv.YubiKey
	pin string // last PIN successfully verified this transaction, for PrivateKey's KeyAuth
}

// pivFinder is the production Finder: it enumerates every attached PIV
// card and opens the one whose GUID has guidPrefix.
type pivFinder struct{}

// NewFinder returns a Finder that talks to real attached smartcards.
func NewFinder() Finder {
	return pivFinder{}
}

func (pivFinder) Find(ctx context.Context, guidPrefix string) (Driver, string, error) {
	cards, err := piv.Cards()
	if err != nil {
		return nil, "", trace.Wrap(err, "enumerating cards")
	}

	var matched *piv.YubiKey
	var matchedGUID string
	for _, name := range cards {
		yk, err := piv.Open(name)
		if err != nil {
			continue
		}
		guid, err := cardGUID(yk)
		if err != nil {
			yk.Close()
			continue
		}
		if guidPrefix != "" && !strings.HasPrefix(guid, guidPrefix) {
			yk.Close()
			continue
		}
		if matched != nil {
			yk.Close()
			matched.Close()
			return nil, "", trace.Wrap(ErrAmbiguousPrefix, "prefix %q", guidPrefix)
		}
		matched, matchedGUID = yk, guid
	}
	if matched == nil {
		return nil, "", trace.Wrap(ErrEnumeration)
	}
	return &pivDriver{yk: matched}, matchedGUID, nil
}

// cardGUID derives the card's enumeration key from its serial number
// alone: eight hex digits of the serial followed by 24 zeros. The CHUID
// is not read. The serial is still unique per card, which is all Find
// requires.
func cardGUID(yk *piv.YubiKey) (string, error) {
	serial, err := yk.Serial()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return fmt.Sprintf("%08x000000000000000000000000", serial), nil
}

func (d *pivDriver) Close() error {
	return d.yk.Close()
}

func (d *pivDriver) Slots() ([]SlotRecord, error) {
	var out []SlotRecord
	for _, s := range pivSlots {
		cert, err := d.yk.Certificate(s.slot)
		if err != nil {
			// Slot empty, or card doesn't support it; neither is fatal
			// to enumeration.
			continue
		}
		out = append(out, SlotRecord{
			ID:        s.id,
			PublicKey: cert.PublicKey,
			Subject:   cert.Subject.CommonName,
			DER:       cert.Raw,
		})
	}
	return out, nil
}

func (d *pivDriver) VerifyPIN(pin string, canSkip bool) error {
	if canSkip && d.pin == pin && pin != "" {
		return nil
	}
	if err := d.yk.VerifyPIN(pin); err != nil {
		var authErr piv.AuthErr
		if errors.As(err, &authErr) {
			return &InvalidPINError{Remaining: authErr.Retries}
		}
		return trace.Wrap(err)
	}
	d.pin = pin
	return nil
}

func (d *pivDriver) Retries() (int, error) {
	retries, err := d.yk.Retries()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return retries, nil
}

func (d *pivDriver) Sign(ctx context.Context, slotID SlotID, canSkip bool, digest []byte, hash crypto.Hash) ([]byte, error) {
	s, ok := slotFor(slotID)
	if !ok {
		return nil, trace.BadParameter("unknown slot %02x", byte(slotID))
	}
	cert, err := d.yk.Certificate(s)
	if err != nil {
		return nil, trace.Wrap(err, "reading certificate for slot")
	}
	auth := piv.KeyAuth{PIN: d.pin}
	if canSkip {
		auth.PINPolicy = piv.PINPolicyNever
	}
	priv, err := d.yk.PrivateKey(s, cert.PublicKey, auth)
	if err != nil {
		return nil, trace.Wrap(err, "loading private key handle")
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, trace.BadParameter("slot key does not support signing")
	}
	sig, err := signer.Sign(nil, digest, hash)
	if err != nil {
		var authErr piv.AuthErr
		if errors.As(err, &authErr) {
			return nil, &InvalidPINError{Remaining: authErr.Retries}
		}
		return nil, trace.Wrap(err, "signing")
	}
	return sig, nil
}

func (d *pivDriver) ECDH(ctx context.Context, slotID SlotID, canSkip bool, peerPub []byte) ([]byte, error) {
	s, ok := slotFor(slotID)
	if !ok {
		return nil, trace.BadParameter("unknown slot %02x", byte(slotID))
	}
	cert, err := d.yk.Certificate(s)
	if err != nil {
		return nil, trace.Wrap(err, "reading certificate for slot")
	}
	ecdsaPub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, trace.BadParameter("slot key is not an EC key")
	}
	x, y := elliptic.Unmarshal(ecdsaPub.Curve, peerPub)
	if x == nil {
		return nil, trace.BadParameter("parsing peer public key")
	}
	peer := &ecdsa.PublicKey{Curve: ecdsaPub.Curve, X: x, Y: y}

	auth := piv.KeyAuth{PIN: d.pin}
	if canSkip {
		auth.PINPolicy = piv.PINPolicyNever
	}
	priv, err := d.yk.PrivateKey(s, cert.PublicKey, auth)
	if err != nil {
		return nil, trace.Wrap(err, "loading private key handle")
	}
	decrypter, ok := priv.(*piv.ECDSAPrivateKey)
	if !ok {
		return nil, trace.BadParameter("slot key does not support key agreement")
	}
	secret, err := decrypter.SharedKey(peer)
	if err != nil {
		var authErr piv.AuthErr
		if errors.As(err, &authErr) {
			return nil, &InvalidPINError{Remaining: authErr.Retries}
		}
		return nil, trace.Wrap(err, "computing shared secret")
	}
	return secret, nil
}

func (d *pivDriver) Attest(slotID SlotID) ([]byte, error) {
	s, ok := slotFor(slotID)
	if !ok {
		return nil, trace.BadParameter("unknown slot %02x", byte(slotID))
	}
	cert, err := d.yk.Attest(s)
	if err != nil {
		return nil, trace.Wrap(err, "attesting slot")
	}
	return cert.Raw, nil
}

func (d *pivDriver) AttestationCertificateChain() ([]byte, error) {
	cert, err := d.yk.AttestationCertificate()
	if err != nil {
		return nil, trace.Wrap(err, "reading attestation certificate")
	}
	return cert.Raw, nil
}

func (d *pivDriver) CAKPublicKey() (crypto.PublicKey, error) {
	cert, err := d.yk.Certificate(piv.SlotCardAuthentication)
	if err != nil {
		return nil, trace.Wrap(err, "reading CAK certificate")
	}
	return cert.PublicKey, nil
}

func (d *pivDriver) IsYubicoPIVAlways() bool {
	return true
}
