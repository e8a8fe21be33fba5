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

// Package cardsessiontest provides an in-memory fake of
// cardsession.Driver/Finder so session logic and dispatch handlers can
// be exercised without real smartcard hardware.
package cardsessiontest

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/pivy-go/pivy-agentd/internal/cardsession"
)

// FakeDriver is a Driver backed entirely by in-memory keys, for tests.
type FakeDriver struct {
	GUID string

	PIN         string
	Remaining   int
	SlotRecords []cardsession.SlotRecord
	CAK         crypto.PublicKey

	// Failure injection.
	FindErr   error
	ECDHErr   error
	SignErr   error
	AttestErr error
	Closed    bool

	verifiedPIN string
}

// NewFake builds a FakeDriver with one EC keypair in the
// Key-Management slot, usable as a default fixture in most tests.
func NewFake(guid, pin string) *FakeDriver {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	cak, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	return &FakeDriver{
		GUID:      guid,
		PIN:       pin,
		Remaining: 3,
		CAK:       &cak.PublicKey,
		SlotRecords: []cardsession.SlotRecord{
			{ID: cardsession.SlotKeyManagement, PublicKey: &priv.PublicKey, Subject: "test user"},
		},
	}
}

func (f *FakeDriver) Close() error {
	f.Closed = true
	return nil
}

func (f *FakeDriver) Slots() ([]cardsession.SlotRecord, error) {
	return f.SlotRecords, nil
}

func (f *FakeDriver) VerifyPIN(pin string, canSkip bool) error {
	if canSkip && f.verifiedPIN == pin && pin != "" {
		return nil
	}
	if pin != f.PIN {
		f.Remaining--
		return &cardsession.InvalidPINError{Remaining: f.Remaining}
	}
	f.verifiedPIN = pin
	return nil
}

func (f *FakeDriver) Retries() (int, error) {
	return f.Remaining, nil
}

func (f *FakeDriver) Sign(ctx context.Context, slot cardsession.SlotID, canSkip bool, digest []byte, hash crypto.Hash) ([]byte, error) {
	if f.SignErr != nil {
		return nil, f.SignErr
	}
	return []byte(fmt.Sprintf("sig(%02x,%x)", byte(slot), digest[:min(len(digest), 8)])), nil
}

func (f *FakeDriver) ECDH(ctx context.Context, slot cardsession.SlotID, canSkip bool, peerPub []byte) ([]byte, error) {
	if f.ECDHErr != nil {
		return nil, f.ECDHErr
	}
	sum := sha256.Sum256(peerPub)
	return sum[:], nil
}

func (f *FakeDriver) Attest(slot cardsession.SlotID) ([]byte, error) {
	if f.AttestErr != nil {
		return nil, f.AttestErr
	}
	return []byte("attestation-cert"), nil
}

func (f *FakeDriver) AttestationCertificateChain() ([]byte, error) {
	return []byte("attestation-chain"), nil
}

func (f *FakeDriver) CAKPublicKey() (crypto.PublicKey, error) {
	return f.CAK, nil
}

func (f *FakeDriver) IsYubicoPIVAlways() bool {
	return true
}

// FakeFinder hands out a single pre-built FakeDriver, or FindErr if set.
type FakeFinder struct {
	Driver  *FakeDriver
	FindErr error
}

func (f *FakeFinder) Find(ctx context.Context, guidPrefix string) (cardsession.Driver, string, error) {
	if f.FindErr != nil {
		return nil, "", f.FindErr
	}
	return f.Driver, f.Driver.GUID, nil
}
