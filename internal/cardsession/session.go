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

// Package cardsession owns the lifetime of the exclusive transaction
// held against a single PIV card: opening it, re-verifying its identity
// on every idle probe, feeding it PINs, and closing it down on error or
// on the idle deadline. Everything above this package (dispatch,
// extension handlers) talks to a *Session, never to the driver
// directly.
package cardsession

import (
	"context"
	"crypto"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/pivy-go/pivy-agentd/internal/pinstore"
)

// txnDeadline bounds how long a single card transaction may be held
// open without activity before the daemon force-closes it.
const txnDeadline = 2000 * time.Millisecond

// probeFailLimit is the number of consecutive failed idle probes
// (card removed, CAK mismatch, I/O error) tolerated before the
// session gives up on the card entirely and requires re-discovery.
const probeFailLimit = 3

// Session manages one card's open/closed lifecycle and caches the
// slot/public-key inventory read at Open time.
type Session struct {
	clock  clockwork.Clock
	finder Finder

	guidPrefix string
	cak        crypto.PublicKey // nil if CAK pinning is disabled
	signSlot9D bool             // also expose 9D for signing, not just key agreement

	pin *pinstore.Store

	driver Driver
	guid   string
	slots  map[SlotID]SlotRecord

	open            bool
	deadline        time.Time
	probeFailCount  int
	probeSuppressed bool

	lastInventory time.Time // when slots/CAK were last (re-)read, for RefreshIfStale
}

// Config is the fixed, immutable-for-the-process-lifetime configuration
// a Session is built from.
type Config struct {
	GUIDPrefix string
	CAK        crypto.PublicKey
	SignSlot9D bool
}

// New constructs a Session. finder locates and opens cards; pin is the
// agent's shared PIN cache.
func New(cfg Config, finder Finder, pin *pinstore.Store, clock clockwork.Clock) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Session{
		clock:      clock,
		finder:     finder,
		guidPrefix: cfg.GUIDPrefix,
		cak:        cfg.CAK,
		signSlot9D: cfg.SignSlot9D,
		pin:        pin,
	}
}

// IsOpen reports whether a card transaction is currently held.
func (s *Session) IsOpen() bool {
	return s.open
}

// Expired reports whether the held transaction has outlived its
// deadline and should be force-closed before further use.
func (s *Session) Expired() bool {
	return s.open && s.clock.Now().After(s.deadline)
}

// Slots returns the cached slot inventory from the last successful
// Open. Callers must Open before calling Slots.
func (s *Session) Slots() []SlotRecord {
	out := make([]SlotRecord, 0, len(s.slots))
	for _, rec := range s.slots {
		out = append(out, rec)
	}
	return out
}

// Slot looks up a single cached slot record.
func (s *Session) Slot(id SlotID) (SlotRecord, bool) {
	rec, ok := s.slots[id]
	return rec, ok
}

// GUID returns the full GUID of the card last opened, or "" if never
// opened.
func (s *Session) GUID() string {
	return s.guid
}

// Open finds the configured card (if not already open), begins an
// exclusive transaction, verifies its CAK against the pinned key (if
// configured), and refreshes the slot inventory. Calling Open while
// already open and unexpired is a cheap no-op that only extends the
// deadline.
func (s *Session) Open(ctx context.Context) error {
	if s.open && !s.Expired() {
		s.deadline = s.clock.Now().Add(txnDeadline)
		return nil
	}
	if s.open {
		s.Close(true)
	}

	driver, guid, err := s.finder.Find(ctx, s.guidPrefix)
	if err != nil {
		return trace.Wrap(err, "finding card")
	}

	if s.cak != nil {
		if err := verifyCAK(driver, s.cak); err != nil {
			driver.Close()
			s.pin.Clear()
			return trace.Wrap(err)
		}
	}

	slots, err := readSlots(driver)
	if err != nil {
		driver.Close()
		return trace.Wrap(err, "reading slots")
	}

	s.driver = driver
	s.guid = guid
	s.slots = slots
	s.open = true
	s.deadline = s.clock.Now().Add(txnDeadline)
	s.lastInventory = s.clock.Now()
	s.probeFailCount = 0
	s.probeSuppressed = false
	return nil
}

// RefreshIfStale re-reads the slot inventory and CAK (if configured)
// when the probe interval has elapsed since the last read, independent
// of the much shorter per-transaction deadline: a connection that polls
// every few hundred milliseconds would otherwise never pick up a card
// swap or re-provisioned slot as long as it keeps the transaction
// window alive. Session must already be open.
func (s *Session) RefreshIfStale(ctx context.Context) error {
	if !s.open {
		return trace.BadParameter("card session not open")
	}
	if s.clock.Now().Sub(s.lastInventory) < s.ProbeInterval() {
		return nil
	}

	if s.cak != nil {
		if err := verifyCAK(s.driver, s.cak); err != nil {
			s.Close(true)
			s.pin.Clear()
			return trace.Wrap(err)
		}
	}
	slots, err := readSlots(s.driver)
	if err != nil {
		return trace.Wrap(err, "reading slots")
	}
	s.slots = slots
	s.lastInventory = s.clock.Now()
	return nil
}

// Close ends the held transaction, if any. force closes even if the
// deadline has not been reached (used on fatal protocol errors and on
// shutdown); a non-force Close past the deadline is the normal idle
// teardown path.
func (s *Session) Close(force bool) {
	if !s.open {
		return
	}
	if !force && !s.Expired() {
		return
	}
	s.driver.Close()
	s.driver = nil
	s.slots = nil
	s.open = false
}

// ProbeInterval reports how often the daemon should re-verify card
// presence while idle: shorter once a PIN is cached, since an attacker
// with a cached PIN is more dangerous than one without.
func (s *Session) ProbeInterval() time.Duration {
	return s.pin.ProbeInterval()
}

// Probe re-opens the card (if closed) and re-checks its CAK. A single
// failure only increments a counter, tolerating a transient glitch;
// the second and any subsequent consecutive failure drops the cached
// PIN and forgets the card handle, since a substituted card may have
// captured it. After probeFailLimit consecutive failures, further
// probing is suppressed until the next successful Open. A CAK
// mismatch always drops the PIN immediately, regardless of count.
func (s *Session) Probe(ctx context.Context) {
	if s.probeSuppressed {
		return
	}

	err := s.Open(ctx)
	if err == nil && s.cak != nil {
		if cakErr := verifyCAK(s.driver, s.cak); cakErr != nil {
			s.Close(true)
			s.pin.Clear()
			err = cakErr
		}
	}
	if err == nil {
		s.probeFailCount = 0
		return
	}

	s.probeFailCount++
	if s.probeFailCount >= 2 {
		s.pin.Clear()
		if s.open {
			s.Close(true)
		}
	}
	if s.probeFailCount >= probeFailLimit {
		s.probeSuppressed = true
	}
}

// TryPIN verifies pin against the open card with the given can_skip
// hint (callers pass the slot's default, then false on a forced
// retry). On success the PIN is cached for reuse by later slots in
// this session.
func (s *Session) TryPIN(slot SlotID, canSkip bool, pin string) error {
	if !s.open {
		return trace.BadParameter("card session not open")
	}
	err := s.driver.VerifyPIN(pin, canSkip)
	if err == nil {
		s.pin.Set(pin)
		return nil
	}

	var invalid *InvalidPINError
	if errors.As(err, &invalid) {
		if invalid.Remaining <= 0 {
			return trace.Wrap(ErrTokenLocked)
		}
		return invalid
	}
	return trace.Wrap(err, "verifying PIN")
}

// Driver returns the underlying driver handle for slot operations
// (sign, ECDH, attest) that live outside this file. Returns nil if the
// session is not open.
func (s *Session) Driver() Driver {
	return s.driver
}

func verifyCAK(d Driver, want crypto.PublicKey) error {
	got, err := d.CAKPublicKey()
	if err != nil {
		return trace.Wrap(err, "reading CAK")
	}
	if !publicKeysEqual(got, want) {
		return trace.Wrap(ErrCAKMismatch)
	}
	return nil
}

// publicKeysEqual compares two crypto.PublicKey values for the key
// types PIV cards actually produce (ECDSA and RSA).
func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface{ Equal(crypto.PublicKey) bool }
	if ea, ok := a.(equaler); ok {
		return ea.Equal(b)
	}
	return false
}

func readSlots(d Driver) (map[SlotID]SlotRecord, error) {
	recs, err := d.Slots()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make(map[SlotID]SlotRecord, len(recs))
	for _, r := range recs {
		out[r.ID] = r
	}
	return out, nil
}
