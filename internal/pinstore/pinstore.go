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

// Package pinstore holds the user's cached smartcard PIN in a locked,
// guard-paged memory region so that it is never written to swap and does
// not appear in core dumps.
package pinstore

import (
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/sys/unix"
)

const (
	// MaxLen is the capacity of a PIN buffer; Set accepts at most
	// maxLen (8) characters.
	MaxLen = 16

	minLen = 6
	maxLen = 8

	// probeIntervalNoPIN is the card-probe interval while no PIN is cached.
	probeIntervalNoPIN = 120 * time.Second
	// probeIntervalWithPIN is the card-probe interval while a PIN is
	// cached; shorter so a removed card evicts the PIN promptly.
	probeIntervalWithPIN = 30 * time.Second
)

// Store is a fixed-size PIN buffer sandwiched between two inaccessible
// guard pages, all locked against swap.
//
// Layout of the mapping: [guard page][data page][guard page]. Only the
// data page is ever read or written; it is zeroed whenever the cached
// length transitions to zero.
type Store struct {
	mapping  []byte
	data     []byte
	pageSize int
	length   int
}

// New allocates the guarded mapping. The mapping is released (and the
// data page zeroed) by Close.
func New() (*Store, error) {
	pageSize := unix.Getpagesize()

	mapping, err := unix.Mmap(-1, 0, pageSize*3, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, trace.Wrap(err, "mapping PIN store")
	}

	data := mapping[pageSize : pageSize*2]

	if err := unix.Mlock(mapping); err != nil {
		_ = unix.Munmap(mapping)
		return nil, trace.Wrap(err, "locking PIN store")
	}

	// Exclude from core dumps where supported; best-effort.
	_ = unix.Madvise(mapping, unix.MADV_DONTDUMP)

	if err := unix.Mprotect(mapping[:pageSize], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(mapping)
		return nil, trace.Wrap(err, "guarding PIN store (low page)")
	}
	if err := unix.Mprotect(mapping[pageSize*2:], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(mapping)
		return nil, trace.Wrap(err, "guarding PIN store (high page)")
	}

	return &Store{mapping: mapping, data: data, pageSize: pageSize}, nil
}

// Close releases the mapping, zeroing the data page first.
func (s *Store) Close() error {
	if s == nil || s.mapping == nil {
		return nil
	}
	s.Clear()
	// Pages must be readable/writable again before Munmap on some platforms.
	_ = unix.Mprotect(s.mapping, unix.PROT_READ|unix.PROT_WRITE)
	err := unix.Munmap(s.mapping)
	s.mapping = nil
	s.data = nil
	return trace.Wrap(err)
}

// Set validates and stores pin. On any validation failure the store is
// cleared and an error is returned.
func (s *Store) Set(pin string) error {
	if err := validate(pin); err != nil {
		s.Clear()
		return trace.Wrap(err)
	}
	copy(s.data, pin)
	s.length = len(pin)
	return nil
}

// Clear zero-fills the data page and sets the cached length to zero. It
// is the only way to transition out of "PIN cached".
func (s *Store) Clear() {
	for i := range s.data {
		s.data[i] = 0
	}
	s.length = 0
}

// Len reports the length of the cached PIN, or 0 if none is cached.
func (s *Store) Len() int {
	return s.length
}

// PIN returns the cached PIN, or the empty string if none is cached.
func (s *Store) PIN() string {
	if s.length == 0 {
		return ""
	}
	return string(s.data[:s.length])
}

// ProbeInterval reports how often the card session should re-probe the
// card: shorter when a PIN is cached, so a removed card evicts it fast.
func (s *Store) ProbeInterval() time.Duration {
	if s.length == 0 {
		return probeIntervalNoPIN
	}
	return probeIntervalWithPIN
}

// Validate reports whether pin meets the store's format requirements
// (6-8 ASCII alphanumeric characters) without storing it.
func Validate(pin string) error {
	return validate(pin)
}

func validate(pin string) error {
	if len(pin) < minLen || len(pin) > maxLen {
		return trace.BadParameter("PIN must be %d-%d characters long, got %d", minLen, maxLen, len(pin))
	}
	for _, r := range pin {
		if !isASCIIAlnum(r) {
			return trace.BadParameter("PIN must be ASCII alphanumeric: %s", fmt.Sprintf("%q", pin))
		}
	}
	return nil
}

func isASCIIAlnum(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
