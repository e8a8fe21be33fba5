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

// Package pidreg tracks a bounded table of client processes so the
// authorization policy (internal/prompter) can tell a process's first
// connection from its later ones.
package pidreg

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultCapacity bounds the table so a misbehaving client population
// cannot grow it without limit.
const DefaultCapacity = 256

// staleAfter is how long after its first sighting IsStale reports an
// entry as stale. It does not affect which slot Connect reclaims.
const staleAfter = 30 * time.Second

type entry struct {
	pid       int
	startTime uint64
	firstSeen time.Time
	conns     int
	valid     bool
}

// Registry is the process-global PID table. It is mutated only from the
// event loop goroutine and needs no locking.
type Registry struct {
	clock    clockwork.Clock
	capacity int
	entries  []entry
}

// New builds a registry with the given capacity.
func New(capacity int, clock clockwork.Clock) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{clock: clock, capacity: capacity, entries: make([]entry, 0, capacity)}
}

// Connect records a new connection from (pid, startTime) and returns the
// stable, zero-based index of this connection among all connections seen
// from that same process identity. Identity is (pid, startTime): if a
// previously seen pid reappears with a different startTime, the process
// is treated as new (the OS reused the pid) and the index resets to 0.
func (r *Registry) Connect(pid int, startTime uint64) int {
	now := r.clock.Now()

	for i := range r.entries {
		e := &r.entries[i]
		if !e.valid || e.pid != pid {
			continue
		}
		if e.startTime != startTime {
			// Same pid, different process: reset identity.
			*e = entry{pid: pid, startTime: startTime, firstSeen: now, conns: 1, valid: true}
			return 0
		}
		idx := e.conns
		e.conns++
		return idx
	}

	// No existing entry for this pid. Allocate; if the table is at
	// capacity, reuse the first invalid slot, or else the oldest entry.
	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, entry{pid: pid, startTime: startTime, firstSeen: now, conns: 1, valid: true})
		return 0
	}

	reclaim := 0
	oldest := r.entries[0].firstSeen
	for i, e := range r.entries {
		if !e.valid {
			reclaim = i
			break
		}
		if e.firstSeen.Before(oldest) {
			oldest = e.firstSeen
			reclaim = i
		}
	}
	r.entries[reclaim] = entry{pid: pid, startTime: startTime, firstSeen: now, conns: 1, valid: true}
	return 0
}

// IsStale reports whether the entry for (pid, startTime), if any, has
// gone unconfirmed past the re-probe window. No code in this module
// calls it; the daemon re-probes peer credentials on every accept.
func (r *Registry) IsStale(pid int, startTime uint64) bool {
	now := r.clock.Now()
	for _, e := range r.entries {
		if e.valid && e.pid == pid && e.startTime == startTime {
			return now.Sub(e.firstSeen) >= staleAfter
		}
	}
	return true
}

// Forget invalidates the entry for (pid, startTime), if present, making
// its slot eligible for immediate reuse.
func (r *Registry) Forget(pid int, startTime uint64) {
	for i := range r.entries {
		if r.entries[i].valid && r.entries[i].pid == pid && r.entries[i].startTime == startTime {
			r.entries[i].valid = false
			return
		}
	}
}
