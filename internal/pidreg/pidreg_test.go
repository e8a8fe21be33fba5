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

package pidreg

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestConnectAssignsStablePerProcessIndex(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(4, clock)

	require.Equal(t, 0, r.Connect(100, 5000))
	require.Equal(t, 1, r.Connect(100, 5000))
	require.Equal(t, 2, r.Connect(100, 5000))

	// A different process entirely starts fresh.
	require.Equal(t, 0, r.Connect(200, 6000))
}

func TestConnectResetsOnStartTimeMismatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(4, clock)

	require.Equal(t, 0, r.Connect(100, 5000))
	require.Equal(t, 1, r.Connect(100, 5000))

	// pid reused by a new process (different start time) resets the index.
	require.Equal(t, 0, r.Connect(100, 9999))
	require.Equal(t, 1, r.Connect(100, 9999))
}

func TestCapacityReclaimsOldestEntry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(2, clock)

	r.Connect(1, 1)
	clock.Advance(time.Second)
	r.Connect(2, 2)

	// Table is full; a third distinct pid must reclaim pid 1's slot
	// (the oldest), and pid 1 starts fresh again.
	clock.Advance(time.Second)
	r.Connect(3, 3)

	require.Equal(t, 0, r.Connect(1, 1))
}

func TestIsStale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(4, clock)

	r.Connect(1, 1)
	require.False(t, r.IsStale(1, 1))

	clock.Advance(30 * time.Second)
	require.True(t, r.IsStale(1, 1))

	// Unknown identity is always reported stale.
	require.True(t, r.IsStale(999, 999))
}

func TestForget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(4, clock)

	r.Connect(1, 1)
	r.Forget(1, 1)

	// Forgetting resets identity, so the next Connect starts at 0 again
	// even though logically it's the "same" pid/start_time.
	require.Equal(t, 0, r.Connect(1, 1))
}
