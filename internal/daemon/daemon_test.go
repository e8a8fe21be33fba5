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

package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pivy-go/pivy-agentd/internal/cardsession"
	"github.com/pivy-go/pivy-agentd/internal/cardsession/cardsessiontest"
	"github.com/pivy-go/pivy-agentd/internal/pinstore"
)

func newTestDaemon(t *testing.T, clock clockwork.Clock) *Daemon {
	t.Helper()
	pin, err := pinstore.New()
	require.NoError(t, err)
	t.Cleanup(func() { pin.Close() })

	fd := cardsessiontest.NewFake("abc123", "123456")
	session := cardsession.New(cardsession.Config{}, &cardsessiontest.FakeFinder{Driver: fd}, pin, clock)

	return New(Config{
		Session: session,
		Clock:   clock,
	})
}

func TestPollDeadlineBoundedByIdleProbeWhenNothingPending(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDaemon(t, clock)

	// No PIN cached, so the 120s probe interval bounds the wait.
	require.Equal(t, 120000, d.pollDeadline())
}

func TestPollDeadlineUsesProbeIntervalWhenCardClosed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDaemon(t, clock)

	ms := d.pollDeadline()
	require.Equal(t, int(d.session.ProbeInterval()/time.Millisecond), ms)
}

func TestPollDeadlineShrinksToParentAliveInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDaemon(t, clock)
	d.parentAliveInterval = 2 * time.Second

	require.Equal(t, 2000, d.pollDeadline())
}

func TestPollDeadlineShrinksToOpenTransactionWhenShortest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDaemon(t, clock)
	d.parentAliveInterval = time.Hour

	require.NoError(t, d.session.Open(context.Background()))
	require.Equal(t, 250, d.pollDeadline())
}

func TestShouldStopOnContextCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDaemon(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	require.False(t, d.shouldStop(ctx))
	cancel()
	require.True(t, d.shouldStop(ctx))
}

func TestShouldStopOnStopRequested(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDaemon(t, clock)
	d.stopRequested = true

	require.True(t, d.shouldStop(context.Background()))
}

func TestParentDiedRequiresPositiveInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDaemon(t, clock)

	require.False(t, d.parentDied())
}
