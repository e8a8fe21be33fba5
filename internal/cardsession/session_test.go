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

package cardsession_test

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

func newSession(t *testing.T, fd *cardsessiontest.FakeDriver, clock clockwork.Clock) *cardsession.Session {
	t.Helper()
	pin, err := pinstore.New()
	require.NoError(t, err)
	t.Cleanup(func() { pin.Close() })

	finder := &cardsessiontest.FakeFinder{Driver: fd}
	cfg := cardsession.Config{GUIDPrefix: "", CAK: fd.CAK}
	return cardsession.New(cfg, finder, pin, clock)
}

func TestOpenReadsSlotsAndVerifiesCAK(t *testing.T) {
	fd := cardsessiontest.NewFake("abc123", "123456")
	s := newSession(t, fd, clockwork.NewFakeClock())

	require.NoError(t, s.Open(context.Background()))
	require.True(t, s.IsOpen())
	require.Equal(t, "abc123", s.GUID())
	require.Len(t, s.Slots(), 1)
}

func TestOpenIsCheapWhenAlreadyOpenAndUnexpired(t *testing.T) {
	fd := cardsessiontest.NewFake("abc123", "123456")
	clock := clockwork.NewFakeClock()
	s := newSession(t, fd, clock)

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Open(context.Background()))
	require.False(t, fd.Closed)
}

func TestExpiredSessionReopensOnNextOpen(t *testing.T) {
	fd := cardsessiontest.NewFake("abc123", "123456")
	clock := clockwork.NewFakeClock()
	s := newSession(t, fd, clock)

	require.NoError(t, s.Open(context.Background()))
	clock.Advance(3 * time.Second)
	require.True(t, s.Expired())

	require.NoError(t, s.Open(context.Background()))
	require.True(t, fd.Closed)
}

func TestOpenFailsOnCAKMismatch(t *testing.T) {
	fd := cardsessiontest.NewFake("abc123", "123456")
	other := cardsessiontest.NewFake("xyz", "000000")

	// The session pins fd's original CAK; the card then presents another.
	s := newSession(t, fd, clockwork.NewFakeClock())
	fd.CAK = other.CAK
	err := s.Open(context.Background())
	require.Error(t, err)
	require.False(t, s.IsOpen())
}

func TestTryPINSuccessCachesPIN(t *testing.T) {
	fd := cardsessiontest.NewFake("abc123", "123456")
	s := newSession(t, fd, clockwork.NewFakeClock())
	require.NoError(t, s.Open(context.Background()))

	require.NoError(t, s.TryPIN(cardsession.SlotKeyManagement, true, "123456"))
}

func TestTryPINWrongReturnsRemainingAttempts(t *testing.T) {
	fd := cardsessiontest.NewFake("abc123", "123456")
	s := newSession(t, fd, clockwork.NewFakeClock())
	require.NoError(t, s.Open(context.Background()))

	err := s.TryPIN(cardsession.SlotKeyManagement, true, "000000")
	require.Error(t, err)
	var invalid *cardsession.InvalidPINError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, 2, invalid.Remaining)
}

func TestTryPINLockedWhenExhausted(t *testing.T) {
	fd := cardsessiontest.NewFake("abc123", "123456")
	fd.Remaining = 1
	s := newSession(t, fd, clockwork.NewFakeClock())
	require.NoError(t, s.Open(context.Background()))

	err := s.TryPIN(cardsession.SlotKeyManagement, true, "000000")
	require.ErrorIs(t, err, cardsession.ErrTokenLocked)
}

func TestProbeToleratesSingleTransientFailure(t *testing.T) {
	fd := cardsessiontest.NewFake("abc123", "123456")
	pin, err := pinstore.New()
	require.NoError(t, err)
	t.Cleanup(func() { pin.Close() })

	finder := &cardsessiontest.FakeFinder{Driver: fd}
	s := cardsession.New(cardsession.Config{CAK: fd.CAK}, finder, pin, clockwork.NewFakeClock())
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.TryPIN(cardsession.SlotKeyManagement, true, "123456"))

	finder.FindErr = cardsession.ErrEnumeration
	s.Close(true)
	s.Probe(context.Background())
	require.Equal(t, "123456", pin.PIN())
}

func TestProbeClearsCachedPINAfterRepeatedFailures(t *testing.T) {
	fd := cardsessiontest.NewFake("abc123", "123456")
	pin, err := pinstore.New()
	require.NoError(t, err)
	t.Cleanup(func() { pin.Close() })

	finder := &cardsessiontest.FakeFinder{Driver: fd}
	s := cardsession.New(cardsession.Config{CAK: fd.CAK}, finder, pin, clockwork.NewFakeClock())
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.TryPIN(cardsession.SlotKeyManagement, true, "123456"))
	require.Equal(t, "123456", pin.PIN())

	finder.FindErr = cardsession.ErrEnumeration
	s.Close(true)
	for i := 0; i < 3; i++ {
		s.Probe(context.Background())
	}
	require.Equal(t, "", pin.PIN())
}
