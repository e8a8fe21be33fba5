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

package pinstore

import (
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestSetValidatesLength(t *testing.T) {
	for _, tt := range []struct {
		name      string
		pin       string
		expectErr require.ErrorAssertionFunc
	}{
		{name: "5 chars rejected", pin: "12345", expectErr: require.Error},
		{name: "9 chars rejected", pin: "123456789", expectErr: require.Error},
		{name: "6 chars accepted", pin: "123456", expectErr: require.NoError},
		{name: "8 chars accepted", pin: "12345678", expectErr: require.NoError},
		{name: "non-alnum rejected", pin: "123-56", expectErr: require.Error},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New()
			require.NoError(t, err)
			t.Cleanup(func() { require.NoError(t, s.Close()) })

			err = s.Set(tt.pin)
			tt.expectErr(t, err)
			if err != nil {
				require.True(t, trace.IsBadParameter(err))
				require.Zero(t, s.Len())
			} else {
				require.Equal(t, len(tt.pin), s.Len())
				require.Equal(t, tt.pin, s.PIN())
			}
		})
	}
}

func TestSetFailureClearsStore(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	require.NoError(t, s.Set("123456"))
	require.Equal(t, 6, s.Len())

	require.Error(t, s.Set("bad pin"))
	require.Zero(t, s.Len())
	require.Empty(t, s.PIN())
}

func TestClearZeroesBuffer(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	require.NoError(t, s.Set("123456"))
	s.Clear()

	require.Zero(t, s.Len())
	require.True(t, strings.Count(string(s.data), "\x00") == len(s.data))
}

func TestProbeIntervalTracksPINPresence(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	require.Equal(t, probeIntervalNoPIN, s.ProbeInterval())

	require.NoError(t, s.Set("123456"))
	require.Equal(t, probeIntervalWithPIN, s.ProbeInterval())

	s.Clear()
	require.Equal(t, probeIntervalNoPIN, s.ProbeInterval())
}
