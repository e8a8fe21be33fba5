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

package wireerror

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/pivy-go/pivy-agentd/internal/protocol"
)

func TestResponseForMapsKindToFrame(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
		want byte
	}{
		{name: "plain error is FAILURE", err: trace.BadParameter("bad"), want: byte(protocol.Failure)},
		{name: "wire PIN error is FAILURE", err: New(KindPIN, trace.BadParameter("bad pin")), want: byte(protocol.Failure)},
		{name: "wire extension error is EXT_FAILURE", err: NewExtension(KindFlags, trace.BadParameter("flags != 0")), want: byte(protocol.ExtensionFailure)},
		{name: "wrapped wire error still classified", err: trace.Wrap(NewExtension(KindCard, trace.BadParameter("x"))), want: byte(protocol.ExtensionFailure)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got := ResponseFor(tt.err)
			require.Equal(t, tt.want, got[0])
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := trace.BadParameter("underlying")
	err := New(KindCAKMismatch, cause)
	require.ErrorIs(t, err, cause)
}
