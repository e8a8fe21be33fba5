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

package dispatch

import (
	"errors"

	"github.com/gravitational/trace"

	"github.com/pivy-go/pivy-agentd/internal/cardsession"
	"github.com/pivy-go/pivy-agentd/internal/wireerror"
)

// fail logs op at warn level with the error's taxonomy kind plus the
// current card GUID and slot (when known), and returns the FAILURE
// frame payload.
func (d *Dispatcher) fail(op string, kind wireerror.Kind, slot string, err error) []byte {
	we := wireerror.New(kind, err)
	d.logWire(op, we, slot)
	return we.ResponsePayload()
}

// failExt is fail for extension sub-operations, which answer
// EXT_FAILURE rather than FAILURE.
func (d *Dispatcher) failExt(op string, kind wireerror.Kind, slot string, err error) []byte {
	we := wireerror.NewExtension(kind, err)
	d.logWire(op, we, slot)
	return we.ResponsePayload()
}

func (d *Dispatcher) logWire(op string, we *wireerror.Error, slot string) {
	if d.Log == nil {
		return
	}
	d.Log.Warn(op, "kind", string(we.Kind), "guid", d.Session.GUID(), "slot", slot, "error", we.Unwrap())
}

// classify maps an error returned by a card/session/driver operation to
// the wire taxonomy bucket (spec.md §7) it belongs to. Decode and
// flags errors are classified at their call site instead, since they
// are known without inspecting the error.
func classify(err error) wireerror.Kind {
	var invalid *cardsession.InvalidPINError
	switch {
	case errors.As(err, &invalid), errors.Is(err, cardsession.ErrTokenLocked), errors.Is(err, cardsession.ErrNoPIN):
		return wireerror.KindPIN
	case errors.Is(err, cardsession.ErrCAKMismatch):
		return wireerror.KindCAKMismatch
	case errors.Is(err, cardsession.ErrFlagsNotZero):
		return wireerror.KindFlags
	case errors.Is(err, cardsession.ErrEnumeration), errors.Is(err, cardsession.ErrAmbiguousPrefix), trace.IsNotFound(err):
		return wireerror.KindNotFound
	case trace.IsAccessDenied(err):
		return wireerror.KindAuthorization
	default:
		return wireerror.KindCard
	}
}
