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

package cardsession

import (
	"fmt"

	"github.com/gravitational/trace"
)

// InvalidPINError is returned by TryPIN when the card rejected the PIN
// but retries remain.
type InvalidPINError struct {
	Remaining int
}

func (e *InvalidPINError) Error() string {
	return fmt.Sprintf("invalid PIN, %d attempt(s) remaining", e.Remaining)
}

// ErrTokenLocked is returned by TryPIN when the card reports no PIN
// retries remaining and is now locked.
var ErrTokenLocked = trace.AccessDenied("token locked")

// ErrNoPIN is returned by the dispatcher's sign and ECDH PIN loops when
// no PIN is cached, the driver requires one, and no askpass helper
// produced one.
var ErrNoPIN = trace.BadParameter("no PIN available")

// ErrEnumeration is returned by Open when no card matches the
// configured GUID prefix.
var ErrEnumeration = trace.NotFound("no card matches configured GUID prefix")

// ErrAmbiguousPrefix is returned by Open when more than one attached
// card matches the configured GUID prefix, distinct from ErrEnumeration
// so an operator can tell "nothing attached" from "prefix too short".
var ErrAmbiguousPrefix = trace.NotFound("multiple cards match configured GUID prefix")

// ErrCAKMismatch is returned by Open/Probe when the card's CAK slot key
// does not match the configured CAK — treated as possible card
// substitution.
var ErrCAKMismatch = trace.AccessDenied("card authentication key mismatch")

// ErrHashMismatch is returned by the dispatcher's sign handler when the
// card's signature does not verify under the slot's public key with the
// requested hash algorithm.
var ErrHashMismatch = trace.BadParameter("card signed with unexpected hash algorithm")

// ErrFlagsNotZero is returned by extension handlers that define no
// flags when the caller sets any.
var ErrFlagsNotZero = trace.BadParameter("flags must be 0")
