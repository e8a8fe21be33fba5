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
	"crypto"
	"fmt"
)

// SlotID identifies a PIV key slot by its single-byte card reference.
type SlotID byte

// The four PIV slots this agent ever touches.
const (
	SlotAuthentication     SlotID = 0x9A
	SlotSignature          SlotID = 0x9C
	SlotKeyManagement      SlotID = 0x9D
	SlotCardAuthentication SlotID = 0x9E
)

// CanSkipByDefault reports whether a slot starts a connection with
// can_skip=true (PIN need not be re-verified if the card is already
// authenticated this session). Only the Signature slot is PIN-always.
func (s SlotID) CanSkipByDefault() bool {
	return s != SlotSignature
}

// SlotRecord is one card slot the agent has discovered: its public key
// and certificate subject, as read by Session.Open.
type SlotRecord struct {
	ID        SlotID
	PublicKey crypto.PublicKey
	Subject   string
	// DER holds the raw certificate bytes, used by attest/rebox handlers
	// that need the original encoding rather than a re-derived one.
	DER []byte
}

// Comment formats the SSH-agent comment string for this slot, per
// spec.md §4.6: "PIV_slot_<hex id> <subject>".
func (r SlotRecord) Comment() string {
	return fmt.Sprintf("PIV_slot_%02x %s", byte(r.ID), r.Subject)
}
