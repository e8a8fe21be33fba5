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
	"context"

	"golang.org/x/crypto/ssh"

	"github.com/pivy-go/pivy-agentd/internal/cardsession"
	"github.com/pivy-go/pivy-agentd/internal/pinstore"
	"github.com/pivy-go/pivy-agentd/internal/protocol"
	"github.com/pivy-go/pivy-agentd/internal/wireerror"
)

// handleUnlock implements UNLOCK (spec.md §4.8): validate the
// submitted PIN's format, open the card, and verify it. On success the
// PIN store's probe interval shortens automatically (pinstore.Store
// reports 30s once a PIN is cached).
func (d *Dispatcher) handleUnlock(ctx context.Context, body []byte) []byte {
	var req struct {
		Password string
	}
	if err := ssh.Unmarshal(body, &req); err != nil {
		return d.fail("unlock: decode", wireerror.KindProtocol, "", err)
	}
	if err := pinstore.Validate(req.Password); err != nil {
		return d.fail("unlock: validate", wireerror.KindProtocol, "", err)
	}

	if err := d.Session.Open(ctx); err != nil {
		return d.fail("unlock: open", classify(err), "", err)
	}
	defer d.Session.Close(false)

	// The verifying slot for an explicit unlock is Key-Management: any
	// slot's PIN check exercises the same card-wide PIN, but 0x9D starts
	// with can_skip=true like most non-Signature slots.
	slotComment := ""
	if rec, ok := d.Session.Slot(cardsession.SlotKeyManagement); ok {
		slotComment = rec.Comment()
	}
	if err := d.Session.TryPIN(cardsession.SlotKeyManagement, true, req.Password); err != nil {
		return d.fail("unlock: verify", classify(err), slotComment, err)
	}
	return protocol.EncodeSuccess()
}
