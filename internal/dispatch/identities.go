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
	"sort"

	"github.com/pivy-go/pivy-agentd/internal/cardsession"
	"github.com/pivy-go/pivy-agentd/internal/protocol"
	"github.com/pivy-go/pivy-agentd/internal/wireerror"
)

// handleListIdentities implements REQUEST_IDENTITIES (spec.md §4.6):
// open the card, refresh the inventory if the probe interval has
// elapsed since the last update, and emit every slot's public key with
// the Key-Management slot (0x9D) forced last.
func (d *Dispatcher) handleListIdentities(ctx context.Context) []byte {
	if err := d.Session.Open(ctx); err != nil {
		return d.fail("list-identities: open", classify(err), "", err)
	}
	defer d.Session.Close(false)

	if err := d.Session.RefreshIfStale(ctx); err != nil {
		return d.fail("list-identities: refresh", classify(err), "", err)
	}

	slots := d.Session.Slots()
	sort.Slice(slots, func(i, j int) bool {
		// Key-Management (0x9D) sorts last; all other slots keep a
		// stable, deterministic relative order by slot id.
		iLast := slots[i].ID == cardsession.SlotKeyManagement
		jLast := slots[j].ID == cardsession.SlotKeyManagement
		if iLast != jLast {
			return !iLast
		}
		return slots[i].ID < slots[j].ID
	})

	identities := make([]protocol.Identity, 0, len(slots))
	for _, slot := range slots {
		blob, err := publicKeyBlob(slot.PublicKey)
		if err != nil {
			d.logWire("list-identities: marshal key", wireerror.New(classify(err), err), slot.Comment())
			continue
		}
		identities = append(identities, protocol.Identity{
			KeyBlob: blob,
			Comment: slot.Comment(),
		})
	}
	return protocol.EncodeIdentitiesAnswer(identities)
}
