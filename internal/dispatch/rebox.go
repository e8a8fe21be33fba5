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
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/pivy-go/pivy-agentd/internal/cardsession"
	"github.com/pivy-go/pivy-agentd/internal/protocol"
	"github.com/pivy-go/pivy-agentd/internal/sealedbox"
	"github.com/pivy-go/pivy-agentd/internal/wireerror"
	"github.com/pivy-go/pivy-agentd/internal/zeroize"
)

type reboxRequest struct {
	SealedBox     []byte
	DestGUID      []byte
	DestSlot      []byte // single byte, empty keeps the source box's slot
	PartnerPubKey []byte
	Flags         uint32
}

// handleRebox implements the "rebox" extension (spec.md §4.9): open a
// sealed box addressed to a slot on the current card, and reseal its
// plaintext to a new recipient, optionally stamping a new destination
// card/slot. The box's own recipient determines which slot on the
// present card must do the opening; rebox refuses a box addressed to
// a different card. Authorization is always prompted against the
// Key-Management slot, regardless of which slot the box names, matching
// pivy-agent's fixed confirmation target for this operation.
func handleRebox(ctx context.Context, d *Dispatcher, authCtx AuthContext, payload []byte) []byte {
	var req reboxRequest
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return d.failExt("rebox: decode request", wireerror.KindProtocol, "", err)
	}
	if err := checkZeroFlags(req.Flags); err != nil {
		return d.failExt("rebox: flags", wireerror.KindFlags, "", err)
	}

	box, err := sealedbox.Decode(req.SealedBox)
	if err != nil {
		return d.failExt("rebox: decode box", wireerror.KindProtocol, "", err)
	}

	if err := d.Session.Open(ctx); err != nil {
		return d.failExt("rebox: open", classify(err), "", err)
	}
	defer d.Session.Close(false)

	if box.GUID != nil && !bytes.Equal(box.GUID, guidBytes(d.Session.GUID())) {
		return d.failExt("rebox: guid", wireerror.KindProtocol, "", trace.BadParameter("sealed box addresses a different card"))
	}
	slot, ok := d.Session.Slot(cardsession.SlotID(box.Slot))
	if !ok {
		return d.failExt("rebox: slot lookup", wireerror.KindNotFound, "", trace.NotFound("box slot not present on this card"))
	}

	kmSlot, ok := d.Session.Slot(cardsession.SlotKeyManagement)
	if !ok {
		return d.failExt("rebox: km slot", wireerror.KindNotFound, slot.Comment(), trace.NotFound("key-management slot not present on this card"))
	}
	if err := d.authorize(ctx, authCtx, "rebox with "+kmSlot.Comment()); err != nil {
		return d.failExt("rebox: authorize", wireerror.KindAuthorization, kmSlot.Comment(), err)
	}

	ownShared, err := d.ecdhWithPINLoop(ctx, slot, box.EphemeralPub)
	if err != nil {
		return d.failExt("rebox", classify(err), slot.Comment(), err)
	}
	ownSharedZ := zeroize.New(ownShared)
	defer ownSharedZ.Close()

	plaintext, err := box.Open(ownSharedZ.Bytes())
	if err != nil {
		return d.failExt("rebox: open box", wireerror.KindCard, slot.Comment(), err)
	}
	defer plaintext.Close()

	peerPoint, err := ecPointFromSSHBlob(req.PartnerPubKey)
	if err != nil {
		return d.failExt("rebox: partner key", wireerror.KindProtocol, slot.Comment(), err)
	}
	ephemeralShared, ephemeralPub, err := softwareECDH(peerPoint)
	if err != nil {
		return d.failExt("rebox: ephemeral ecdh", wireerror.KindProtocol, slot.Comment(), err)
	}
	ephemeralSharedZ := zeroize.New(ephemeralShared)
	defer ephemeralSharedZ.Close()

	destGUID := req.DestGUID
	destSlot := box.Slot
	if len(req.DestSlot) == 1 {
		destSlot = req.DestSlot[0]
	}

	newBox, err := sealedbox.SealOffline(ephemeralSharedZ.Bytes(), ephemeralPub, destGUID, destSlot, plaintext.Bytes())
	if err != nil {
		return d.failExt("rebox: seal", wireerror.KindCard, slot.Comment(), err)
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(protocol.Success))
	writeExtString(&buf, newBox.Encode())
	return buf.Bytes()
}

// softwareECDH generates a fresh ephemeral P-256 keypair and computes
// its ECDH shared secret with peerPoint, entirely in software: unlike
// opening a box, sealing to a new recipient never needs the card.
func softwareECDH(peerPoint []byte) (shared, ephemeralPub []byte, err error) {
	curve := ecdh.P256()
	peer, err := curve.NewPublicKey(peerPoint)
	if err != nil {
		return nil, nil, trace.Wrap(err, "parsing partner ECDH point")
	}
	ephemeral, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, trace.Wrap(err, "generating ephemeral key")
	}
	secret, err := ephemeral.ECDH(peer)
	if err != nil {
		return nil, nil, trace.Wrap(err, "computing ECDH")
	}
	return secret, ephemeral.PublicKey().Bytes(), nil
}

func guidBytes(hexGUID string) []byte {
	raw, err := hex.DecodeString(hexGUID)
	if err != nil {
		return nil
	}
	return raw
}
