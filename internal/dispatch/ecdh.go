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
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/pivy-go/pivy-agentd/internal/cardsession"
	"github.com/pivy-go/pivy-agentd/internal/protocol"
	"github.com/pivy-go/pivy-agentd/internal/wireerror"
	"github.com/pivy-go/pivy-agentd/internal/zeroize"
)

type ecdhRequest struct {
	OwnPubKey     []byte
	PartnerPubKey []byte
	Flags         uint32
}

// handleECDH implements the "ecdh" extension (spec.md §4.9): look up
// the slot matching own_pubkey, authorize, run the PIN loop, and emit
// the raw ECDH shared secret with the partner's key, zeroing it once
// written.
func handleECDH(ctx context.Context, d *Dispatcher, authCtx AuthContext, payload []byte) []byte {
	var req ecdhRequest
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return d.failExt("ecdh: decode request", wireerror.KindProtocol, "", err)
	}
	if err := checkZeroFlags(req.Flags); err != nil {
		return d.failExt("ecdh: flags", wireerror.KindFlags, "", err)
	}

	if err := d.Session.Open(ctx); err != nil {
		return d.failExt("ecdh: open", classify(err), "", err)
	}
	defer d.Session.Close(false)

	slot, ok := d.findSlotByBlob(req.OwnPubKey)
	if !ok {
		return d.failExt("ecdh: slot lookup", wireerror.KindNotFound, "", trace.NotFound("no slot matches requested public key"))
	}

	if err := d.authorize(ctx, authCtx, "key agreement with "+slot.Comment()); err != nil {
		return d.failExt("ecdh: authorize", wireerror.KindAuthorization, slot.Comment(), err)
	}

	peerPoint, err := ecPointFromSSHBlob(req.PartnerPubKey)
	if err != nil {
		return d.failExt("ecdh: partner key", wireerror.KindProtocol, slot.Comment(), err)
	}

	secret, err := d.ecdhWithPINLoop(ctx, slot, peerPoint)
	if err != nil {
		return d.failExt("ecdh", classify(err), slot.Comment(), err)
	}
	z := zeroize.New(secret)
	defer z.Close()

	var buf bytes.Buffer
	buf.WriteByte(byte(protocol.Success))
	writeExtString(&buf, z.Bytes())
	return buf.Bytes()
}

// ecdhWithPINLoop mirrors signWithPINLoop's retry dance: try with the
// slot's default can_skip, then (if rejected and a PIN is already
// cached on a Yubico-style PIV) retry with can_skip=false, then (if
// still rejected) prompt for a fresh PIN and retry once more.
func (d *Dispatcher) ecdhWithPINLoop(ctx context.Context, slot cardsession.SlotRecord, peerPoint []byte) ([]byte, error) {
	canSkip := slot.ID.CanSkipByDefault()
	if err := d.ensurePIN(ctx, slot.ID, canSkip); err != nil {
		return nil, trace.Wrap(err)
	}

	driver := d.Session.Driver()
	secret, err := driver.ECDH(ctx, slot.ID, canSkip, peerPoint)
	if err == nil {
		return secret, nil
	}

	var invalid *cardsession.InvalidPINError
	if errors.As(err, &invalid) && d.PIN.Len() > 0 && driver.IsYubicoPIVAlways() {
		secret, err = driver.ECDH(ctx, slot.ID, false, peerPoint)
		if err == nil {
			return secret, nil
		}
	}

	if errors.As(err, &invalid) {
		pin, ok, askErr := d.askPIN(ctx)
		if askErr != nil || !ok {
			return nil, trace.Wrap(cardsession.ErrNoPIN)
		}
		if verifyErr := d.Session.TryPIN(slot.ID, false, pin); verifyErr != nil {
			return nil, trace.Wrap(verifyErr)
		}
		secret, err = driver.ECDH(ctx, slot.ID, false, peerPoint)
		if err == nil {
			return secret, nil
		}
	}

	return nil, trace.Wrap(cardsession.ErrNoPIN)
}

// ecPointFromSSHBlob parses an SSH wire-format EC public key blob and
// returns its raw uncompressed point bytes, the shape the card driver
// expects as an ECDH peer key.
func ecPointFromSSHBlob(blob []byte) ([]byte, error) {
	sshPub, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return nil, trace.Wrap(err, "parsing partner public key")
	}
	cryptoPub, ok := sshPub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, trace.BadParameter("partner public key has no crypto representation")
	}
	ecPub, ok := cryptoPub.CryptoPublicKey().(*ecdsa.PublicKey)
	if !ok {
		return nil, trace.BadParameter("partner public key is not an EC key")
	}
	return elliptic.Marshal(ecPub.Curve, ecPub.X, ecPub.Y), nil
}
