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
	"crypto"
	"errors"

	"github.com/gravitational/trace"

	"github.com/pivy-go/pivy-agentd/internal/cardsession"
	"github.com/pivy-go/pivy-agentd/internal/protocol"
	"github.com/pivy-go/pivy-agentd/internal/wireerror"
)

// handleSign implements SIGN_REQUEST (spec.md §4.7): locate the slot
// matching the requested public key, authorize, run the PIN loop
// (including the Yubico PIN-always retry dance), sign, verify the
// signature actually matches the requested hash, and encode the
// response in the wire format appropriate to the key's algorithm.
func (d *Dispatcher) handleSign(ctx context.Context, body []byte, authCtx AuthContext) []byte {
	req, err := protocol.DecodeSignRequest(body)
	if err != nil {
		return d.fail("sign: decode request", wireerror.KindProtocol, "", err)
	}

	if err := d.Session.Open(ctx); err != nil {
		return d.fail("sign: open", classify(err), "", err)
	}
	defer d.Session.Close(false)

	slot, ok := d.findSlotByBlob(req.KeyBlob)
	if !ok {
		return d.fail("sign: slot lookup", wireerror.KindNotFound, "", trace.NotFound("no slot matches requested public key"))
	}
	if slot.ID == cardsession.SlotKeyManagement && !d.Opts.AllowSign9D {
		return d.fail("sign: slot policy", wireerror.KindAuthorization, slot.Comment(), trace.AccessDenied("signing with key-management slot is disabled"))
	}

	if err := d.authorize(ctx, authCtx, "sign with "+slot.Comment()); err != nil {
		return d.fail("sign: authorize", wireerror.KindAuthorization, slot.Comment(), err)
	}

	hash := d.Opts.ForceHash
	if hash == 0 {
		hash, err = hashForRequest(slot.PublicKey, req.Flags)
		if err != nil {
			return d.fail("sign: hash selection", wireerror.KindProtocol, slot.Comment(), err)
		}
	}

	digest, err := digestFor(hash, req.Data)
	if err != nil {
		return d.fail("sign: digest", wireerror.KindProtocol, slot.Comment(), err)
	}

	raw, err := d.signWithPINLoop(ctx, slot, digest, hash)
	if err != nil {
		return d.fail("sign", classify(err), slot.Comment(), err)
	}

	if err := verifySignedDigest(slot.PublicKey, hash, digest, raw); err != nil {
		return d.fail("sign: verify", wireerror.KindCard, slot.Comment(), err)
	}

	sigBlob, err := encodeSignature(slot.PublicKey, hash, raw)
	if err != nil {
		return d.fail("sign: encode signature", wireerror.KindCard, slot.Comment(), err)
	}
	return protocol.EncodeSignResponse(sigBlob)
}

func (d *Dispatcher) findSlotByBlob(blob []byte) (cardsession.SlotRecord, bool) {
	for _, slot := range d.Session.Slots() {
		got, err := publicKeyBlob(slot.PublicKey)
		if err != nil {
			continue
		}
		if bytes.Equal(got, blob) {
			return slot, true
		}
	}
	return cardsession.SlotRecord{}, false
}

// ensurePIN verifies the cached PIN against the card under canSkip, or
// (when none is cached and canSkip is false) prompts for one via
// askpass before verifying.
func (d *Dispatcher) ensurePIN(ctx context.Context, slot cardsession.SlotID, canSkip bool) error {
	if d.PIN.Len() > 0 {
		return d.Session.TryPIN(slot, canSkip, d.PIN.PIN())
	}
	if canSkip {
		return nil
	}
	pin, ok, err := d.askPIN(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.Wrap(cardsession.ErrNoPIN)
	}
	return d.Session.TryPIN(slot, false, pin)
}

// signWithPINLoop implements the retry dance from spec.md §4.7: try
// with the slot's default can_skip, then (if the card rejected it and
// a PIN is already cached on a Yubico-style PIV) retry with
// can_skip=false, then (if still rejected) prompt for a fresh PIN and
// retry once more.
func (d *Dispatcher) signWithPINLoop(ctx context.Context, slot cardsession.SlotRecord, digest []byte, hash crypto.Hash) ([]byte, error) {
	canSkip := slot.ID.CanSkipByDefault()
	if err := d.ensurePIN(ctx, slot.ID, canSkip); err != nil {
		return nil, trace.Wrap(err)
	}

	driver := d.Session.Driver()
	sig, err := driver.Sign(ctx, slot.ID, canSkip, digest, hash)
	if err == nil {
		return sig, nil
	}

	var invalid *cardsession.InvalidPINError
	if errors.As(err, &invalid) && d.PIN.Len() > 0 && driver.IsYubicoPIVAlways() {
		sig, err = driver.Sign(ctx, slot.ID, false, digest, hash)
		if err == nil {
			return sig, nil
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
		sig, err = driver.Sign(ctx, slot.ID, false, digest, hash)
		if err == nil {
			return sig, nil
		}
	}

	return nil, trace.Wrap(cardsession.ErrNoPIN)
}

func (d *Dispatcher) askPIN(ctx context.Context) (string, bool, error) {
	if d.Prompter == nil || !d.Prompter.HasAskpass() {
		return "", false, nil
	}
	pin, ok, err := d.Prompter.Ask(ctx, "Enter PIV PIN")
	if err != nil {
		return "", false, trace.Wrap(err)
	}
	return pin, ok, nil
}
