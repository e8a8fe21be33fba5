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

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/pivy-go/pivy-agentd/internal/protocol"
	"github.com/pivy-go/pivy-agentd/internal/wireerror"
)

type attestRequest struct {
	PubKey []byte
	Flags  uint32
}

// handleAttest implements the "attest" extension (spec.md §4.9):
// locate the slot holding pubkey and return the card's vendor
// attestation for it alongside the attestation intermediate chain, so
// a relying party can verify the key was generated on genuine
// hardware rather than imported.
func handleAttest(ctx context.Context, d *Dispatcher, authCtx AuthContext, payload []byte) []byte {
	var req attestRequest
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return d.failExt("attest: decode request", wireerror.KindProtocol, "", err)
	}
	if err := checkZeroFlags(req.Flags); err != nil {
		return d.failExt("attest: flags", wireerror.KindFlags, "", err)
	}

	if err := d.Session.Open(ctx); err != nil {
		return d.failExt("attest: open", classify(err), "", err)
	}
	defer d.Session.Close(false)

	slot, ok := d.findSlotByBlob(req.PubKey)
	if !ok {
		return d.failExt("attest: slot lookup", wireerror.KindNotFound, "", trace.NotFound("no slot matches requested public key"))
	}

	driver := d.Session.Driver()
	attestation, err := driver.Attest(slot.ID)
	if err != nil {
		return d.failExt("attest: read attestation", wireerror.KindCard, slot.Comment(), err)
	}
	chain, err := driver.AttestationCertificateChain()
	if err != nil {
		return d.failExt("attest: read chain", wireerror.KindCard, slot.Comment(), err)
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(protocol.Success))
	writeExtString(&buf, attestation)
	writeExtString(&buf, chain)
	return buf.Bytes()
}
