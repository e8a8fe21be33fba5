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

// Package dispatch routes decoded request frames to their operation
// handlers and produces response frame payloads. It is the only
// package that touches both the wire protocol and the card session.
package dispatch

import (
	"context"
	"crypto"
	"log/slog"

	"github.com/pivy-go/pivy-agentd/internal/agentconn"
	"github.com/pivy-go/pivy-agentd/internal/cardsession"
	"github.com/pivy-go/pivy-agentd/internal/pinstore"
	"github.com/pivy-go/pivy-agentd/internal/prompter"
	"github.com/pivy-go/pivy-agentd/internal/protocol"
)

// Options configures a Dispatcher's fixed, startup-time behavior.
type Options struct {
	// AllowSign9D permits the Key-Management slot (0x9D) to be used for
	// signing, normally refused.
	AllowSign9D bool

	// ForceHash overrides the flags-derived hash selection in
	// hashForRequest, when non-zero. Set from the "-E hash-name"
	// startup flag.
	ForceHash crypto.Hash
}

// Dispatcher holds everything an operation handler needs: the single
// card session, the PIN store, the authorization policy, and the
// extension sub-handler registry.
type Dispatcher struct {
	Session  *cardsession.Session
	PIN      *pinstore.Store
	Policy   *prompter.Policy
	Prompter *prompter.Prompter
	Opts     Options
	Log      *slog.Logger

	extensions map[string]ExtensionHandler
}

// ExtensionHandler implements one named EXTENSION sub-operation. It
// always returns a complete response frame payload, including its
// leading response-code byte: SUCCESS on success, or EXT_FAILURE (via
// Dispatcher.failExt) on any error.
type ExtensionHandler func(ctx context.Context, d *Dispatcher, authCtx AuthContext, payload []byte) []byte

// AuthContext is what a handler needs to run the authorization policy
// for a connection's first card-touching operation.
type AuthContext struct {
	ConnIndex   int
	PeerExePath string
	// Authorized is read and written by authorize; callers keep it
	// per-connection and sticky. It normally points at the Conn's own
	// Auth field.
	Authorized *agentconn.Authorization
}

// New constructs a Dispatcher with the standard extension handlers
// registered.
func New(session *cardsession.Session, pin *pinstore.Store, policy *prompter.Policy, pr *prompter.Prompter, opts Options, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		Session:  session,
		PIN:      pin,
		Policy:   policy,
		Prompter: pr,
		Opts:     opts,
		Log:      log,
	}
	d.extensions = map[string]ExtensionHandler{
		"query":      handleQuery,
		"ecdh":       handleECDH,
		"rebox":      handleRebox,
		"attest":     handleAttest,
		"x509-certs": handleX509Certs,
	}
	return d
}

// Dispatch decodes frame's opcode and routes to the matching handler,
// returning the response frame payload (including its own leading
// response-code byte). It never returns an error: every failure is
// mapped to a FAILURE/EXT_FAILURE payload, per the daemon's policy
// that a single connection's error never aborts the loop.
func (d *Dispatcher) Dispatch(ctx context.Context, frame []byte, authCtx AuthContext) []byte {
	if len(frame) == 0 {
		return protocol.EncodeFailure()
	}
	opcode := protocol.Opcode(frame[0])
	body := frame[1:]

	switch opcode {
	case protocol.OpRequestIdentities:
		return d.handleListIdentities(ctx)
	case protocol.OpSignRequest:
		return d.handleSign(ctx, body, authCtx)
	case protocol.OpRemoveAllIdentities:
		d.PIN.Clear()
		return protocol.EncodeSuccess()
	case protocol.OpLock:
		d.PIN.Clear()
		return protocol.EncodeSuccess()
	case protocol.OpUnlock:
		return d.handleUnlock(ctx, body)
	case protocol.OpExtension:
		return d.handleExtension(ctx, body, authCtx)
	default:
		return protocol.EncodeFailure()
	}
}
