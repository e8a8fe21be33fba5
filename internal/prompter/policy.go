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

package prompter

import (
	"context"
	"path/filepath"
)

// ConfirmMode selects how aggressively the daemon asks the user to
// authorize a connection's first card operation.
type ConfirmMode int

const (
	// ConfirmNever allows every connection unconditionally.
	ConfirmNever ConfirmMode = iota
	// ConfirmForwarded allows everything except a second-or-later
	// connection whose peer executable is "ssh" (an agent-forwarding
	// hop), which is prompted.
	ConfirmForwarded
	// ConfirmAlways prompts on every connection's first operation.
	ConfirmAlways
)

// Policy implements spec.md §4.4's authorization pipeline. It is
// stateless across connections; per-connection stickiness of a Denied
// decision is the caller's responsibility (internal/agentconn).
type Policy struct {
	mode     ConfirmMode
	prompter *Prompter
}

// NewPolicy builds a Policy.
func NewPolicy(mode ConfirmMode, p *Prompter) *Policy {
	return &Policy{mode: mode, prompter: p}
}

// Authorize decides whether a connection's first card-using operation
// may proceed. connIndex is this peer process's per-process connection
// index from internal/pidreg (0 == this process's first-ever
// connection). peerExePath is the peer's best-effort executable path,
// used only for the Forwarded heuristic's basename comparison.
func (p *Policy) Authorize(ctx context.Context, connIndex int, peerExePath, prompt string) (Decision, error) {
	switch p.mode {
	case ConfirmNever:
		return Allowed, nil

	case ConfirmForwarded:
		if filepath.Base(peerExePath) == "ssh" && connIndex > 0 {
			return p.prompter.Confirm(ctx, prompt)
		}
		return Allowed, nil

	case ConfirmAlways:
		return p.prompter.Confirm(ctx, prompt)

	default:
		return Allowed, nil
	}
}
