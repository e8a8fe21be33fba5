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

	"github.com/gravitational/trace"

	"github.com/pivy-go/pivy-agentd/internal/agentconn"
	"github.com/pivy-go/pivy-agentd/internal/prompter"
)

// authorize runs the connection's sticky authorization decision for
// its first card-touching operation (spec.md §4.4). Once a connection
// has a decision, it is reused for every later operation on that
// connection; a Denied decision never asks again.
func (d *Dispatcher) authorize(ctx context.Context, authCtx AuthContext, prompt string) error {
	if authCtx.Authorized == nil {
		return trace.BadParameter("authorization context not wired")
	}
	switch *authCtx.Authorized {
	case agentconn.Denied:
		return trace.AccessDenied("connection is denied")
	case agentconn.Allowed:
		return nil
	}

	decision, err := d.Policy.Authorize(ctx, authCtx.ConnIndex, authCtx.PeerExePath, prompt)
	if err != nil {
		return trace.Wrap(err)
	}

	switch decision {
	case prompter.Allowed:
		*authCtx.Authorized = agentconn.Allowed
		return nil
	default:
		// prompter.Denied and prompter.Error are both treated as a
		// denial: an authorization helper that failed to run is not
		// grounds to proceed as though the user approved.
		*authCtx.Authorized = agentconn.Denied
		return trace.AccessDenied("authorization denied")
	}
}
