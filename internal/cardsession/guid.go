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
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// DisplayGUID formats a card's raw hex GUID (as returned by GUID() and
// matched against the configured prefix) the way operators expect to
// see it in logs and CLI output: a dashed UUID string. Card GUIDs are
// not actually RFC 4122 UUIDs, but they are the same 16 raw bytes, and
// the dashed grouping is the conventional human-readable form vendors
// use for them.
func DisplayGUID(hexGUID string) (string, error) {
	raw, err := hex.DecodeString(hexGUID)
	if err != nil {
		return "", trace.Wrap(err, "decoding GUID hex")
	}
	if len(raw) != 16 {
		return "", trace.BadParameter("GUID must be 16 bytes, got %d", len(raw))
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return id.String(), nil
}
