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

// Package wireerror maps the agent's error taxonomy (spec.md §7) onto
// wire response codes, and carries enough structure for callers to log
// consistent fields before responding to a client.
package wireerror

import (
	"github.com/pivy-go/pivy-agentd/internal/protocol"
)

// Kind is a taxonomy bucket, not a concrete Go error type: protocol,
// not-found, authorization, PIN, card/driver, flags, or CAK mismatch.
type Kind string

const (
	KindProtocol      Kind = "protocol"
	KindNotFound      Kind = "not_found"
	KindAuthorization Kind = "authorization"
	KindPIN           Kind = "pin"
	KindCard          Kind = "card"
	KindFlags         Kind = "flags"
	KindCAKMismatch   Kind = "cak_mismatch"
)

// Error wraps an underlying error with a taxonomy Kind and whether the
// response should be EXT_FAILURE instead of FAILURE.
type Error struct {
	Kind      Kind
	Extension bool
	cause     error
}

// New builds a classified wire error.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// NewExtension builds a classified wire error whose response must be
// EXT_FAILURE rather than FAILURE.
func NewExtension(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Extension: true, cause: cause}
}

func (e *Error) Error() string {
	if e.cause == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// ResponsePayload returns the wire frame payload this error maps to.
func (e *Error) ResponsePayload() []byte {
	if e.Extension {
		return protocol.EncodeExtensionFailure()
	}
	return protocol.EncodeFailure()
}

// As reports whether err is (or wraps) a *wireerror.Error, writing it to target.
func As(err error, target **Error) bool {
	for err != nil {
		if we, ok := err.(*Error); ok {
			*target = we
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ResponseFor maps an arbitrary error to the wire response payload the
// dispatcher should send. Errors not wrapped in *Error are treated as
// protocol failures.
func ResponseFor(err error) []byte {
	var we *Error
	if As(err, &we) {
		return we.ResponsePayload()
	}
	return protocol.EncodeFailure()
}
