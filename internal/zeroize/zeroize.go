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

// Package zeroize wraps sensitive byte buffers so that ordinary
// error-propagation paths cannot leak them.
package zeroize

// Bytes is a byte buffer that should be overwritten before it is released.
// Callers that produce signatures, ECDH shared secrets, or sealed-box
// plaintext should route them through a Bytes and defer Close at every
// call site that handles them.
type Bytes struct {
	b []byte
}

// New wraps b. Ownership of b transfers to the returned Bytes.
func New(b []byte) *Bytes {
	return &Bytes{b: b}
}

// Bytes returns the underlying slice. The slice is invalidated by Close.
func (z *Bytes) Bytes() []byte {
	if z == nil {
		return nil
	}
	return z.b
}

// Close zeroes the underlying buffer. It is safe to call multiple times
// and on a nil receiver.
func (z *Bytes) Close() error {
	if z == nil {
		return nil
	}
	for i := range z.b {
		z.b[i] = 0
	}
	z.b = nil
	return nil
}
