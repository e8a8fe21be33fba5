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
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"
	"math/big"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/pivy-go/pivy-agentd/internal/cardsession"
)

// RSA signature flag bits, per the SSH agent protocol extension for
// RSA-SHA2 (RFC 8332) and spec.md §4.7.
const (
	flagRSASHA2_256 = 1 << 1
	flagRSASHA2_512 = 1 << 2
)

// publicKeyBlob marshals a crypto.PublicKey to its SSH wire-format
// public key blob, for matching against a SIGN_REQUEST's key_blob
// field and for IDENTITIES_ANSWER entries.
func publicKeyBlob(pub crypto.PublicKey) ([]byte, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, trace.Wrap(err, "marshaling public key")
	}
	return sshPub.Marshal(), nil
}

// hashForRequest derives the hash algorithm a sign request should use,
// from the key type, curve, and request flags.
func hashForRequest(pub crypto.PublicKey, flags uint32) (crypto.Hash, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		switch {
		case flags&flagRSASHA2_512 != 0:
			return crypto.SHA512, nil
		case flags&flagRSASHA2_256 != 0:
			return crypto.SHA256, nil
		default:
			return crypto.SHA1, nil
		}
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return crypto.SHA256, nil
		case elliptic.P384():
			return crypto.SHA384, nil
		case elliptic.P521():
			return crypto.SHA512, nil
		default:
			return crypto.SHA256, nil
		}
	default:
		return 0, trace.BadParameter("unsupported key type for signing")
	}
}

// digestFor hashes data with hash, as required before a PIV card sign
// operation (cards sign pre-hashed digests, not raw messages).
func digestFor(hash crypto.Hash, data []byte) ([]byte, error) {
	if !hash.Available() {
		return nil, trace.BadParameter("hash algorithm unavailable")
	}
	h := hash.New()
	h.Write(data)
	return h.Sum(nil), nil
}

// ecdsaSigValue is the wire shape of an ECDSA signature blob: two
// mpint fields, per RFC 5656 §3.1.2.
type ecdsaSigValue struct {
	R *big.Int
	S *big.Int
}

// encodeSignature builds the SSH wire "signature" blob (format string
// + format-specific blob, itself ssh.Marshal-ed) from the card's raw
// signature bytes, which arrive in whatever shape Go's crypto.Signer
// convention dictates for the key's algorithm: ASN.1 DER (r, s) for
// ECDSA, raw PKCS#1v1.5 bytes for RSA.
func encodeSignature(pub crypto.PublicKey, hash crypto.Hash, raw []byte) ([]byte, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		format := rsaFormat(hash)
		return ssh.Marshal(ssh.Signature{Format: format, Blob: raw}), nil
	case *ecdsa.PublicKey:
		var sig ecdsaSigValue
		if _, err := asn1.Unmarshal(raw, &sig); err != nil {
			return nil, trace.Wrap(err, "parsing ECDSA signature")
		}
		format := ecdsaFormat(k.Curve)
		blob := ssh.Marshal(sig)
		return ssh.Marshal(ssh.Signature{Format: format, Blob: blob}), nil
	default:
		return nil, trace.BadParameter("unsupported key type for signature encoding")
	}
}

func rsaFormat(hash crypto.Hash) string {
	switch hash {
	case crypto.SHA512:
		return "rsa-sha2-512"
	case crypto.SHA256:
		return "rsa-sha2-256"
	default:
		return "ssh-rsa"
	}
}

// verifySignedDigest checks that raw actually verifies as a signature
// over digest under pub, catching a card that silently signed with a
// different hash than hash names (spec.md §4.7's HashMismatch case).
// Driver.Sign trusts the driver to honor the hash it's given; this is
// the only way to catch it not doing so.
func verifySignedDigest(pub crypto.PublicKey, hash crypto.Hash, digest, raw []byte) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, hash, digest, raw); err != nil {
			return trace.Wrap(cardsession.ErrHashMismatch)
		}
		return nil
	case *ecdsa.PublicKey:
		var sig ecdsaSigValue
		if _, err := asn1.Unmarshal(raw, &sig); err != nil {
			return trace.Wrap(cardsession.ErrHashMismatch, "parsing signature")
		}
		if !ecdsa.Verify(k, digest, sig.R, sig.S) {
			return trace.Wrap(cardsession.ErrHashMismatch)
		}
		return nil
	default:
		return trace.BadParameter("unsupported key type for signature verification")
	}
}

func ecdsaFormat(curve elliptic.Curve) string {
	switch curve {
	case elliptic.P384():
		return "ecdsa-sha2-nistp384"
	case elliptic.P521():
		return "ecdsa-sha2-nistp521"
	default:
		return "ecdsa-sha2-nistp256"
	}
}
