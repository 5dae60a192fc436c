// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-kmstoken.
//
// go-kmstoken is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package token

import (
	"context"
	"time"

	"github.com/jeremyhahn/go-kmstoken/pkg/algorithm"
	"github.com/jeremyhahn/go-kmstoken/pkg/correlation"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/jeremyhahn/go-kmstoken/pkg/metrics"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Mechanism selects a signature scheme. Parameter must be nil: each
// algorithm supports exactly one scheme and parameter blocks are not
// negotiated.
type Mechanism struct {
	Type      algorithm.Mechanism
	Parameter []byte
}

// CheckKeyPreconditions verifies that obj is a keyType key of class class
// usable with mechanism. A key type mismatch is reported ahead of a class
// mismatch.
func CheckKeyPreconditions(keyType algorithm.KeyType, class ObjectClass, mechanism algorithm.Mechanism, obj Object) error {
	details := obj.Algorithm()
	if details.KeyType != keyType {
		return kmserr.WithReason(kmserr.InvalidArgument, kmserr.ReasonKeyTypeInconsistent,
			"%s requires a %s key, but %s is %s", mechanism, keyType, obj.KeyVersionName(), details.KeyType)
	}
	if obj.Class() != class {
		return kmserr.WithReason(kmserr.InvalidArgument, kmserr.ReasonKeyFunctionNotPermitted,
			"%s requires a %s object, got %s", mechanism, class, obj.Class())
	}
	if !details.Allows(mechanism) {
		return kmserr.WithReason(kmserr.InvalidArgument, kmserr.ReasonKeyFunctionNotPermitted,
			"%s cannot be used with %s keys", mechanism, details)
	}
	return nil
}

// signer resolves h and runs every check that precedes the remote call.
func (t *Token) signer(h uint64, mech Mechanism, digest []byte) (*PrivateKey, error) {
	obj, err := t.GetObject(h)
	if err != nil {
		return nil, err
	}

	if mech.Parameter != nil {
		return nil, kmserr.WithReason(kmserr.InvalidArgument, kmserr.ReasonMechanismParamInvalid,
			"%s does not take a parameter", mech.Type)
	}

	keyType, err := mech.Type.KeyType()
	if err != nil {
		return nil, err
	}
	if err := CheckKeyPreconditions(keyType, ClassPrivateKey, mech.Type, obj); err != nil {
		return nil, err
	}

	key := obj.(*PrivateKey)
	details := key.Algorithm()
	if !details.CanSign() {
		return nil, kmserr.WithReason(kmserr.NotSupported, kmserr.ReasonKeyFunctionNotPermitted,
			"%s is not a signing key", key.KeyVersionName())
	}
	if len(digest) != details.DigestLength() {
		return nil, kmserr.WithReason(kmserr.InvalidArgument, kmserr.ReasonDataLenRange,
			"digest length is %d, %s expects %d", len(digest), details, details.DigestLength())
	}
	return key, nil
}

// SignatureLength returns the size of the signature Sign would produce for
// the same arguments without calling KMS.
func (t *Token) SignatureLength(h uint64, mech Mechanism, digest []byte) (int, error) {
	key, err := t.signer(h, mech, digest)
	if err != nil {
		return 0, err
	}
	return key.Algorithm().SignatureLength(), nil
}

// Sign signs digest with the private key h. EC signatures are returned in the
// fixed-width IEEE P1363 encoding.
func (t *Token) Sign(ctx context.Context, h uint64, mech Mechanism, digest []byte) (sig []byte, err error) {
	start := time.Now()
	defer func() { record(metrics.OpSign, start, err) }()

	key, err := t.signer(h, mech, digest)
	if err != nil {
		return nil, err
	}
	details := key.Algorithm()

	ctx, id := correlation.Ensure(ctx)
	raw, err := t.remote.Sign(ctx, key.KeyVersionName(), details.Hash, digest)
	if err != nil {
		t.logger.Errorf("signing with %s (correlation %s): %v", key.KeyVersionName(), id, err)
		return nil, err
	}

	sig = raw
	if details.KeyType == algorithm.KeyTypeEC {
		if sig, err = ecdsaDERToP1363(raw, details.SignatureLength()/2); err != nil {
			return nil, err
		}
	}
	if len(sig) != details.SignatureLength() {
		return nil, kmserr.Newf(kmserr.Internal, "signature length is %d, expected %d",
			len(sig), details.SignatureLength())
	}
	return sig, nil
}

// ecdsaDERToP1363 converts an ASN.1 ECDSA-Sig-Value into r||s with each
// integer left padded to size bytes.
func ecdsaDERToP1363(der []byte, size int) ([]byte, error) {
	var (
		inner cryptobyte.String
		r, s  []byte
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(&r) ||
		!inner.ReadASN1Integer(&s) ||
		!inner.Empty() {
		return nil, kmserr.New(kmserr.Upstream, "malformed ECDSA signature from KMS")
	}

	r, s = trimZero(r), trimZero(s)
	if len(r) > size || len(s) > size {
		return nil, kmserr.New(kmserr.Upstream, "ECDSA signature integer exceeds curve size")
	}
	out := make([]byte, 2*size)
	copy(out[size-len(r):size], r)
	copy(out[2*size-len(s):], s)
	return out, nil
}

func trimZero(b []byte) []byte {
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	return b
}
