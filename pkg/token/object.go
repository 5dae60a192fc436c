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
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/jeremyhahn/go-kmstoken/pkg/algorithm"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"google.golang.org/protobuf/proto"
)

// ObjectClass orders the objects that share a key version: the public key
// sorts before the private key, which sorts before the certificate.
type ObjectClass uint

const (
	ClassPublicKey ObjectClass = iota
	ClassPrivateKey
	ClassCertificate
)

// String returns the class name.
func (c ObjectClass) String() string {
	switch c {
	case ClassPublicKey:
		return "public_key"
	case ClassPrivateKey:
		return "private_key"
	case ClassCertificate:
		return "certificate"
	default:
		return fmt.Sprintf("ObjectClass(%d)", uint(c))
	}
}

// Object is a key or certificate exposed by a token. Every object belongs to
// exactly one Cloud KMS key version.
type Object interface {
	Class() ObjectClass
	KeyVersionName() string
	CryptoKeyVersion() *kmspb.CryptoKeyVersion
	Algorithm() algorithm.Details
}

type base struct {
	ckv     *kmspb.CryptoKeyVersion
	details algorithm.Details
}

func (b *base) KeyVersionName() string { return b.ckv.GetName() }

// CryptoKeyVersion returns a copy of the key version the object belongs to.
func (b *base) CryptoKeyVersion() *kmspb.CryptoKeyVersion {
	return proto.Clone(b.ckv).(*kmspb.CryptoKeyVersion)
}

func (b *base) Algorithm() algorithm.Details { return b.details }

// PublicKey is the public half of a KMS key version.
type PublicKey struct {
	base
	der []byte
	pub crypto.PublicKey
}

// Class returns ClassPublicKey.
func (k *PublicKey) Class() ObjectClass { return ClassPublicKey }

// DER returns the SubjectPublicKeyInfo encoding.
func (k *PublicKey) DER() []byte { return append([]byte(nil), k.der...) }

// PublicKey returns the parsed key.
func (k *PublicKey) PublicKey() crypto.PublicKey { return k.pub }

// PrivateKey stands for the private half of a KMS key version. It holds no
// key material; signing is delegated to KMS.
type PrivateKey struct {
	base
	pub crypto.PublicKey
}

// Class returns ClassPrivateKey.
func (k *PrivateKey) Class() ObjectClass { return ClassPrivateKey }

// PublicKey returns the public half of the pair.
func (k *PrivateKey) PublicKey() crypto.PublicKey { return k.pub }

// Certificate is a synthetic certificate over a KMS public key.
type Certificate struct {
	base
	der  []byte
	cert *x509.Certificate
}

// Class returns ClassCertificate.
func (c *Certificate) Class() ObjectClass { return ClassCertificate }

// DER returns the certificate encoding.
func (c *Certificate) DER() []byte { return append([]byte(nil), c.der...) }

// X509 returns the parsed certificate.
func (c *Certificate) X509() *x509.Certificate { return c.cert }

// KeyPair is the public and private object of one key version.
type KeyPair struct {
	Public  *PublicKey
	Private *PrivateKey
}

// NewKeyPair builds the objects for ckv from its DER public key. The key
// version's algorithm must be supported and must match the key.
func NewKeyPair(ckv *kmspb.CryptoKeyVersion, der []byte) (*KeyPair, error) {
	details, err := algorithm.Get(ckv.GetAlgorithm())
	if err != nil {
		return nil, err
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, kmserr.Wrap(kmserr.Upstream, err, "parsing public key of "+ckv.GetName())
	}
	if err := checkPublicKey(details, pub); err != nil {
		return nil, kmserr.Wrap(kmserr.Upstream, err, "public key of "+ckv.GetName())
	}

	b := base{ckv: proto.Clone(ckv).(*kmspb.CryptoKeyVersion), details: details}
	return &KeyPair{
		Public:  &PublicKey{base: b, der: append([]byte(nil), der...), pub: pub},
		Private: &PrivateKey{base: b, pub: pub},
	}, nil
}

// NewCertificate wraps a certificate issued for ckv. The certificate must
// certify pub.
func NewCertificate(ckv *kmspb.CryptoKeyVersion, der []byte, pub crypto.PublicKey) (*Certificate, error) {
	details, err := algorithm.Get(ckv.GetAlgorithm())
	if err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, kmserr.Wrap(kmserr.Internal, err, "parsing certificate of "+ckv.GetName())
	}
	type equaler interface{ Equal(crypto.PublicKey) bool }
	if eq, ok := cert.PublicKey.(equaler); !ok || !eq.Equal(pub) {
		return nil, kmserr.Newf(kmserr.Internal, "certificate of %s does not match its public key", ckv.GetName())
	}

	return &Certificate{
		base: base{ckv: proto.Clone(ckv).(*kmspb.CryptoKeyVersion), details: details},
		der:  append([]byte(nil), der...),
		cert: cert,
	}, nil
}

func checkPublicKey(details algorithm.Details, pub crypto.PublicKey) error {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if details.KeyType != algorithm.KeyTypeEC || k.Curve != details.Curve {
			return fmt.Errorf("EC key on %s does not match %s", k.Curve.Params().Name, details)
		}
	case *rsa.PublicKey:
		if details.KeyType != algorithm.KeyTypeRSA || k.N.BitLen() != details.KeyBits {
			return fmt.Errorf("%d-bit RSA key does not match %s", k.N.BitLen(), details)
		}
	default:
		return fmt.Errorf("unexpected public key type %T", pub)
	}
	return nil
}
