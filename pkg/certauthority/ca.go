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

// Package certauthority issues the synthetic X.509 certificates a token can
// expose next to each key pair. Some PKCS#11 and CNG consumers refuse to use
// a key that has no certificate.
//
// The CA key is ephemeral: it is generated when the authority is created and
// never persisted, so certificates differ between process runs.
package certauthority

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/jeremyhahn/go-kmstoken/pkg/crypto/rand"
	"github.com/jeremyhahn/go-kmstoken/pkg/kms"
)

const (
	// IssuerCommonName is the subject of the ephemeral CA.
	IssuerCommonName = "Cloud KMS Token Issuer"

	// DefaultValidity is how long issued certificates remain valid.
	DefaultValidity = 365 * 24 * time.Hour
)

// ErrUnsupportedPurpose is returned for keys that are neither signing nor
// decryption keys.
var ErrUnsupportedPurpose = errors.New("certauthority: unsupported key purpose")

// Options configures an Authority.
type Options struct {
	// Rand is the entropy source for the CA key, serials and signatures.
	// Defaults to the system CSPRNG.
	Rand io.Reader

	// Now returns the issuance time. Defaults to time.Now.
	Now func() time.Time

	// Validity is the lifetime of issued certificates.
	Validity time.Duration
}

// Authority issues certificates for KMS public keys.
type Authority struct {
	key      *ecdsa.PrivateKey
	cert     *x509.Certificate
	rand     io.Reader
	now      func() time.Time
	validity time.Duration
}

// New creates an Authority with a fresh P-256 signing key.
func New(opts *Options) (*Authority, error) {
	if opts == nil {
		opts = &Options{}
	}
	r := rand.Reader(opts.Rand)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	validity := opts.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), r)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := serialNumber(r)
	if err != nil {
		return nil, err
	}

	notBefore := now().Add(-time.Minute)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: IssuerCommonName,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(r, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return &Authority{
		key:      key,
		cert:     cert,
		rand:     r,
		now:      now,
		validity: validity,
	}, nil
}

// Certificate returns the CA certificate.
func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

// GenerateCert issues a DER certificate for the public key of ckv. The
// subject common name is the crypto key id.
func (a *Authority) GenerateCert(ckv *kmspb.CryptoKeyVersion, pub crypto.PublicKey, purpose kmspb.CryptoKey_CryptoKeyPurpose) ([]byte, error) {
	var usage x509.KeyUsage
	switch purpose {
	case kmspb.CryptoKey_ASYMMETRIC_SIGN:
		usage = x509.KeyUsageDigitalSignature
	case kmspb.CryptoKey_ASYMMETRIC_DECRYPT:
		usage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPurpose, purpose)
	}

	serial, err := serialNumber(a.rand)
	if err != nil {
		return nil, err
	}

	notBefore := a.now().Add(-time.Minute)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         kms.CryptoKeyID(ckv.GetName()),
			OrganizationalUnit: []string{ckv.GetName()},
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(a.validity),
		KeyUsage:              usage,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(a.rand, template, a.cert, pub, a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate for %s: %w", ckv.GetName(), err)
	}
	return der, nil
}

// serialNumber returns a random positive 128-bit serial.
func serialNumber(r io.Reader) (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := randInt(r, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial.Add(serial, big.NewInt(1)), nil
}

func randInt(r io.Reader, max *big.Int) (*big.Int, error) {
	buf := make([]byte, (max.BitLen()+7)/8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(buf)
	return n.Mod(n, max), nil
}
