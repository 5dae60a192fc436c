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

package certauthority

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"testing"
	"time"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVersion = "projects/p/locations/l/keyRings/r/cryptoKeys/signer/cryptoKeyVersions/1"

func TestNew(t *testing.T) {
	ca, err := New(nil)
	require.NoError(t, err)

	cert := ca.Certificate()
	assert.True(t, cert.IsCA)
	assert.Equal(t, IssuerCommonName, cert.Subject.CommonName)
	assert.Equal(t, x509.KeyUsageCertSign, cert.KeyUsage)
	assert.Positive(t, cert.SerialNumber.Sign())
}

func TestGenerateCert(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ca, err := New(&Options{Now: func() time.Time { return now }})
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name    string
		purpose kmspb.CryptoKey_CryptoKeyPurpose
		usage   x509.KeyUsage
	}{
		{"signing key", kmspb.CryptoKey_ASYMMETRIC_SIGN, x509.KeyUsageDigitalSignature},
		{"decryption key", kmspb.CryptoKey_ASYMMETRIC_DECRYPT, x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			der, err := ca.GenerateCert(&kmspb.CryptoKeyVersion{Name: testVersion}, &key.PublicKey, tt.purpose)
			require.NoError(t, err)

			cert, err := x509.ParseCertificate(der)
			require.NoError(t, err)

			assert.Equal(t, "signer", cert.Subject.CommonName)
			assert.Equal(t, []string{testVersion}, cert.Subject.OrganizationalUnit)
			assert.Equal(t, tt.usage, cert.KeyUsage)
			assert.False(t, cert.IsCA)
			assert.True(t, key.PublicKey.Equal(cert.PublicKey))
			assert.Equal(t, now.Add(-time.Minute), cert.NotBefore)
			assert.Equal(t, now.Add(-time.Minute).Add(DefaultValidity), cert.NotAfter)
			assert.NoError(t, cert.CheckSignatureFrom(ca.Certificate()))
		})
	}
}

func TestGenerateCertUniqueSerials(t *testing.T) {
	ca, err := New(nil)
	require.NoError(t, err)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	ckv := &kmspb.CryptoKeyVersion{Name: testVersion}
	a, err := ca.GenerateCert(ckv, &key.PublicKey, kmspb.CryptoKey_ASYMMETRIC_SIGN)
	require.NoError(t, err)
	b, err := ca.GenerateCert(ckv, &key.PublicKey, kmspb.CryptoKey_ASYMMETRIC_SIGN)
	require.NoError(t, err)

	ca1, _ := x509.ParseCertificate(a)
	ca2, _ := x509.ParseCertificate(b)
	if ca1.SerialNumber.Cmp(ca2.SerialNumber) == 0 {
		t.Error("expected distinct serial numbers")
	}
}

func TestGenerateCertUnsupportedPurpose(t *testing.T) {
	ca, err := New(nil)
	require.NoError(t, err)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	_, err = ca.GenerateCert(&kmspb.CryptoKeyVersion{Name: testVersion}, &key.PublicKey, kmspb.CryptoKey_ENCRYPT_DECRYPT)
	assert.ErrorIs(t, err, ErrUnsupportedPurpose)
}
