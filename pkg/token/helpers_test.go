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
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/jeremyhahn/go-kmstoken/pkg/logging"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const testKeyRing = "projects/p/locations/l/keyRings/r"

// stubRemote is an in-memory Remote. Keys are listed in name order.
type stubRemote struct {
	keys     []*kmspb.CryptoKey
	versions map[string][]*kmspb.CryptoKeyVersion
	signers  map[string]crypto.Signer

	listErr     error
	versionsErr error
	publicErr   error
	signErr     error

	signCalls atomic.Int64
}

func newStubRemote() *stubRemote {
	return &stubRemote{
		versions: make(map[string][]*kmspb.CryptoKeyVersion),
		signers:  make(map[string]crypto.Signer),
	}
}

// addKey adds a crypto key with one version per state.
func (s *stubRemote) addKey(t *testing.T, id string, purpose kmspb.CryptoKey_CryptoKeyPurpose,
	pl kmspb.ProtectionLevel, alg kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm,
	states ...kmspb.CryptoKeyVersion_CryptoKeyVersionState) []string {
	t.Helper()

	name := testKeyRing + "/cryptoKeys/" + id
	s.keys = append(s.keys, &kmspb.CryptoKey{
		Name:    name,
		Purpose: purpose,
		VersionTemplate: &kmspb.CryptoKeyVersionTemplate{
			ProtectionLevel: pl,
			Algorithm:       alg,
		},
	})
	sort.Slice(s.keys, func(i, j int) bool { return s.keys[i].Name < s.keys[j].Name })

	var names []string
	for i, st := range states {
		v := &kmspb.CryptoKeyVersion{
			Name:            name + "/cryptoKeyVersions/" + string(rune('1'+i)),
			State:           st,
			Algorithm:       alg,
			ProtectionLevel: pl,
		}
		s.versions[name] = append(s.versions[name], v)
		s.signers[v.Name] = generateSigner(t, alg)
		names = append(names, v.Name)
	}
	return names
}

func generateSigner(t *testing.T, alg kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm) crypto.Signer {
	t.Helper()
	var (
		key crypto.Signer
		err error
	)
	name := alg.String()
	switch {
	case strings.HasPrefix(name, "EC_SIGN_P384"):
		key, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case strings.HasPrefix(name, "EC_"):
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case strings.Contains(name, "_3072"):
		key, err = rsa.GenerateKey(rand.Reader, 3072)
	case strings.Contains(name, "_4096"):
		key, err = rsa.GenerateKey(rand.Reader, 4096)
	default:
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	}
	require.NoError(t, err)
	return key
}

func (s *stubRemote) ListCryptoKeys(ctx context.Context, keyRing string) ([]*kmspb.CryptoKey, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.keys, nil
}

func (s *stubRemote) ListCryptoKeyVersions(ctx context.Context, cryptoKey string) ([]*kmspb.CryptoKeyVersion, error) {
	if s.versionsErr != nil {
		return nil, s.versionsErr
	}
	return s.versions[cryptoKey], nil
}

func (s *stubRemote) PublicKey(ctx context.Context, name string) ([]byte, crypto.PublicKey, error) {
	if s.publicErr != nil {
		return nil, nil, s.publicErr
	}
	signer, ok := s.signers[name]
	if !ok {
		return nil, nil, status.Error(codes.NotFound, name)
	}
	der, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, nil, err
	}
	return der, signer.Public(), nil
}

func (s *stubRemote) Sign(ctx context.Context, name string, hash crypto.Hash, digest []byte) ([]byte, error) {
	s.signCalls.Add(1)
	if s.signErr != nil {
		return nil, s.signErr
	}
	signer, ok := s.signers[name]
	if !ok {
		return nil, status.Error(codes.NotFound, name)
	}
	var opts crypto.SignerOpts = hash
	if strings.Contains(s.algorithmOf(name), "_PSS_") {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: hash}
	}
	return signer.Sign(rand.Reader, digest, opts)
}

func (s *stubRemote) algorithmOf(name string) string {
	for _, vs := range s.versions {
		for _, v := range vs {
			if v.Name == name {
				return v.Algorithm.String()
			}
		}
	}
	return ""
}

func newTestToken(t *testing.T, remote Remote, cfg Config) *Token {
	t.Helper()
	if cfg.KeyRing == "" {
		cfg.KeyRing = testKeyRing
	}
	tok, err := New(context.Background(), remote, cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	return tok
}
