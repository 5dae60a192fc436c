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

package kmscng

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/jeremyhahn/go-kmstoken/internal/fakekms"
	"github.com/jeremyhahn/go-kmstoken/pkg/kms"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/jeremyhahn/go-kmstoken/pkg/logging"
	"github.com/jeremyhahn/go-kmstoken/pkg/property"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv     *fakekms.Server
	bridge  *Bridge
	keyRing string
	dials   *atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv, err := fakekms.New(fakekms.WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	kr, err := srv.NewKeyRing(context.Background())
	require.NoError(t, err)

	dials := &atomic.Int64{}
	bridge := NewBridge(&Options{
		KMS: *srv.ClientConfig(),
		Dial: func(ctx context.Context, config *kms.Config) (Client, error) {
			dials.Add(1)
			return DefaultDial(ctx, config)
		},
		Logger: logging.Discard(),
	})
	t.Cleanup(func() { _ = bridge.Close() })

	return &fixture{srv: srv, bridge: bridge, keyRing: kr.Name, dials: dials}
}

func (f *fixture) addKey(t *testing.T, spec fakekms.KeySpec) string {
	t.Helper()
	versions, err := f.srv.AddKey(context.Background(), f.keyRing, spec)
	require.NoError(t, err)
	return versions[0].Name
}

func (f *fixture) openProvider(t *testing.T) uint64 {
	t.Helper()
	h, err := f.bridge.OpenProvider(ProviderName, 0)
	require.NoError(t, err)
	return h
}

func (f *fixture) publicKey(t *testing.T, name string) *ecdsa.PublicKey {
	t.Helper()
	resp, err := f.srv.GetPublicKey(context.Background(), &kmspb.GetPublicKeyRequest{Name: name})
	require.NoError(t, err)
	block, _ := pem.Decode([]byte(resp.Pem))
	require.NotNil(t, block)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
	return pub.(*ecdsa.PublicKey)
}

func readProperty(t *testing.T, get func(out []byte) (int, error)) []byte {
	t.Helper()
	n, err := get(nil)
	require.NoError(t, err)
	out := make([]byte, n)
	m, err := get(out)
	require.NoError(t, err)
	require.Equal(t, n, m)
	return out
}

func TestOpenProvider(t *testing.T) {
	b := NewBridge(&Options{Logger: logging.Discard()})
	defer b.Close()

	tests := []struct {
		name   string
		pname  string
		flags  uint32
		status uint32
	}{
		{"ok", ProviderName, 0, StatusSuccess},
		{"silent", ProviderName, FlagSilent, StatusSuccess},
		{"machine key not allowed", ProviderName, FlagMachineKey, StatusBadFlags},
		{"unknown provider", "Microsoft Software Key Storage Provider", 0, StatusInvalidParameter},
		{"bad flags win", "other", 0x1, StatusBadFlags},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := b.OpenProvider(tt.pname, tt.flags)
			assert.Equal(t, tt.status, Status(err))
			if err == nil {
				assert.NotZero(t, h)
				assert.NoError(t, b.FreeProvider(h))
			}
		})
	}

	err := b.FreeProvider(0)
	assert.Equal(t, StatusInvalidHandle, Status(err))
}

func TestProviderProperties(t *testing.T) {
	f := newFixture(t)
	h := f.openProvider(t)

	implType := readProperty(t, func(out []byte) (int, error) {
		return f.bridge.GetProviderProperty(h, PropertyImplType, out, 0)
	})
	v, err := property.ParseDWORD(implType)
	require.NoError(t, err)
	assert.Equal(t, ImplTypeHardware, v)

	endpoint := readProperty(t, func(out []byte) (int, error) {
		return f.bridge.GetProviderProperty(h, PropertyEndpointAddress, out, FlagSilent)
	})
	s, err := property.ParseWideString(endpoint)
	require.NoError(t, err)
	assert.Equal(t, f.srv.Addr(), s)

	// A second read returns identical bytes.
	again := readProperty(t, func(out []byte) (int, error) {
		return f.bridge.GetProviderProperty(h, PropertyEndpointAddress, out, 0)
	})
	assert.Equal(t, endpoint, again)

	// A short buffer is left untouched.
	short := bytes.Repeat([]byte{0xAA}, len(endpoint)-1)
	n, err := f.bridge.GetProviderProperty(h, PropertyEndpointAddress, short, 0)
	assert.Equal(t, StatusBufferTooSmall, Status(err))
	assert.Equal(t, len(endpoint), n)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, len(endpoint)-1), short)

	tests := []struct {
		name   string
		prop   property.Name
		value  []byte
		flags  uint32
		status uint32
	}{
		{"immutable", PropertyImplType, property.DWORD(0), 0, StatusInvalidParameter},
		{"unknown", "Export Policy", property.DWORD(0), 0, StatusNotSupported},
		{"bad credentials", PropertyChannelCredentials, property.WideString("tls"), 0, StatusInvalidParameter},
		{"empty endpoint", PropertyEndpointAddress, property.WideString(""), 0, StatusInvalidParameter},
		{"bad flags", PropertyEndpointAddress, property.WideString("x:1"), 0x100, StatusBadFlags},
		{"credentials", PropertyChannelCredentials, property.WideString("insecure"), 0, StatusSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.bridge.SetProviderProperty(h, tt.prop, tt.value, tt.flags)
			assert.Equal(t, tt.status, Status(err))
		})
	}

	_, err = f.bridge.GetProviderProperty(h, "Export Policy", nil, 0)
	assert.Equal(t, StatusNotSupported, Status(err))
}

func TestSignHash(t *testing.T) {
	f := newFixture(t)
	name := f.addKey(t, fakekms.KeySpec{ID: "ec", Algorithm: kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256})
	h := f.openProvider(t)

	k, err := f.bridge.OpenKey(context.Background(), h, name, KeySpecSignature, FlagMachineKey)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("sign me"))

	n, err := f.bridge.SignHash(context.Background(), h, k, nil, digest[:], nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	short := make([]byte, 63)
	_, err = f.bridge.SignHash(context.Background(), h, k, nil, digest[:], short, 0)
	assert.Equal(t, StatusBufferTooSmall, Status(err))
	assert.Equal(t, make([]byte, 63), short)

	sig := make([]byte, 64)
	n, err = f.bridge.SignHash(context.Background(), h, k, nil, digest[:], sig, FlagSilent)
	require.NoError(t, err)
	require.Equal(t, 64, n)

	pub := f.publicKey(t, name)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	assert.True(t, ecdsa.Verify(pub, digest[:], r, s))

	tests := []struct {
		name    string
		padding []byte
		digest  []byte
		flags   uint32
		status  uint32
	}{
		{"padding", []byte{1}, digest[:], 0, StatusInvalidParameter},
		{"digest length", nil, digest[:16], 0, StatusInvalidParameter},
		{"flags", nil, digest[:], FlagMachineKey, StatusBadFlags},
		{"padding checked before flags", []byte{1}, digest[:], FlagMachineKey, StatusInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.bridge.SignHash(context.Background(), h, k, tt.padding, tt.digest, sig, tt.flags)
			assert.Equal(t, tt.status, Status(err))
		})
	}
}

func TestKeyProperties(t *testing.T) {
	f := newFixture(t)
	name := f.addKey(t, fakekms.KeySpec{ID: "p384", Algorithm: kmspb.CryptoKeyVersion_EC_SIGN_P384_SHA384})
	h := f.openProvider(t)
	k, err := f.bridge.OpenKey(context.Background(), h, name, KeySpecKeyExchange, 0)
	require.NoError(t, err)

	get := func(prop property.Name) []byte {
		return readProperty(t, func(out []byte) (int, error) {
			return f.bridge.GetKeyProperty(h, k, prop, out, 0)
		})
	}
	wide := func(prop property.Name) string {
		s, err := property.ParseWideString(get(prop))
		require.NoError(t, err)
		return s
	}
	dword := func(prop property.Name) uint32 {
		v, err := property.ParseDWORD(get(prop))
		require.NoError(t, err)
		return v
	}

	assert.Equal(t, "ECDSA", wide(PropertyAlgorithmGroup))
	assert.Equal(t, "ECDSA_P384", wide(PropertyAlgorithmName))
	assert.Equal(t, name, wide(PropertyKMSKeyName))
	assert.Equal(t, uint32(384), dword(PropertyLength))
	assert.Equal(t, KeyUsageAllowSigning, dword(PropertyKeyUsage))
	assert.Equal(t, ImplTypeHardware, dword(PropertyKeyImplType))
	assert.Equal(t, h, binary.LittleEndian.Uint64(get(PropertyProviderHandle)))

	err = f.bridge.SetKeyProperty(h, k, PropertyKeyUsage, property.DWORD(0), 0)
	assert.Equal(t, StatusInvalidParameter, Status(err))
	assert.Equal(t, kmserr.ReasonImmutableProperty, kmserr.ReasonOf(err))

	err = f.bridge.SetKeyProperty(h, k, "Export Policy", property.DWORD(0), 0)
	assert.Equal(t, StatusNotSupported, Status(err))

	_, err = f.bridge.GetKeyProperty(h, k, "Export Policy", nil, 0)
	assert.Equal(t, StatusNotSupported, Status(err))
}

func TestOpenKeyErrors(t *testing.T) {
	f := newFixture(t)
	good := f.addKey(t, fakekms.KeySpec{ID: "good", Algorithm: kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256})
	soft := f.addKey(t, fakekms.KeySpec{
		ID:         "soft",
		Algorithm:  kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256,
		Protection: kmspb.ProtectionLevel_SOFTWARE,
	})
	raw := f.addKey(t, fakekms.KeySpec{ID: "raw", Algorithm: kmspb.CryptoKeyVersion_RSA_SIGN_RAW_PKCS1_2048})
	rsaKey := f.addKey(t, fakekms.KeySpec{ID: "rsa", Algorithm: kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_2048_SHA256})
	disabled := f.addKey(t, fakekms.KeySpec{ID: "disabled", Algorithm: kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256})
	require.NoError(t, f.srv.SetState(context.Background(), disabled, kmspb.CryptoKeyVersion_DISABLED))

	h := f.openProvider(t)
	missing := f.keyRing + "/cryptoKeys/good/cryptoKeyVersions/9"

	tests := []struct {
		name    string
		key     string
		keySpec uint32
		flags   uint32
		status  uint32
	}{
		{"good", good, KeySpecSignature, 0, StatusSuccess},
		{"software protection", soft, KeySpecSignature, 0, StatusNotSupported},
		{"unsupported algorithm", raw, KeySpecSignature, 0, StatusNotSupported},
		{"not a CNG algorithm", rsaKey, KeySpecSignature, 0, StatusNotSupported},
		{"disabled version", disabled, KeySpecSignature, 0, StatusNotSupported},
		{"missing version", missing, KeySpecSignature, 0, StatusBadKeyset},
		{"malformed name", "good", KeySpecSignature, 0, StatusInvalidParameter},
		{"legacy key spec", good, 3, 0, StatusInvalidParameter},
		{"bad flags", good, KeySpecSignature, 0x1, StatusBadFlags},
		{"legacy key spec checked before flags", good, 3, 0x1, StatusInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.bridge.OpenKey(context.Background(), h, tt.key, tt.keySpec, tt.flags)
			assert.Equal(t, tt.status, Status(err), "%v", err)
			assert.NotEqual(t, kmserr.Internal, kmserr.KindOf(err))
		})
	}

	// The key ring is listed once per provider.
	assert.Equal(t, int64(1), f.dials.Load())

	// A null provider handle is reported before any other argument.
	_, err := f.bridge.OpenKey(context.Background(), 0, good, 3, 0x1)
	assert.Equal(t, StatusInvalidHandle, Status(err))
}

func TestCrossProviderHandles(t *testing.T) {
	f := newFixture(t)
	name := f.addKey(t, fakekms.KeySpec{ID: "ec", Algorithm: kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256})

	a := f.openProvider(t)
	b := f.openProvider(t)
	k, err := f.bridge.OpenKey(context.Background(), a, name, KeySpecSignature, 0)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("x"))
	_, err = f.bridge.SignHash(context.Background(), b, k, nil, digest[:], nil, 0)
	assert.Equal(t, StatusInvalidHandle, Status(err))

	_, err = f.bridge.GetKeyProperty(b, k, PropertyAlgorithmName, nil, 0)
	assert.Equal(t, StatusInvalidHandle, Status(err))

	assert.Equal(t, StatusInvalidHandle, Status(f.bridge.FreeKey(b, k)))
	assert.NoError(t, f.bridge.FreeKey(a, k))
	assert.Equal(t, StatusInvalidHandle, Status(f.bridge.FreeKey(a, k)))
}

func TestEndpointChangeResetsTokens(t *testing.T) {
	f := newFixture(t)
	first := f.addKey(t, fakekms.KeySpec{ID: "first", Algorithm: kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256})
	h := f.openProvider(t)

	k, err := f.bridge.OpenKey(context.Background(), h, first, KeySpecSignature, 0)
	require.NoError(t, err)

	// Keys created after the token was built are invisible until reset.
	second := f.addKey(t, fakekms.KeySpec{ID: "second", Algorithm: kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256})
	_, err = f.bridge.OpenKey(context.Background(), h, second, KeySpecSignature, 0)
	assert.Equal(t, StatusBadKeyset, Status(err))

	require.NoError(t, f.bridge.SetProviderProperty(h, PropertyEndpointAddress, property.WideString(f.srv.Addr()), 0))

	_, err = f.bridge.OpenKey(context.Background(), h, second, KeySpecSignature, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.dials.Load())

	// The key opened before the reset still signs.
	digest := sha256.Sum256([]byte("still works"))
	sig := make([]byte, 64)
	_, err = f.bridge.SignHash(context.Background(), h, k, nil, digest[:], sig, 0)
	assert.NoError(t, err)
}

func TestFreeProviderInvalidatesKeys(t *testing.T) {
	f := newFixture(t)
	name := f.addKey(t, fakekms.KeySpec{ID: "ec", Algorithm: kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256})
	h := f.openProvider(t)
	k, err := f.bridge.OpenKey(context.Background(), h, name, KeySpecSignature, 0)
	require.NoError(t, err)

	require.NoError(t, f.bridge.FreeProvider(h))

	_, err = f.bridge.GetKeyProperty(h, k, PropertyAlgorithmName, nil, 0)
	assert.Equal(t, StatusInvalidHandle, Status(err))
	assert.Equal(t, kmserr.ReasonProviderHandleInvalid, kmserr.ReasonOf(err))
}

// freeingClient runs free the first time the key ring is listed. Close is a
// no-op so the listing in flight can finish.
type freeingClient struct {
	Client
	free func()
	once sync.Once
}

func (c *freeingClient) ListCryptoKeys(ctx context.Context, keyRing string) ([]*kmspb.CryptoKey, error) {
	c.once.Do(c.free)
	return c.Client.ListCryptoKeys(ctx, keyRing)
}

func (c *freeingClient) Close() error { return nil }

func TestOpenKeyRacingFreeProvider(t *testing.T) {
	f := newFixture(t)
	name := f.addKey(t, fakekms.KeySpec{ID: "ec", Algorithm: kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256})

	var (
		bridge *Bridge
		h      uint64
	)
	bridge = NewBridge(&Options{
		KMS: *f.srv.ClientConfig(),
		Dial: func(ctx context.Context, config *kms.Config) (Client, error) {
			inner, err := DefaultDial(ctx, config)
			if err != nil {
				return nil, err
			}
			t.Cleanup(func() { _ = inner.Close() })
			return &freeingClient{Client: inner, free: func() {
				require.NoError(t, bridge.FreeProvider(h))
			}}, nil
		},
		Logger: logging.Discard(),
	})
	t.Cleanup(func() { _ = bridge.Close() })

	var err error
	h, err = bridge.OpenProvider(ProviderName, 0)
	require.NoError(t, err)
	p, err := bridge.Provider(h)
	require.NoError(t, err)

	_, err = bridge.OpenKey(context.Background(), h, name, KeySpecSignature, 0)
	assert.Equal(t, StatusInvalidHandle, Status(err))
	assert.Equal(t, 0, bridge.keys.Len(), "no key may outlive its provider")

	// The freed provider refuses to dial again.
	_, err = p.Token(context.Background(), f.keyRing)
	assert.Equal(t, StatusInvalidHandle, Status(err))
}

func TestClosedProviderDoesNotDial(t *testing.T) {
	f := newFixture(t)
	h := f.openProvider(t)
	p, err := f.bridge.Provider(h)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	_, err = p.Token(context.Background(), f.keyRing)
	assert.Equal(t, kmserr.ReasonProviderHandleInvalid, kmserr.ReasonOf(err))
	assert.Equal(t, int64(0), f.dials.Load())
}

func TestStatus(t *testing.T) {
	tests := []struct {
		kind kmserr.Kind
		want uint32
	}{
		{kmserr.BadFlags, StatusBadFlags},
		{kmserr.InvalidHandle, StatusInvalidHandle},
		{kmserr.InvalidArgument, StatusInvalidParameter},
		{kmserr.NotSupported, StatusNotSupported},
		{kmserr.NotFound, StatusBadKeyset},
		{kmserr.BufferTooSmall, StatusBufferTooSmall},
		{kmserr.PermissionDenied, StatusPerm},
		{kmserr.FailedPrecondition, StatusBadKeyState},
		{kmserr.Internal, StatusInternalError},
		{kmserr.Upstream, StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Status(kmserr.New(tt.kind, "x")))
		})
	}
	assert.Equal(t, StatusSuccess, Status(nil))
	assert.Equal(t, StatusFail, Status(assert.AnError))
}
