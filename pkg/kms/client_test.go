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

package kms

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const testVersion = "projects/p/locations/l/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1"

func newMockClient(t *testing.T, mock *MockKMSClient) *Client {
	t.Helper()
	c, err := NewClientWithKMS(&Config{}, mock)
	require.NoError(t, err)
	return c
}

func signingMock(t *testing.T) (*MockKMSClient, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemData := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	mock := &MockKMSClient{
		GetPublicKeyFunc: func(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...interface{}) (*kmspb.PublicKey, error) {
			return &kmspb.PublicKey{
				Name:      req.Name,
				Pem:       pemData,
				PemCrc32C: wrapperspb.Int64(int64(CRC32C([]byte(pemData)))),
			}, nil
		},
		AsymmetricSignFunc: func(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...interface{}) (*kmspb.AsymmetricSignResponse, error) {
			digest := req.Digest.GetSha256()
			sig, err := ecdsa.SignASN1(rand.Reader, key, digest)
			if err != nil {
				return nil, err
			}
			return &kmspb.AsymmetricSignResponse{
				Name:                 req.Name,
				Signature:            sig,
				SignatureCrc32C:      wrapperspb.Int64(int64(CRC32C(sig))),
				VerifiedDigestCrc32C: req.DigestCrc32C.GetValue() == int64(CRC32C(digest)),
			}, nil
		},
	}
	return mock, key
}

func TestNewClientWithKMS(t *testing.T) {
	_, err := NewClientWithKMS(nil, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = NewClientWithKMS(&Config{ChannelCredentials: "bogus"}, &MockKMSClient{})
	assert.ErrorIs(t, err, ErrInvalidChannelCredentials)
}

func TestPublicKey(t *testing.T) {
	mock, key := signingMock(t)
	c := newMockClient(t, mock)

	der, pub, err := c.PublicKey(context.Background(), testVersion)
	require.NoError(t, err)

	want, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, want, der)
	assert.True(t, key.PublicKey.Equal(pub))
}

func TestPublicKeyChecksumMismatch(t *testing.T) {
	mock := &MockKMSClient{
		GetPublicKeyFunc: func(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...interface{}) (*kmspb.PublicKey, error) {
			return &kmspb.PublicKey{Pem: "x", PemCrc32C: wrapperspb.Int64(1)}, nil
		},
	}
	c := newMockClient(t, mock)

	_, _, err := c.PublicKey(context.Background(), testVersion)
	require.Error(t, err)
	assert.Equal(t, kmserr.ReasonChecksumMismatch, kmserr.ReasonOf(err))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestPublicKeyBadPEM(t *testing.T) {
	mock := &MockKMSClient{
		GetPublicKeyFunc: func(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...interface{}) (*kmspb.PublicKey, error) {
			return &kmspb.PublicKey{Pem: "not pem"}, nil
		},
	}
	c := newMockClient(t, mock)

	_, _, err := c.PublicKey(context.Background(), testVersion)
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestSign(t *testing.T) {
	mock, key := signingMock(t)
	c := newMockClient(t, mock)

	digest := sha256.Sum256([]byte("hello"))
	sig, err := c.Sign(context.Background(), testVersion, crypto.SHA256, digest[:])
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(&key.PublicKey, digest[:], sig))
	assert.Equal(t, int64(1), mock.SignCalls.Load())
}

func TestSignFailures(t *testing.T) {
	digest := sha256.Sum256([]byte("hello"))

	tests := []struct {
		name     string
		resp     *kmspb.AsymmetricSignResponse
		err      error
		hash     crypto.Hash
		wantKind kmserr.Kind
		wantCode codes.Code
	}{
		{
			name:     "unsupported hash",
			hash:     crypto.MD5,
			wantKind: kmserr.InvalidArgument,
			wantCode: codes.InvalidArgument,
		},
		{
			name:     "upstream error",
			err:      status.Error(codes.PermissionDenied, "denied"),
			hash:     crypto.SHA256,
			wantKind: kmserr.Upstream,
			wantCode: codes.PermissionDenied,
		},
		{
			name:     "digest not verified",
			resp:     &kmspb.AsymmetricSignResponse{Name: testVersion, Signature: []byte{1}},
			hash:     crypto.SHA256,
			wantKind: kmserr.Upstream,
			wantCode: codes.Unavailable,
		},
		{
			name: "signature checksum mismatch",
			resp: &kmspb.AsymmetricSignResponse{
				Name:                 testVersion,
				Signature:            []byte{1, 2, 3},
				SignatureCrc32C:      wrapperspb.Int64(7),
				VerifiedDigestCrc32C: true,
			},
			hash:     crypto.SHA256,
			wantKind: kmserr.Upstream,
			wantCode: codes.Unavailable,
		},
		{
			name: "wrong key version",
			resp: &kmspb.AsymmetricSignResponse{
				Name:                 testVersion + "0",
				Signature:            []byte{1},
				VerifiedDigestCrc32C: true,
			},
			hash:     crypto.SHA256,
			wantKind: kmserr.Upstream,
			wantCode: codes.Unavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockKMSClient{
				AsymmetricSignFunc: func(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...interface{}) (*kmspb.AsymmetricSignResponse, error) {
					return tt.resp, tt.err
				},
			}
			c := newMockClient(t, mock)

			_, err := c.Sign(context.Background(), testVersion, tt.hash, digest[:])
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, kmserr.KindOf(err))
			assert.Equal(t, tt.wantCode, kmserr.Code(err))
		})
	}
}

func TestListCalls(t *testing.T) {
	mock := &MockKMSClient{
		ListCryptoKeysFunc: func(ctx context.Context, req *kmspb.ListCryptoKeysRequest, opts ...interface{}) ([]*kmspb.CryptoKey, error) {
			return []*kmspb.CryptoKey{{Name: req.Parent + "/cryptoKeys/a"}}, nil
		},
		ListCryptoKeyVersionsFunc: func(ctx context.Context, req *kmspb.ListCryptoKeyVersionsRequest, opts ...interface{}) ([]*kmspb.CryptoKeyVersion, error) {
			return nil, status.Error(codes.NotFound, "no such key")
		},
		GetCryptoKeyVersionFunc: func(ctx context.Context, req *kmspb.GetCryptoKeyVersionRequest, opts ...interface{}) (*kmspb.CryptoKeyVersion, error) {
			return &kmspb.CryptoKeyVersion{Name: req.Name}, nil
		},
	}
	c := newMockClient(t, mock)
	ctx := context.Background()

	keys, err := c.ListCryptoKeys(ctx, "projects/p/locations/l/keyRings/r")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "projects/p/locations/l/keyRings/r/cryptoKeys/a", keys[0].Name)

	_, err = c.ListCryptoKeyVersions(ctx, keys[0].Name)
	assert.Equal(t, codes.NotFound, kmserr.Code(err))

	ckv, err := c.GetCryptoKeyVersion(ctx, testVersion)
	require.NoError(t, err)
	assert.Equal(t, testVersion, ckv.Name)
}

func TestClose(t *testing.T) {
	closeErr := errors.New("close failed")
	calls := 0
	mock := &MockKMSClient{CloseFunc: func() error { calls++; return closeErr }}
	c := newMockClient(t, mock)

	assert.ErrorIs(t, c.Close(), closeErr)
	assert.NoError(t, c.Close())
	assert.Equal(t, 1, calls)

	_, err := c.ListCryptoKeys(context.Background(), "x")
	assert.Equal(t, kmserr.FailedPrecondition, kmserr.KindOf(err))
}

func TestUnmockedCallsAreUnimplemented(t *testing.T) {
	c := newMockClient(t, &MockKMSClient{})
	_, err := c.ListCryptoKeys(context.Background(), "x")
	assert.Equal(t, codes.Unimplemented, kmserr.Code(err))
}
