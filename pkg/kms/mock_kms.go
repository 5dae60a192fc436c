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
	"sync/atomic"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MockKMSClient is a mock implementation of the KMSClient interface for testing.
// Unset functions fail with codes.Unimplemented.
type MockKMSClient struct {
	ListCryptoKeysFunc        func(ctx context.Context, req *kmspb.ListCryptoKeysRequest, opts ...interface{}) ([]*kmspb.CryptoKey, error)
	ListCryptoKeyVersionsFunc func(ctx context.Context, req *kmspb.ListCryptoKeyVersionsRequest, opts ...interface{}) ([]*kmspb.CryptoKeyVersion, error)
	GetCryptoKeyVersionFunc   func(ctx context.Context, req *kmspb.GetCryptoKeyVersionRequest, opts ...interface{}) (*kmspb.CryptoKeyVersion, error)
	GetPublicKeyFunc          func(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...interface{}) (*kmspb.PublicKey, error)
	AsymmetricSignFunc        func(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...interface{}) (*kmspb.AsymmetricSignResponse, error)
	CloseFunc                 func() error

	// SignCalls counts AsymmetricSign invocations.
	SignCalls atomic.Int64
}

var _ KMSClient = (*MockKMSClient)(nil)

// ListCryptoKeys mocks listing the crypto keys of a key ring.
func (m *MockKMSClient) ListCryptoKeys(ctx context.Context, req *kmspb.ListCryptoKeysRequest, opts ...interface{}) ([]*kmspb.CryptoKey, error) {
	if m.ListCryptoKeysFunc != nil {
		return m.ListCryptoKeysFunc(ctx, req, opts...)
	}
	return nil, status.Error(codes.Unimplemented, "ListCryptoKeys not mocked")
}

// ListCryptoKeyVersions mocks listing the versions of a crypto key.
func (m *MockKMSClient) ListCryptoKeyVersions(ctx context.Context, req *kmspb.ListCryptoKeyVersionsRequest, opts ...interface{}) ([]*kmspb.CryptoKeyVersion, error) {
	if m.ListCryptoKeyVersionsFunc != nil {
		return m.ListCryptoKeyVersionsFunc(ctx, req, opts...)
	}
	return nil, status.Error(codes.Unimplemented, "ListCryptoKeyVersions not mocked")
}

// GetCryptoKeyVersion mocks fetching a key version.
func (m *MockKMSClient) GetCryptoKeyVersion(ctx context.Context, req *kmspb.GetCryptoKeyVersionRequest, opts ...interface{}) (*kmspb.CryptoKeyVersion, error) {
	if m.GetCryptoKeyVersionFunc != nil {
		return m.GetCryptoKeyVersionFunc(ctx, req, opts...)
	}
	return nil, status.Error(codes.Unimplemented, "GetCryptoKeyVersion not mocked")
}

// GetPublicKey mocks fetching a public key.
func (m *MockKMSClient) GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...interface{}) (*kmspb.PublicKey, error) {
	if m.GetPublicKeyFunc != nil {
		return m.GetPublicKeyFunc(ctx, req, opts...)
	}
	return nil, status.Error(codes.Unimplemented, "GetPublicKey not mocked")
}

// AsymmetricSign mocks a signing call.
func (m *MockKMSClient) AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...interface{}) (*kmspb.AsymmetricSignResponse, error) {
	m.SignCalls.Add(1)
	if m.AsymmetricSignFunc != nil {
		return m.AsymmetricSignFunc(ctx, req, opts...)
	}
	return nil, status.Error(codes.Unimplemented, "AsymmetricSign not mocked")
}

// Close mocks closing the client.
func (m *MockKMSClient) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
