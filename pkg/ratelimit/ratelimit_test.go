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

package ratelimit

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	signMethod      = "/google.cloud.kms.v1.KeyManagementService/AsymmetricSign"
	publicKeyMethod = "/google.cloud.kms.v1.KeyManagementService/GetPublicKey"
)

func TestQuotaFor(t *testing.T) {
	tests := []struct {
		method string
		want   Quota
	}{
		{signMethod, QuotaCrypto},
		{"/google.cloud.kms.v1.KeyManagementService/AsymmetricDecrypt", QuotaCrypto},
		{publicKeyMethod, QuotaRead},
		{"/google.cloud.kms.v1.KeyManagementService/ListCryptoKeys", QuotaRead},
		{"AsymmetricSign", QuotaCrypto},
		{"", QuotaRead},
	}
	for _, tt := range tests {
		if got := QuotaFor(tt.method); got != tt.want {
			t.Errorf("QuotaFor(%q) = %q, want %q", tt.method, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	limiter := New(&Config{RequestsPerMinute: 60, Burst: 10})
	if !limiter.Enabled() {
		t.Error("Expected limiter to be enabled")
	}
	want := Stats{Enabled: true, RequestsPerMinute: 60, Burst: 10}
	if got := limiter.Stats(); got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}

	if got := New(&Config{RequestsPerMinute: 30}).Stats().Burst; got != 30 {
		t.Errorf("default burst = %d, want 30", got)
	}
}

func TestZeroRateDisables(t *testing.T) {
	for _, limiter := range []*Limiter{New(nil), New(&Config{}), New(&Config{RequestsPerMinute: -1})} {
		if limiter.Enabled() {
			t.Error("a non-positive rate should disable limiting")
		}
		for i := 0; i < 100; i++ {
			if !limiter.Allow(signMethod) {
				t.Fatal("disabled limiter denied a request")
			}
		}
		if err := limiter.Wait(context.Background(), signMethod); err != nil {
			t.Errorf("Wait on disabled limiter: %v", err)
		}
	}
}

func TestAllowBurstPerQuota(t *testing.T) {
	limiter := New(&Config{RequestsPerMinute: 1, Burst: 3})

	for i := 0; i < 3; i++ {
		if !limiter.Allow(signMethod) {
			t.Errorf("Request %d should be allowed (burst)", i+1)
		}
	}
	if limiter.Allow(signMethod) {
		t.Error("Request should be denied after burst exhausted")
	}
	if limiter.Allow("/google.cloud.kms.v1.KeyManagementService/MacSign") {
		t.Error("crypto methods share one bucket")
	}

	if !limiter.Allow(publicKeyMethod) {
		t.Error("read quota should have its own bucket")
	}
}

func TestUnaryClientInterceptor(t *testing.T) {
	limiter := New(&Config{RequestsPerMinute: 1, Burst: 1})

	interceptor := UnaryClientInterceptor(limiter)
	calls := 0
	invoker := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		calls++
		return nil
	}

	if err := interceptor(context.Background(), signMethod, nil, nil, nil, invoker); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := interceptor(ctx, signMethod, nil, nil, nil, invoker)
	if err == nil {
		t.Fatal("expected the second call to be throttled")
	}
	code := status.Code(err)
	if code != codes.DeadlineExceeded && code != codes.ResourceExhausted {
		t.Errorf("code = %v, want DeadlineExceeded or ResourceExhausted", code)
	}
	if calls != 1 {
		t.Errorf("invoker called %d times, want 1", calls)
	}
}
