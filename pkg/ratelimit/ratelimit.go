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

// Package ratelimit throttles outgoing Cloud KMS requests so a busy token does
// not exhaust the project's KMS quota.
//
// Cloud KMS meters read requests (Get, List, GetPublicKey) separately from
// cryptographic requests (AsymmetricSign, AsymmetricDecrypt, MAC). The
// limiter keeps one token bucket per quota group, each refilled at the
// configured rate.
package ratelimit

import (
	"context"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Quota names a Cloud KMS quota group.
type Quota string

const (
	QuotaRead   Quota = "read"
	QuotaCrypto Quota = "crypto"
)

var cryptoMethods = []string{
	"AsymmetricSign",
	"AsymmetricDecrypt",
	"MacSign",
	"MacVerify",
	"Encrypt",
	"Decrypt",
	"RawEncrypt",
	"RawDecrypt",
}

// QuotaFor returns the quota group a full gRPC method name is billed to.
func QuotaFor(method string) Quota {
	name := method[strings.LastIndex(method, "/")+1:]
	for _, m := range cryptoMethods {
		if name == m {
			return QuotaCrypto
		}
	}
	return QuotaRead
}

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerMinute is the sustained rate per quota group. Zero or
	// less disables limiting.
	RequestsPerMinute int

	// Burst allows short bursts above the sustained rate. Defaults to
	// RequestsPerMinute.
	Burst int
}

// Limiter is a token bucket limiter with one bucket per quota group. The
// bucket set is fixed at construction, so a Limiter needs no locking of its
// own.
type Limiter struct {
	buckets map[Quota]*rate.Limiter
	config  Config
}

// Stats describes a limiter's settings.
type Stats struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
}

// New creates a limiter. A nil config or a non-positive rate returns a
// limiter that admits everything.
func New(config *Config) *Limiter {
	l := &Limiter{}
	if config == nil || config.RequestsPerMinute <= 0 {
		return l
	}

	l.config = *config
	if l.config.Burst <= 0 {
		l.config.Burst = l.config.RequestsPerMinute
	}
	every := rate.Limit(float64(l.config.RequestsPerMinute) / 60.0)
	l.buckets = map[Quota]*rate.Limiter{
		QuotaRead:   rate.NewLimiter(every, l.config.Burst),
		QuotaCrypto: rate.NewLimiter(every, l.config.Burst),
	}
	return l
}

// Enabled reports whether the limiter throttles at all.
func (l *Limiter) Enabled() bool {
	return l.buckets != nil
}

// Allow reports whether a call to method may proceed now.
func (l *Limiter) Allow(method string) bool {
	if !l.Enabled() {
		return true
	}
	return l.buckets[QuotaFor(method)].Allow()
}

// Wait blocks until a call to method may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, method string) error {
	if !l.Enabled() {
		return nil
	}
	return l.buckets[QuotaFor(method)].Wait(ctx)
}

// Stats returns the limiter's settings.
func (l *Limiter) Stats() Stats {
	return Stats{
		Enabled:           l.Enabled(),
		RequestsPerMinute: l.config.RequestsPerMinute,
		Burst:             l.config.Burst,
	}
}

// UnaryClientInterceptor returns a gRPC unary client interceptor that waits
// for a token before each call. A cancelled wait surfaces as the context's
// status code.
func UnaryClientInterceptor(limiter *Limiter) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		if err := limiter.Wait(ctx, method); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return status.FromContextError(ctxErr).Err()
			}
			return status.Errorf(codes.ResourceExhausted, "rate limit: %v", err)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
