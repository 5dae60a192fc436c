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

package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// GRPCUnaryClientInterceptor returns a gRPC unary client interceptor that
// records the method, status code and latency of every KMS request.
//
//	conn, err := grpc.NewClient(addr,
//	    grpc.WithChainUnaryInterceptor(metrics.GRPCUnaryClientInterceptor()),
//	)
func GRPCUnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		if !IsEnabled() {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		RecordRPC(method, status.Code(err).String(), time.Since(start).Seconds())
		return err
	}
}

// Handler returns the HTTP handler exposing the default registry, which also
// carries the Go runtime and process collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}
