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

// Package metrics provides Prometheus instrumentation for token operations.
// It counts provider and token operations, records their latency, tracks the
// objects each token exposes and the keys skipped while loading, and counts
// the RPCs sent to the key service.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all token metrics
	Namespace = "kmstoken"

	// Label names
	LabelOperation = "operation"
	LabelProvider  = "provider"
	LabelStatus    = "status"
	LabelErrorType = "error_type"
	LabelToken     = "token"
	LabelReason    = "reason"
	LabelMethod    = "method"
	LabelCode      = "code"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Provider values
	ProviderCNG    = "cng"
	ProviderPKCS11 = "pkcs11"
	ProviderToken  = "token"

	// Operation names
	OpLoad        = "load"
	OpRestore     = "restore"
	OpOpenKey     = "open_key"
	OpGetProperty = "get_property"
	OpSetProperty = "set_property"
	OpFind        = "find"
	OpLogin       = "login"
	OpLogout      = "logout"
	OpSign        = "sign"
)

var (
	// OperationsTotal counts operations by type, provider and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of token operations by type, provider, and status",
		},
		[]string{LabelOperation, LabelProvider, LabelStatus},
	)

	// OperationDuration tracks the duration of operations in seconds.
	// Signing latency is dominated by the KMS round trip.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of token operations in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{LabelOperation, LabelProvider},
	)

	// ErrorsTotal counts errors by operation, provider and error kind.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation, provider, and error type",
		},
		[]string{LabelOperation, LabelProvider, LabelErrorType},
	)

	// TokenObjects tracks the number of objects exposed by each token.
	TokenObjects = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "token_objects",
			Help:      "Number of objects exposed by each token",
		},
		[]string{LabelToken},
	)

	// SkippedTotal counts key versions left out of a token, by reason.
	SkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "token_skipped_total",
			Help:      "Total number of keys or key versions skipped while loading a token",
		},
		[]string{LabelReason},
	)

	// RPCRequestsTotal counts KMS RPCs by method and status code.
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "kms",
			Name:      "requests_total",
			Help:      "Total number of KMS requests by method and status code",
		},
		[]string{LabelMethod, LabelCode},
	)

	// RPCRequestDuration tracks KMS RPC latency in seconds.
	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "kms",
			Name:      "request_duration_seconds",
			Help:      "Duration of KMS requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordOperation records an operation with its duration and status.
//
//	start := time.Now()
//	sig, err := tok.Sign(ctx, h, mech, digest)
//	metrics.RecordOperation(metrics.OpSign, metrics.ProviderToken, metrics.StatusFor(err), time.Since(start).Seconds())
func RecordOperation(operation, provider, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, provider, status).Inc()
	OperationDuration.WithLabelValues(operation, provider).Observe(duration)
}

// RecordError records an error event. errorType should be a stable kind name
// such as "invalid_handle" or "upstream".
func RecordError(operation, provider, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, provider, errorType).Inc()
}

// SetTokenObjects sets the number of objects exposed by a token.
func SetTokenObjects(token string, count float64) {
	if !enabled.Load() {
		return
	}
	TokenObjects.WithLabelValues(token).Set(count)
}

// RecordSkip counts a key or key version left out of a token.
func RecordSkip(reason string) {
	if !enabled.Load() {
		return
	}
	SkippedTotal.WithLabelValues(reason).Inc()
}

// RecordRPC records a KMS request with its duration and status code.
func RecordRPC(method, code string, duration float64) {
	if !enabled.Load() {
		return
	}
	RPCRequestsTotal.WithLabelValues(method, code).Inc()
	RPCRequestDuration.WithLabelValues(method).Observe(duration)
}

// StatusFor returns StatusSuccess for a nil error and StatusError otherwise.
func StatusFor(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
