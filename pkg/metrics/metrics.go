// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-credvault.
//
// go-credvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for credential vault
// operations: key operations, KDF latency and pool saturation, lockouts and
// integrity violations.
package metrics

import (
	"errors"
	"sync/atomic"

	"github.com/jeremyhahn/go-credvault/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all credvault metrics
	Namespace = "credvault"

	// Label names
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelErrorType = "error_type"
	LabelAlgorithm = "algorithm"
	LabelProvider  = "provider"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Operation names
	OpSetup      = "setup"
	OpRecover    = "recover"
	OpRotate     = "rotate"
	OpEncrypt    = "encrypt"
	OpDecrypt    = "decrypt"
	OpRegister   = "register"
	OpValidate   = "validate"
	OpRemove     = "remove"
	OpReactivate = "reactivate"
	OpMigrate    = "migrate"
	OpUnlock     = "unlock"
)

var (
	// OperationsTotal tracks vault operations by type and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of vault operations by type and status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// OperationDuration tracks the duration of vault operations in seconds.
	// Buckets cover the designed multi-hundred-millisecond KDF latency.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of vault operations in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{LabelOperation},
	)

	// ErrorsTotal tracks errors by operation and taxonomy class.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation and error type",
		},
		[]string{LabelOperation, LabelErrorType},
	)

	// KDFDuration tracks individual key derivations.
	KDFDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "kdf",
			Name:      "duration_seconds",
			Help:      "Duration of key derivations in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{LabelAlgorithm},
	)

	// KDFInFlight is the number of derivations currently holding a pool slot.
	KDFInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "kdf",
			Name:      "in_flight",
			Help:      "Number of key derivations currently running",
		},
	)

	// KMSRequestsTotal tracks calls to the configured KMS provider.
	KMSRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "kms",
			Name:      "requests_total",
			Help:      "Total number of KMS provider requests by provider, operation and status",
		},
		[]string{LabelProvider, LabelOperation, LabelStatus},
	)

	// LockoutsTotal counts accounts transitioning into the locked state.
	LockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "lockouts_total",
			Help:      "Total number of account lockouts",
		},
	)

	// IntegrityViolationsTotal counts hybrid cross-check mismatches.
	IntegrityViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "integrity_violations_total",
			Help:      "Total number of hybrid key integrity violations",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordOperation records a vault operation with its duration in seconds.
//
// Example:
//
//	start := time.Now()
//	err := store.Rotate(ctx, id, oldPass, newPass)
//	metrics.RecordOperation(metrics.OpRotate, err, time.Since(start).Seconds())
func RecordOperation(operation string, err error, duration float64) {
	if !enabled.Load() {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
		ErrorsTotal.WithLabelValues(operation, ErrorType(err)).Inc()
		if errors.Is(err, types.ErrIntegrityViolation) {
			IntegrityViolationsTotal.Inc()
		}
	}
	OperationsTotal.WithLabelValues(operation, status).Inc()
	OperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordKDF records the duration of a single key derivation.
func RecordKDF(algorithm string, duration float64) {
	if !enabled.Load() {
		return
	}
	KDFDuration.WithLabelValues(algorithm).Observe(duration)
}

// IncKDFInFlight increments the in-flight derivation gauge.
func IncKDFInFlight() {
	if !enabled.Load() {
		return
	}
	KDFInFlight.Inc()
}

// DecKDFInFlight decrements the in-flight derivation gauge.
func DecKDFInFlight() {
	if !enabled.Load() {
		return
	}
	KDFInFlight.Dec()
}

// RecordKMSRequest records a call to a KMS provider.
func RecordKMSRequest(provider, operation string, err error) {
	if !enabled.Load() {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	KMSRequestsTotal.WithLabelValues(provider, operation, status).Inc()
}

// RecordLockout records an account entering the locked state.
func RecordLockout() {
	if !enabled.Load() {
		return
	}
	LockoutsTotal.Inc()
}

// ErrorType maps an error onto a low-cardinality label value.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, types.ErrAuthenticationFailure):
		return "authentication_failure"
	case errors.Is(err, types.ErrIntegrityViolation):
		return "integrity_violation"
	case errors.Is(err, types.ErrDeviceLimitExceeded):
		return "device_limit_exceeded"
	case errors.Is(err, types.ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, types.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, types.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, types.ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, types.ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
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
