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

// Package kmserr defines the error taxonomy shared by the token core and the
// provider bridges.
//
// Every failure inside the core is returned as an *Error carrying a Kind and,
// where a host API needs a finer distinction, a Reason. The bridges in
// pkg/kmscng and pkg/kmsp11 are the only places that translate these values
// into host status codes.
package kmserr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a failure.
type Kind int

const (
	// Unknown is reported for errors that did not originate in this module.
	Unknown Kind = iota
	InvalidArgument
	InvalidHandle
	BadFlags
	NotSupported
	NotFound
	BufferTooSmall
	PermissionDenied
	FailedPrecondition
	Internal
	Upstream
)

var kindNames = map[Kind]string{
	Unknown:            "unknown",
	InvalidArgument:    "invalid argument",
	InvalidHandle:      "invalid handle",
	BadFlags:           "bad flags",
	NotSupported:       "not supported",
	NotFound:           "not found",
	BufferTooSmall:     "buffer too small",
	PermissionDenied:   "permission denied",
	FailedPrecondition: "failed precondition",
	Internal:           "internal",
	Upstream:           "upstream",
}

// String returns the human readable kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Code maps the kind onto the closest gRPC status code. BufferTooSmall is a
// species of OutOfRange.
func (k Kind) Code() codes.Code {
	switch k {
	case InvalidArgument, InvalidHandle, BadFlags:
		return codes.InvalidArgument
	case NotSupported:
		return codes.Unimplemented
	case NotFound:
		return codes.NotFound
	case BufferTooSmall:
		return codes.OutOfRange
	case PermissionDenied:
		return codes.PermissionDenied
	case FailedPrecondition:
		return codes.FailedPrecondition
	case Internal:
		return codes.Internal
	case Upstream:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

// Reason refines a Kind for host APIs that distinguish more cases than the
// taxonomy does (for example PKCS#11 return values).
type Reason string

const (
	ReasonNone                     Reason = ""
	ReasonObjectHandleInvalid      Reason = "object_handle_invalid"
	ReasonKeyHandleInvalid         Reason = "key_handle_invalid"
	ReasonProviderHandleInvalid    Reason = "provider_handle_invalid"
	ReasonSlotIDInvalid            Reason = "slot_id_invalid"
	ReasonPinLocked                Reason = "pin_locked"
	ReasonOperationNotInitialized  Reason = "operation_not_initialized"
	ReasonUserTypeInvalid          Reason = "user_type_invalid"
	ReasonUserAlreadyLoggedIn      Reason = "user_already_logged_in"
	ReasonUserNotLoggedIn          Reason = "user_not_logged_in"
	ReasonKeyTypeInconsistent      Reason = "key_type_inconsistent"
	ReasonKeyFunctionNotPermitted  Reason = "key_function_not_permitted"
	ReasonMechanismInvalid         Reason = "mechanism_invalid"
	ReasonMechanismParamInvalid    Reason = "mechanism_param_invalid"
	ReasonDataLenRange             Reason = "data_len_range"
	ReasonAttributeTypeInvalid     Reason = "attribute_type_invalid"
	ReasonAttributeReadOnly        Reason = "attribute_read_only"
	ReasonKeysetNotFound           Reason = "keyset_not_found"
	ReasonChecksumMismatch         Reason = "checksum_mismatch"
	ReasonHandleSpaceExhausted     Reason = "handle_space_exhausted"
	ReasonHandleInUse              Reason = "handle_in_use"
	ReasonUnsupportedAlgorithm     Reason = "unsupported_algorithm"
	ReasonUnsupportedProtection    Reason = "unsupported_protection_level"
	ReasonUnsupportedProperty      Reason = "unsupported_property"
	ReasonImmutableProperty        Reason = "immutable_property"
	ReasonInvalidPropertyValue     Reason = "invalid_property_value"
)

// Error is the typed failure value returned by the core.
type Error struct {
	Kind   Kind
	Reason Reason
	Msg    string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg = msg + ": " + e.Msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind (and reason, when
// the target names one). This lets callers write errors.Is(err, kmserr.New(kmserr.NotFound, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == ReasonNone || t.Reason == e.Reason
}

// GRPCStatus exposes the error as a gRPC status so it can cross a gRPC
// boundary unchanged. Upstream errors keep the remote status.
func (e *Error) GRPCStatus() *status.Status {
	if e.Kind == Upstream && e.Err != nil {
		if st, ok := status.FromError(e.Err); ok {
			return st
		}
	}
	return status.New(e.Kind.Code(), e.Error())
}

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WithReason returns an error of the given kind and reason.
func WithReason(kind Kind, reason Reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// FromUpstream wraps a failure reported by the remote key service. If err is
// already an *Error it is returned unchanged.
func FromUpstream(err error, msg string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: Upstream, Msg: msg, Err: err}
}

// KindOf returns the Kind of err, or Unknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// ReasonOf returns the Reason of err, or ReasonNone.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Code returns the gRPC code for err. Upstream errors report the remote code.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.GRPCStatus().Code()
	}
	return status.Code(err)
}
