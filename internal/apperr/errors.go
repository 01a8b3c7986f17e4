// Package apperr defines the error taxonomy shared across the snapshot
// engine and maps each kind to its HTTP status code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the taxonomy entries a caller can test for with Is.
type Kind string

const (
	InvalidInput           Kind = "invalid_input"
	UnsupportedChain       Kind = "unsupported_chain"
	NotTracked             Kind = "not_tracked"
	ProviderUnavailable    Kind = "provider_unavailable"
	ProviderDisagreement   Kind = "provider_disagreement"
	LogRangeIrrecoverable  Kind = "log_range_irrecoverable"
	CallFailed             Kind = "call_failed"
	BuildTimeout           Kind = "build_timeout"
	DatabaseError          Kind = "database_error"
)

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. ok is false for plain errors.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// HTTPStatus maps a Kind to the status code §7 of the spec prescribes.
// Unrecognized kinds (plain Go errors) map to 500.
func HTTPStatus(err error) int {
	kind, ok := KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case InvalidInput:
		return http.StatusBadRequest
	case UnsupportedChain, NotTracked:
		return http.StatusNotFound
	case ProviderUnavailable:
		return http.StatusServiceUnavailable
	case BuildTimeout:
		return http.StatusGatewayTimeout
	case DatabaseError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
