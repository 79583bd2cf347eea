// Package apperr defines the error taxonomy shared by the control plane
// and the media engine. Every error surfaced to an API caller carries a
// Kind, which decides the HTTP status and whether the caller may retry.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation      Kind = "invalid_request"
	KindAuthRequired    Kind = "unauthorized"
	KindNotFound        Kind = "not_found"
	KindVMUnavailable   Kind = "vm_unavailable"
	KindPairingRequired Kind = "pairing_required"
	KindPairingFailed   Kind = "pairing_failed"
	KindLaunchFailed    Kind = "launch_failed"
	KindTransportFailed Kind = "transport_failed"
	KindConflict        Kind = "conflict"
	KindInternal        Kind = "internal_error"
)

type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so sentinels such as
// ErrVMUnavailable work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation      = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrAuthRequired    = &Error{Kind: KindAuthRequired, Message: "authentication required"}
	ErrNotFound        = &Error{Kind: KindNotFound, Message: "not found"}
	ErrVMUnavailable   = &Error{Kind: KindVMUnavailable, Message: "no vm capacity", Retryable: true}
	ErrPairingRequired = &Error{Kind: KindPairingRequired, Message: "host pairing required"}
	ErrPairingFailed   = &Error{Kind: KindPairingFailed, Message: "host pairing failed"}
	ErrLaunchFailed    = &Error{Kind: KindLaunchFailed, Message: "application launch failed"}
	ErrTransportFailed = &Error{Kind: KindTransportFailed, Message: "media transport failed"}
	ErrConflict        = &Error{Kind: KindConflict, Message: "conflicting state"}
)

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Retryable(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err, Retryable: true}
}

func Validation(msg string) *Error { return New(KindValidation, msg) }

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// MessageOf returns the caller-facing message. Internal details stay in the
// wrapped error and are only logged.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindVMUnavailable:
		return http.StatusServiceUnavailable
	case KindPairingRequired, KindPairingFailed, KindConflict:
		return http.StatusConflict
	case KindLaunchFailed, KindTransportFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
