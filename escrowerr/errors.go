// Package escrowerr defines the rejection taxonomy shared by every escrow
// component. Each rejected operation carries exactly one Kind.
package escrowerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable rejection category.
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindStaleVersion      Kind = "STALE_VERSION"
	KindAlreadyTerminal   Kind = "ALREADY_TERMINAL"
	KindInvalidSignature  Kind = "INVALID_SIGNATURE"
	KindGatewayFailure    Kind = "GATEWAY_FAILURE"
	// KindDuplicateEvent is an acknowledgement, not a failure.
	KindDuplicateEvent Kind = "DUPLICATE_EVENT"
)

// Sentinels for errors.Is checks; matching is by Kind only.
var (
	Validation        = &Error{Kind: KindValidation}
	Unauthorized      = &Error{Kind: KindUnauthorized}
	NotFound          = &Error{Kind: KindNotFound}
	InvalidTransition = &Error{Kind: KindInvalidTransition}
	StaleVersion      = &Error{Kind: KindStaleVersion}
	AlreadyTerminal   = &Error{Kind: KindAlreadyTerminal}
	InvalidSignature  = &Error{Kind: KindInvalidSignature}
	GatewayFailure    = &Error{Kind: KindGatewayFailure}
	DuplicateEvent    = &Error{Kind: KindDuplicateEvent}
)

// Error is a rejected operation. Message is safe to show to end users.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// New builds an Error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the Kind carried by err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// UserMessage renders err as a plain denial for end users. Unknown errors
// are never echoed back.
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "something went wrong, please try again later"
	}
	switch e.Kind {
	case KindStaleVersion:
		return "state changed, please refresh"
	case KindGatewayFailure:
		return "payment provider unavailable, please retry"
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// HTTPStatus maps err to the HTTP status used by the command surfaces.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInvalidSignature:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindAlreadyTerminal, KindStaleVersion:
		return http.StatusConflict
	case KindGatewayFailure:
		return http.StatusBadGateway
	case KindDuplicateEvent:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
