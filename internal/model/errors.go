package model

import (
	"errors"
	"net/http"
)

// Kind classifies a failure for status mapping.
type Kind string

const (
	KindRequest        Kind = "INVALID_REQUEST"
	KindTooLarge       Kind = "REQUEST_TOO_LARGE"
	KindAuthentication Kind = "AUTHENTICATION_ERROR"
	KindAuthorization  Kind = "ENDPOINT_NOT_ALLOWED"
	KindUpstream       Kind = "UPSTREAM_ERROR"
	KindTimeout        Kind = "UPSTREAM_TIMEOUT"
	KindInternal       Kind = "INTERNAL_ERROR"
	KindNotFound       Kind = "NOT_FOUND"
)

// Error is a classified broker failure. Message is safe to return to the
// caller; Err is only logged.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Envelope returns the failure body for e.
func (e *Error) Envelope() ErrorEnvelope {
	return ErrorEnvelope{Success: false, Error: e.Message, Type: string(e.Kind)}
}

var defaultStatus = map[Kind]int{
	KindRequest:        http.StatusBadRequest,
	KindTooLarge:       http.StatusBadRequest,
	KindAuthentication: http.StatusForbidden,
	KindAuthorization:  http.StatusForbidden,
	KindUpstream:       http.StatusBadGateway,
	KindTimeout:        http.StatusBadGateway,
	KindInternal:       http.StatusInternalServerError,
	KindNotFound:       http.StatusNotFound,
}

// NewError builds an Error with the default status for kind.
func NewError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Status: defaultStatus[kind], Message: msg, Err: err}
}

// AsError extracts an *Error from err, or wraps err as an internal failure.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(KindInternal, "internal error", err)
}
