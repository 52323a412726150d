package usecase

import (
	"fmt"

	"github.com/kokukuma/oid4vp-verifier/responseendpoint"
	"github.com/kokukuma/oid4vp-verifier/verifier"
	"github.com/pkg/errors"
)

type ErrorType string

const (
	ErrNotFound         ErrorType = "NOT_FOUND"
	ErrExpired          ErrorType = "EXPIRED"
	ErrConflict         ErrorType = "CONFLICT"
	ErrInvalidParameter ErrorType = "INVALID_PARAMETER"
	ErrUnexpected       ErrorType = "UNEXPECTED_ERROR"
)

// Error is what the HTTP layer maps to a status. Message may be shown to the
// caller, Cause is only logged.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Type)
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(typ ErrorType, message string) *Error {
	return &Error{Type: typ, Message: message}
}

func unexpected(cause error) *Error {
	return &Error{Type: ErrUnexpected, Cause: cause}
}

// ErrorTypeOf returns ErrUnexpected for errors that are not *Error.
func ErrorTypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrUnexpected
}

func fromEndpointError(err error) *Error {
	var e *responseendpoint.EndpointError
	if !errors.As(err, &e) {
		return unexpected(err)
	}
	switch e.Type {
	case responseendpoint.ErrNotFound:
		return &Error{Type: ErrNotFound, Message: "authorization response is not found.", Cause: err}
	case responseendpoint.ErrExpired:
		return &Error{Type: ErrExpired, Message: "authorization response is expired.", Cause: err}
	case responseendpoint.ErrInvalidAuthResponsePayload:
		return &Error{Type: ErrUnexpected, Message: "invalid authorization response has been saved.", Cause: err}
	}
	return unexpected(err)
}

func fromReceiveError(err error) *Error {
	var e *responseendpoint.EndpointError
	if !errors.As(err, &e) {
		return unexpected(err)
	}
	switch e.Type {
	case responseendpoint.ErrRequestIDIsNotFound:
		return &Error{Type: ErrNotFound, Cause: err}
	case responseendpoint.ErrRequestIDIsExpired:
		return &Error{Type: ErrExpired, Cause: err}
	case responseendpoint.ErrUnexpected:
		return unexpected(err)
	}
	return &Error{Type: ErrInvalidParameter, Cause: err}
}

func fromRequestError(requestID string, err error) *Error {
	var e *verifier.GetRequestError
	if !errors.As(err, &e) {
		return unexpected(err)
	}
	switch e.Type {
	case verifier.ErrNotFound:
		return &Error{Type: ErrNotFound, Cause: err}
	case verifier.ErrExpired:
		return &Error{Type: ErrExpired, Cause: err}
	case verifier.ErrConsumed:
		return &Error{Type: ErrConflict, Message: fmt.Sprintf("request %s is already consumed", requestID), Cause: err}
	}
	return unexpected(err)
}
