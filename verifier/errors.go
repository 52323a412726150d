package verifier

import "fmt"

type ErrorType string

const (
	ErrNotFound   ErrorType = "NOT_FOUND"
	ErrExpired    ErrorType = "EXPIRED"
	ErrConsumed   ErrorType = "CONSUMED"
	ErrUnexpected ErrorType = "UNEXPECTED_ERROR"
)

const requestSubject = "VpRequest"

type GetRequestError struct {
	Type       ErrorType
	Subject    string
	Identifier string
	Cause      error
}

func newGetRequestError(t ErrorType, requestID string) *GetRequestError {
	return &GetRequestError{Type: t, Subject: requestSubject, Identifier: requestID}
}

func (e *GetRequestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Type, e.Cause)
	}
	return fmt.Sprintf("%s: %s %s", e.Type, e.Subject, e.Identifier)
}

func (e *GetRequestError) Unwrap() error {
	return e.Cause
}
