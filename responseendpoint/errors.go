package responseendpoint

import "fmt"

type ErrorType string

const (
	ErrNotFound                   ErrorType = "NOT_FOUND"
	ErrExpired                    ErrorType = "EXPIRED"
	ErrInvalidAuthResponsePayload ErrorType = "INVALID_AUTH_RESPONSE_PAYLOAD"
	ErrRequestIDIsNotFound        ErrorType = "REQUEST_ID_IS_NOT_FOUND"
	ErrRequestIDIsExpired         ErrorType = "REQUEST_ID_IS_EXPIRED"
	ErrUnexpected                 ErrorType = "UNEXPECTED_ERROR"
)

// EndpointError is the typed failure of the Response Endpoint. Cause is for
// logs only and is never sent to the wallet.
type EndpointError struct {
	Type       ErrorType
	Subject    string
	Identifier string
	Cause      error
}

func (e *EndpointError) Error() string {
	msg := string(e.Type)
	if e.Subject != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Subject)
	}
	if e.Identifier != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Identifier)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	return e.Cause
}

func invalidPayload(cause error) *EndpointError {
	return &EndpointError{Type: ErrInvalidAuthResponsePayload, Cause: cause}
}

func unexpected(cause error) *EndpointError {
	return &EndpointError{Type: ErrUnexpected, Cause: cause}
}
