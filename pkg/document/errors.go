package document

import (
	"errors"
	"fmt"
	"math"
)

// Error messages surfaced to clients. Exact strings are part of the
// protocol contract and asserted by integration tests.
const (
	MsgPayloadRequired = "payload is required"
	MsgBodyRequired    = "body is required"
)

// ErrorResponseKind tags structured error payloads on the wire.
const ErrorResponseKind = "driftdoc:error"

// ErrorResponse is the structured payload returned for argument errors.
// CustomErrorField carries a fixed diagnostic constant (pi) so callers can
// verify that the payload itself, not just the message, survived transport.
type ErrorResponse struct {
	Message          string  `json:"message"`
	DocumentKind     string  `json:"documentKind"`
	CustomErrorField float64 `json:"customErrorField"`
}

func NewErrorResponse(message string) *ErrorResponse {
	return &ErrorResponse{
		Message:          message,
		DocumentKind:     ErrorResponseKind,
		CustomErrorField: math.Pi,
	}
}

// ArgumentError reports a malformed request. Clients must not retry without
// fixing the request.
type ArgumentError struct {
	Response *ErrorResponse
}

func (e *ArgumentError) Error() string { return e.Response.Message }

func NewArgumentError(message string) *ArgumentError {
	return &ArgumentError{Response: NewErrorResponse(message)}
}

// StateError reports a routing or sequencing defect: a patch routed to the
// wrong replica, delivered after convergence completed, or conflicting with
// a concurrent version advance. Not retried automatically.
type StateError struct {
	Decision Decision
	Detail   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Decision, e.Detail)
}

// ErrNotModified signals a recognized no-op: the patch was valid but changed
// nothing. Callers respond with a distinct not-modified status, not success.
var ErrNotModified = errors.New("not modified")

// ErrVersionConflict reports an optimistic update check losing a race with a
// concurrent writer. Best effort: the loser simply observes the conflict.
var ErrVersionConflict = errors.New("version conflict")
