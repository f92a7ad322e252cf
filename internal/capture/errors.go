package capture

import "errors"

// ErrNotFound is returned when an addressed row does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a malformed or cross-referencing invalid
// submission. Message is safe to show to the submitter.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func Invalid(message string) error {
	return &ValidationError{Message: message}
}

const (
	MsgAppCodeInvalid     = "App code missing or invalid"
	MsgSessionInvalid     = "Session missing or invalid"
	MsgClientInvalid      = "Client username invalid"
	MsgRequestInvalid     = "Request missing or invalid"
	MsgResponseDuplicate  = "Request already has a response"
	MsgLinkedSessionFound = "Linked session missing or invalid"
)
