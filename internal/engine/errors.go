package engine

import (
	"errors"
	"fmt"
)

// DispatchError is an error raised while handling one dequeued event.
//
// Dispatch errors are never returned to the code that enqueued the event.
// The engine logs them with the event name and moves on to the next event.
type DispatchError struct {
	// Code identifies the error category.
	Code DispatchErrorCode

	// Event is the name of the event being handled.
	Event string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// DispatchErrorCode categorizes dispatch errors.
type DispatchErrorCode string

const (
	// ErrCodeUnknownSpecial: a "_"-prefixed name outside the known set.
	ErrCodeUnknownSpecial DispatchErrorCode = "UNKNOWN_SPECIAL"

	// ErrCodeInvalidPayload: a special or handler event carried a payload of
	// the wrong shape.
	ErrCodeInvalidPayload DispatchErrorCode = "INVALID_PAYLOAD"

	// ErrCodeUnknownHandler: a handler-tagged event named a handler other than
	// uploadFiles.
	ErrCodeUnknownHandler DispatchErrorCode = "UNKNOWN_HANDLER"

	// ErrCodeSendFailed: the transport rejected the event.
	ErrCodeSendFailed DispatchErrorCode = "SEND_FAILED"

	// ErrCodeMissingRef: a ref lookup found no element.
	ErrCodeMissingRef DispatchErrorCode = "MISSING_REF"

	// ErrCodeNoEffect: the collaborator a special event needs is not
	// configured.
	ErrCodeNoEffect DispatchErrorCode = "NO_EFFECT"

	// ErrCodeEffectFailed: a local side effect returned an error.
	ErrCodeEffectFailed DispatchErrorCode = "EFFECT_FAILED"
)

// Error implements the error interface.
func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("%s: %s (event=%s)", e.Code, e.Message, e.Event)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

func newDispatchError(code DispatchErrorCode, event, message string, err error) *DispatchError {
	return &DispatchError{Code: code, Event: event, Message: message, Err: err}
}

// IsSendError returns true if the transport rejected the event.
// Uses errors.As to handle wrapped errors.
func IsSendError(err error) bool {
	return hasCode(err, ErrCodeSendFailed)
}

// IsPayloadError returns true if the event payload had the wrong shape.
func IsPayloadError(err error) bool {
	return hasCode(err, ErrCodeInvalidPayload)
}

// IsUnknownSpecial returns true for "_"-prefixed names outside the known set.
func IsUnknownSpecial(err error) bool {
	return hasCode(err, ErrCodeUnknownSpecial)
}

func hasCode(err error, code DispatchErrorCode) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}
