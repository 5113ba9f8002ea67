package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchError_Message(t *testing.T) {
	err := newDispatchError(ErrCodeSendFailed, "app.counter.increment", "event dropped", errors.New("broken pipe"))
	assert.Equal(t, "SEND_FAILED: event dropped (event=app.counter.increment): broken pipe", err.Error())

	bare := newDispatchError(ErrCodeUnknownSpecial, "_nope", "unknown special event", nil)
	assert.Equal(t, "UNKNOWN_SPECIAL: unknown special event (event=_nope)", bare.Error())
}

func TestDispatchError_Predicates(t *testing.T) {
	cause := errors.New("cause")
	wrapped := fmt.Errorf("outer: %w", newDispatchError(ErrCodeSendFailed, "a.b", "dropped", cause))

	assert.True(t, IsSendError(wrapped))
	assert.False(t, IsPayloadError(wrapped))
	assert.ErrorIs(t, wrapped, cause)

	assert.True(t, IsPayloadError(newDispatchError(ErrCodeInvalidPayload, "_alert", "x", nil)))
	assert.True(t, IsUnknownSpecial(newDispatchError(ErrCodeUnknownSpecial, "_x", "x", nil)))
	assert.False(t, IsUnknownSpecial(errors.New("plain")))
}
