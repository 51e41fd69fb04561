package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeError_IsMatchesCode(t *testing.T) {
	err := newRuntimeError(ErrCodeStaleTimer, 2, "timer(3.1@2) was killed")
	wrapped := fmt.Errorf("retrigger: %w", err)

	assert.ErrorIs(t, wrapped, ErrStaleTimer)
	assert.NotErrorIs(t, wrapped, ErrStaleContext)
	assert.True(t, IsStaleError(wrapped))
	assert.True(t, IsContractError(wrapped))
}

func TestRuntimeError_Message(t *testing.T) {
	err := newRuntimeError(ErrCodeReentrant, 1, "main called from a callback")
	assert.Equal(t, "REENTRANT_MAIN: main called from a callback (dispatcher=1)", err.Error())

	sys := newRuntimeError(ErrCodeRegistrationClosed, -1, "late")
	assert.Equal(t, "REGISTRATION_CLOSED: late", sys.Error())

	assert.Equal(t, "STALE_TIMER", ErrStaleTimer.Error())
}

func TestIsContractError_OtherErrors(t *testing.T) {
	assert.False(t, IsContractError(errors.New("plain")))
	assert.False(t, IsStaleError(nil))
	assert.False(t, IsContractError(newRuntimeError(ErrCodeExhausted, 0, "pool")))
}
