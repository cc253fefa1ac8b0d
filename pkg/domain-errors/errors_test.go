package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode(t *testing.T) {
	t.Run("matches direct code", func(t *testing.T) {
		err := New(CodeNotOwner, "caller does not own device")
		assert.True(t, HasCode(err, CodeNotOwner))
		assert.False(t, HasCode(err, CodeNotFound))
	})

	t.Run("sees through fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("mint: %w", New(CodeDeviceInactive, "device is inactive"))
		assert.True(t, HasCode(err, CodeDeviceInactive))
	})

	t.Run("outermost code wins", func(t *testing.T) {
		inner := New(CodeNotFound, "credit not found")
		err := Wrap(inner, CodeInternal, "failed to load credit")
		assert.Equal(t, CodeInternal, CodeOf(err))
		assert.ErrorIs(t, err, inner)
	})

	t.Run("uncoded errors are internal", func(t *testing.T) {
		assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
		assert.Equal(t, Code(""), CodeOf(nil))
	})
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "price must be positive", Message(New(CodeInvalidInput, "price must be positive")))
	assert.Equal(t, "internal error", Message(errors.New("db down")))
}

func TestInternal(t *testing.T) {
	assert.NoError(t, Internal(nil, "unused"))

	coded := New(CodeNotOwner, "caller does not own credit")
	assert.Same(t, coded, Internal(coded, "failed"))

	plain := errors.New("connection reset")
	err := Internal(plain, "failed to load credit")
	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.ErrorIs(t, err, plain)
}
