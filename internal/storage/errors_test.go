package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("noop", nil))

	cause := errors.New("connection reset")
	err := Wrap("insert refresh token", cause)
	assert.True(t, IsStorage(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "storage: insert refresh token: connection reset", err.Error())

	again := Wrap("outer", fmt.Errorf("context: %w", err))
	var se *Error
	assert.True(t, errors.As(again, &se))
	assert.Equal(t, "insert refresh token", se.Op)
}

func TestIsStorage_PlainError(t *testing.T) {
	assert.False(t, IsStorage(errors.New("boom")))
	assert.False(t, IsStorage(nil))
}
