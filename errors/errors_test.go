package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinels(t *testing.T) {
	err := Wrap(ErrWorkflowNotFound, "wf-123")

	assert.True(t, Is(err, ErrWorkflowNotFound))
	assert.True(t, Is(err, ErrNotFound), "workflow-not-found is a not-found")
	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsConflictError(err))
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("task %s", "t-1")

	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "t-1")
}

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrapf(ErrInvalidInterval, "got %d", -5)

	assert.True(t, Is(err, ErrInvalidInterval))
	assert.Contains(t, err.Error(), "-5")
}

func TestIsAny(t *testing.T) {
	err := Wrap(ErrConflict, "claim")

	assert.True(t, IsAny(err, ErrNotFound, ErrConflict))
	assert.False(t, IsAny(err, ErrNotFound, ErrMissingParameters))
}
