package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("finding player: %w", StoreError("select progress", cause))

	assert.True(t, IsUnavailableError(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "select progress: dial tcp")

	assert.NoError(t, StoreError("noop", nil))
}

func TestIsNotFoundError(t *testing.T) {
	assert.True(t, IsNotFoundError(fmt.Errorf("getting progress: %w", ErrPlayerNotFound)))
	assert.False(t, IsNotFoundError(ErrInvalidRequest))
}
