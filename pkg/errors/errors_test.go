package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloneMatchesSentinel(t *testing.T) {
	err := Clone(ErrConflict, "cannot transition enrollment from rejected to active")
	assert.True(t, stderrors.Is(err, ErrConflict))
	assert.False(t, stderrors.Is(err, ErrNotFound))
	assert.Equal(t, http.StatusConflict, err.Status)
	assert.Equal(t, "conflict", ErrConflict.Message)
}

func TestFromErrorWrapsUnknown(t *testing.T) {
	appErr := FromError(fmt.Errorf("boom"))
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.Equal(t, http.StatusInternalServerError, appErr.Status)

	wrapped := fmt.Errorf("outer: %w", Clone(ErrNotFound, "enrollment not found"))
	assert.Equal(t, http.StatusNotFound, FromError(wrapped).Status)
}

func TestPersistenceUnwraps(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Persistence(cause, "failed to record webhook event")
	assert.True(t, stderrors.Is(err, ErrPersistence))
	assert.True(t, stderrors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection reset")
}
