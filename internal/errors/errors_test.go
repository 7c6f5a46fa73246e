// Package errors tests for error code definitions and error handling.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestErrorCodeValues verifies all error codes have non-empty, unique values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrDuplicate, ErrValidation,
		ErrConfigInvalid, ErrDatabase, ErrMigration,
		ErrInvalidTransition, ErrRetriesExhausted,
		ErrSyncNotConfigured, ErrSyncInProgress, ErrSyncFailed, ErrSyncConflict,
		ErrSyncTimeout, ErrConnectionFailed,
	}

	seen := make(map[ErrorCode]bool, len(codes))
	for _, code := range codes {
		assert.NotEmpty(t, string(code))
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

func TestAppError_Error(t *testing.T) {
	err := New(ErrNotFound, "queue item not found")
	assert.Equal(t, "[NOT_FOUND] queue item not found", err.Error())

	wrapped := Wrap(ErrDatabase, "update failed", fmt.Errorf("disk full"))
	assert.Equal(t, "[DATABASE_ERROR] update failed: disk full", wrapped.Error())
}

func TestAppError_Unwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := Wrap(ErrSyncFailed, "sync failed", cause)

	assert.ErrorIs(t, err, cause)
}

func TestIs_MatchesThroughWrapping(t *testing.T) {
	base := Newf(ErrInvalidTransition, "cannot cancel item %s in status %s", "abc", "completed")
	wrapped := fmt.Errorf("cancel: %w", base)

	assert.True(t, Is(wrapped, ErrInvalidTransition))
	assert.False(t, Is(wrapped, ErrNotFound))
	assert.False(t, Is(nil, ErrNotFound))
	assert.False(t, Is(stderrors.New("plain"), ErrNotFound))
}

func TestAppError_StdIsComparesCodes(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrRetriesExhausted, "item a exhausted"))

	assert.True(t, stderrors.Is(err, New(ErrRetriesExhausted, "any message")))
	assert.False(t, stderrors.Is(err, New(ErrNotFound, "any message")))
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, ErrNotFound, CodeOf(fmt.Errorf("x: %w", New(ErrNotFound, "gone"))))
	require.Equal(t, ErrInternal, CodeOf(stderrors.New("plain")))
	assert.True(t, strings.HasPrefix(Newf(ErrInvalid, "bad %d", 1).Error(), "[INVALID_INPUT]"))
}
