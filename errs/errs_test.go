package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatchesKind(t *testing.T) {
	errDegenerate := New(ErrData, "degenerate vector")
	wrapped := fmt.Errorf("canonicalize: %w", errDegenerate)

	assert.ErrorIs(t, wrapped, errDegenerate)
	assert.True(t, IsData(wrapped))
	assert.False(t, IsTransient(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Transient("embed", context.DeadlineExceeded)

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "embed: context deadline exceeded", err.Error())

	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, "embed", e.Op)
}

func TestWrapNilAndRewrap(t *testing.T) {
	assert.NoError(t, Data("x", nil))

	inner := Consistency("idmap", errors.New("row mismatch"))
	outer := Consistency("open", inner)
	assert.True(t, IsConsistency(outer))
	assert.Equal(t, "open: idmap: row mismatch", outer.Error())
}

func TestDimensionMismatchIsData(t *testing.T) {
	err := error(&DimensionMismatchError{Expected: 4, Actual: 3})
	assert.True(t, IsData(err))
	assert.Contains(t, err.Error(), "expected 4, got 3")
}

func TestChecksumIsConsistency(t *testing.T) {
	err := fmt.Errorf("record 3: %w", ErrChecksum)
	assert.True(t, IsConsistency(err))
	assert.False(t, IsData(err))

	derived := New(ErrChecksum, "content hash mismatch")
	assert.ErrorIs(t, derived, ErrChecksum)
	assert.True(t, IsConsistency(derived))
}
