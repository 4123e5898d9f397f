package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesWrappedCode(t *testing.T) {
	base := New(NotFound, "GetTask", "task:abc", errors.New("no rows"))
	wrapped := fmt.Errorf("loading workspace: %w", base)

	assert.True(t, Is(wrapped, NotFound))
	assert.False(t, Is(wrapped, Conflict))
}

func TestMergeConflictCarriesFiles(t *testing.T) {
	err := MergeConflict("Merge", "workspace:1", []string{"a.go", "b.go"})
	require.Equal(t, MergeConflicts, err.Code)
	assert.ElementsMatch(t, []string{"a.go", "b.go"}, err.Files)
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := New(Fatal, "Start", "", inner)
	assert.Same(t, inner, errors.Unwrap(err))
}
