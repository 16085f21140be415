package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStageErrorPreservesInnerKind(t *testing.T) {
	inner := Classified(KindValidation, "conviction out of range")
	wrapped := fmt.Errorf("pm_pitch parse: %w", inner)

	se := NewStageError("pm_pitch", KindInternal, wrapped)
	assert.Equal(t, KindValidation, se.Kind, "innermost classification wins")
	assert.Equal(t, "pm_pitch", se.Stage)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindPartial, KindOf(Classified(KindPartial, "all providers failed")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindTimeout,
		KindOf(fmt.Errorf("outer: %w", Classified(KindTimeout, "deadline"))))
}

func TestStageErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	se := NewStageError("execution", KindPersistence, cause)
	require.ErrorIs(t, se, cause)
	assert.Contains(t, se.Error(), "execution")
	assert.Contains(t, se.Error(), string(KindPersistence))
}
