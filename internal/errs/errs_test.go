package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfAndIsKind(t *testing.T) {
	err := New(NotFound, "no such class")

	k, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, NotFound, k)
	assert.True(t, IsKind(err, NotFound))
	assert.False(t, IsKind(err, Conflict))
}

func TestErrorsIsMatchesOnKind(t *testing.T) {
	err := Wrap(Resource, "best space cache full", errors.New("cap reached"))
	assert.True(t, errors.Is(err, New(Resource, "")))
	assert.False(t, errors.Is(err, New(Conflict, "")))
}

func TestDoesntFitCarriesRequiredSize(t *testing.T) {
	err := DoesntFit(512)

	k, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, Invalid, k)
	assert.Equal(t, 512, err.RequiredSize)
}

func TestAsSoftMarksError(t *testing.T) {
	err := New(Resource, "best-space cap reached").AsSoft()
	assert.True(t, err.Soft)
}

func TestIgnoreOnApply(t *testing.T) {
	assert.True(t, IgnoreOnApply(New(NotFound, "pk not found")))
	assert.True(t, IgnoreOnApply(New(Invalid, "bad row")))
	assert.True(t, IgnoreOnApply(New(Conflict, "dup key")))
	assert.False(t, IgnoreOnApply(New(Recovery, "log append failed")))
	assert.False(t, IgnoreOnApply(errors.New("plain error")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Recovery, "flush failed", cause)
	assert.ErrorIs(t, err, cause)
}
