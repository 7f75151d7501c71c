package errs

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := Configuration("bad value %d", 3).WithContext("option", "area")
	assert.Equal(t, `CONFIG_INVALID: bad value 3 (option="area")`, err.Error())

	wrapped := Weights(errors.New("eof"), "read weights")
	assert.Equal(t, "WEIGHTS_INVALID: read weights: eof", wrapped.Error())
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("loading: %w", UnknownLayer("relu_9_9"))

	assert.True(t, IsUnknownLayer(err))
	assert.True(t, IsConfiguration(err))
	assert.False(t, IsUnsupportedInput(err))
	assert.Equal(t, CodeUnknownLayer, CodeOf(err))

	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "relu_9_9", e.Context["layer"])
}

func TestDivergedError(t *testing.T) {
	d := &DivergedError{Iteration: 4, Loss: 12.5}
	err := fmt.Errorf("run: %w", d)

	assert.True(t, IsDiverged(err))
	assert.True(t, errors.Is(err, New(CodeDiverged, CategoryNumeric, "")))
	assert.False(t, IsConfiguration(err))
	assert.Contains(t, d.Error(), "iteration 4")
	assert.Contains(t, d.Error(), "12.5")

	none := &DivergedError{Loss: math.NaN()}
	assert.Contains(t, none.Error(), "NaN")
}

func TestIsDivergedMatchesCode(t *testing.T) {
	nonFinite := New(CodeDiverged, CategoryNumeric, "objective is not finite")
	assert.True(t, IsDiverged(nonFinite))
	assert.True(t, IsDiverged(fmt.Errorf("step: %w", nonFinite)))
	assert.True(t, IsDiverged(&DivergedError{Cause: nonFinite}))
	assert.False(t, IsDiverged(Configuration("bad")))
	assert.False(t, IsDiverged(errors.New("boom")))
	assert.False(t, IsDiverged(nil))
}

func TestDeviceUnavailableKeepsCause(t *testing.T) {
	cause := errors.New("no adapter")
	err := DeviceUnavailable(cause, "accelerated device requested")

	assert.True(t, IsDeviceUnavailable(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CategoryDevice, err.Category)
}
