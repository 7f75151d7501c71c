package nn

import (
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/artstyle/errs"
)

func TestWeightsRoundTripF32(t *testing.T) {
	a := tinyArch()
	w := RandomWeights(a, rand.New(rand.NewPCG(21, 22)))

	path := filepath.Join(t.TempDir(), "weights", "tiny.safetensors")
	require.NoError(t, SaveWeights(path, a, w, TypeF32))

	got, err := LoadWeights(path, a)
	require.NoError(t, err)
	for id, cw := range w.Convs {
		assert.Equal(t, cw.Kernel, got.Convs[id].Kernel, id)
		assert.Equal(t, cw.Bias, got.Convs[id].Bias, id)
	}
}

func TestWeightsDecodeBF16(t *testing.T) {
	a := tinyArch()
	w := RandomWeights(a, rand.New(rand.NewPCG(23, 24)))

	data, err := EncodeWeights(a, w, TypeBF16)
	require.NoError(t, err)
	got, err := DecodeWeights(data, a)
	require.NoError(t, err)

	for id, cw := range w.Convs {
		for i, v := range cw.Kernel {
			assert.InEpsilon(t, v, got.Convs[id].Kernel[i], 1e-2)
		}
	}
}

func TestDecodeWeightsRejectsWrongShape(t *testing.T) {
	small := NewArchitecture("small", 3, [][]int{{4}})
	data, err := EncodeWeights(small, RandomWeights(small, rand.New(rand.NewPCG(1, 1))), TypeF32)
	require.NoError(t, err)

	wider := NewArchitecture("wider", 3, [][]int{{8}})
	_, err = DecodeWeights(data, wider)
	assert.Equal(t, errs.CodeWeightsInvalid, errs.CodeOf(err))

	deeper := NewArchitecture("deeper", 3, [][]int{{4}, {4}})
	_, err = DecodeWeights(data, deeper)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, "features.3.weight", e.Context["tensor"])
}

func TestLoadWeightsMissingFile(t *testing.T) {
	_, err := LoadWeights(filepath.Join(t.TempDir(), "nope.safetensors"), tinyArch())
	assert.Equal(t, errs.CodeWeightsInvalid, errs.CodeOf(err))
}

func TestParseWeightSet(t *testing.T) {
	set, err := ParseWeightSet("Normalized")
	require.NoError(t, err)
	assert.Equal(t, WeightsNormalized, set)
	assert.Equal(t, filepath.Join("w", "vgg19-normalized.safetensors"), WeightFile("w", set))

	_, err = ParseWeightSet("imagenet")
	assert.True(t, errs.IsConfiguration(err))
}

func TestBlueprint(t *testing.T) {
	bp := ExtractBlueprint(VGG19(), 224, 224, -1)
	assert.Equal(t, 37, bp.TotalLayers)
	assert.Equal(t, 20024384, bp.TotalParams)
	assert.Equal(t, []int{512, 7, 7}, bp.Layers[36].OutputShape)

	upTo := ExtractBlueprint(VGG19(), 64, 64, VGG19().StageIndex("relu_1_1"))
	assert.Equal(t, 2, upTo.TotalLayers)
	assert.Equal(t, 2*4*64*64*64, upTo.PeakActivationBytes())
}
