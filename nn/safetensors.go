package nn

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/safetensors"

	"github.com/openfluke/artstyle/errs"
)

// WeightSet selects one of the two published VGG19 parameter sets.
type WeightSet string

const (
	// WeightsOriginal are the ImageNet classification weights.
	WeightsOriginal WeightSet = "original"
	// WeightsNormalized are rescaled so every filter has unit mean activation
	// over ImageNet, which balances per-layer style contributions.
	WeightsNormalized WeightSet = "normalized"
)

// ParseWeightSet validates a weight set name.
func ParseWeightSet(s string) (WeightSet, error) {
	switch WeightSet(strings.ToLower(strings.TrimSpace(s))) {
	case WeightsOriginal, "":
		return WeightsOriginal, nil
	case WeightsNormalized:
		return WeightsNormalized, nil
	}
	return "", errs.Configuration("unknown weight set %q (want original or normalized)", s).
		WithContext("option", "weights")
}

// WeightFile returns the conventional file name for set inside dir.
func WeightFile(dir string, set WeightSet) string {
	return filepath.Join(dir, "vgg19-"+string(set)+".safetensors")
}

// ConvWeights holds one frozen convolution.
type ConvWeights struct {
	Kernel []float32 // [out][in][3][3]
	Bias   []float32 // [out]
}

// Weights maps convolution stage identifiers to their parameters.
type Weights struct {
	Convs map[string]ConvWeights
}

// RandomWeights initializes every convolution of a with He-normal kernels.
func RandomWeights(a *Architecture, rng *rand.Rand) *Weights {
	w := &Weights{Convs: make(map[string]ConvWeights)}
	for _, s := range a.Convs() {
		w.Convs[s.ID] = RandomConv(s.InC, s.OutC, rng)
	}
	return w
}

// TensorName returns the safetensors names for stage i.
func TensorName(i int) (weight, bias string) {
	return fmt.Sprintf("features.%d.weight", i), fmt.Sprintf("features.%d.bias", i)
}

// LoadWeights reads the convolution parameters of a from a safetensors file.
func LoadWeights(path string, a *Architecture) (*Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Weights(err, "failed to read weight file").WithContext("path", path)
	}
	w, err := DecodeWeights(data, a)
	if err != nil {
		if e, ok := errs.As(err); ok {
			return nil, e.WithContext("path", path)
		}
		return nil, err
	}
	return w, nil
}

// DecodeWeights parses safetensors bytes. Tensors are looked up by their
// torchvision names and checked against the architecture's shapes; F16 and
// BF16 tensors are widened to float32. Extra tensors are ignored.
func DecodeWeights(data []byte, a *Architecture) (*Weights, error) {
	st, err := safetensors.Deserialize(data)
	if err != nil {
		return nil, errs.Weights(err, "failed to parse safetensors")
	}

	w := &Weights{Convs: make(map[string]ConvWeights)}
	for i, s := range a.Stages {
		if s.Kind != StageConv {
			continue
		}
		wName, bName := TensorName(i)
		kernel, err := readTensor(st, wName, []uint64{uint64(s.OutC), uint64(s.InC), KernelSize, KernelSize})
		if err != nil {
			return nil, err
		}
		bias, err := readTensor(st, bName, []uint64{uint64(s.OutC)})
		if err != nil {
			return nil, err
		}
		w.Convs[s.ID] = ConvWeights{Kernel: kernel, Bias: bias}
	}
	return w, nil
}

func readTensor(st safetensors.SafeTensors, name string, shape []uint64) ([]float32, error) {
	tv, ok := st.Tensor(name)
	if !ok {
		return nil, errs.Weights(nil, "missing tensor").WithContext("tensor", name)
	}
	if !equalShape(tv.Shape(), shape) {
		return nil, errs.Weights(nil, "shape %v, want %v", tv.Shape(), shape).
			WithContext("tensor", name)
	}
	values, err := DecodeFloats(tv.Data(), NumericType(tv.DType().String()))
	if err != nil {
		return nil, errs.Weights(err, "cannot decode tensor").WithContext("tensor", name)
	}
	return values, nil
}

func equalShape(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Validate checks that w holds correctly sized parameters for every
// convolution of a.
func (w *Weights) Validate(a *Architecture) error {
	if w == nil {
		return errs.Weights(nil, "no weights")
	}
	for _, s := range a.Convs() {
		cw, ok := w.Convs[s.ID]
		if !ok {
			return errs.Weights(nil, "missing convolution").WithContext("layer", s.ID)
		}
		if len(cw.Kernel) != s.OutC*s.InC*KernelSize*KernelSize || len(cw.Bias) != s.OutC {
			return errs.Weights(nil, "parameter size mismatch").WithContext("layer", s.ID)
		}
	}
	return nil
}
