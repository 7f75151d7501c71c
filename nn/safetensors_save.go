package nn

import (
	"os"
	"path/filepath"

	"github.com/nlpodyssey/safetensors"

	"github.com/openfluke/artstyle/errs"
)

// SaveWeights writes w to a safetensors file using torchvision tensor names.
func SaveWeights(path string, a *Architecture, w *Weights, t NumericType) error {
	data, err := EncodeWeights(a, w, t)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errs.IO(err, "failed to create weight directory").WithContext("path", dir)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.IO(err, "failed to write weight file").WithContext("path", path)
	}
	return nil
}

// EncodeWeights converts w to safetensors bytes with element type t.
func EncodeWeights(a *Architecture, w *Weights, t NumericType) ([]byte, error) {
	if err := w.Validate(a); err != nil {
		return nil, err
	}
	dtype, err := safetensors.ParseDType(string(t))
	if err != nil {
		return nil, errs.Weights(err, "unsupported dtype %s", t)
	}

	views := make(map[string]safetensors.TensorView)
	for i, s := range a.Stages {
		if s.Kind != StageConv {
			continue
		}
		cw := w.Convs[s.ID]
		wName, bName := TensorName(i)
		if views[wName], err = encodeView(cw.Kernel, dtype, t, []uint64{uint64(s.OutC), uint64(s.InC), KernelSize, KernelSize}); err != nil {
			return nil, err
		}
		if views[bName], err = encodeView(cw.Bias, dtype, t, []uint64{uint64(s.OutC)}); err != nil {
			return nil, err
		}
	}

	meta := map[string]string{"format": "pt", "architecture": a.Name}
	data, err := safetensors.Serialize(views, meta)
	if err != nil {
		return nil, errs.Weights(err, "failed to serialize weights")
	}
	return data, nil
}

func encodeView(values []float32, dtype safetensors.DType, t NumericType, shape []uint64) (safetensors.TensorView, error) {
	raw, err := EncodeFloats(values, t)
	if err != nil {
		return safetensors.TensorView{}, errs.Weights(err, "cannot encode tensor")
	}
	tv, err := safetensors.NewTensorView(dtype, shape, raw)
	if err != nil {
		return safetensors.TensorView{}, errs.Weights(err, "cannot build tensor view")
	}
	return tv, nil
}
