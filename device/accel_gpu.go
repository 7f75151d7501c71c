//go:build gpu

package device

import (
	"log"

	"github.com/openfluke/artstyle/detector"
	"github.com/openfluke/artstyle/gpu"
	"github.com/openfluke/artstyle/nn"
	"github.com/openfluke/artstyle/optim"
)

type webgpu struct {
	name    string
	backend *gpu.Backend
	vectors *gpu.Vectors
}

func openAccelerator(logger *log.Logger, workers int) (accelerator, error) {
	be, err := gpu.NewBackend(logger, workers)
	if err != nil {
		return nil, err
	}
	vecs, err := gpu.NewVectors(be.Context())
	if err != nil {
		be.Close()
		return nil, err
	}
	name := be.Context().AdapterName
	if rep, err := detector.Detect(); err == nil {
		name = rep.Summary()
		logger.Printf("[device] largest canvas side for one-binding conv1: %d", rep.Recommended.MaxArea)
	}
	return &webgpu{name: name, backend: be, vectors: vecs}, nil
}

func (w *webgpu) Name() string           { return w.name }
func (w *webgpu) Backend() nn.Backend    { return w.backend }
func (w *webgpu) Vectors() optim.Vectors { return w.vectors }

func (w *webgpu) Close() {
	w.vectors.Close()
	w.backend.Close()
}
