package engine

import (
	"math"

	"github.com/openfluke/artstyle/nn"
)

const (
	initialLossScale = 1 << 16
	scaleGrowthSteps = 200
)

// lossScaler keeps activation gradients away from the bfloat16 flush-to-zero
// range. Gradients are multiplied by scale before the backward pass and
// divided by it afterwards. An overflow halves the scale and repeats the
// backward pass; a run of clean passes doubles it.
type lossScaler struct {
	scale float64
	clean int
}

func newLossScaler() *lossScaler {
	return &lossScaler{scale: initialLossScale}
}

// backward calls run with the current scale until it produces a finite
// gradient, and returns that gradient unscaled. When even a unit scale
// overflows the non-finite gradient is returned as is.
func (s *lossScaler) backward(run func(scale float32) (*nn.Tensor, error)) (*nn.Tensor, error) {
	for {
		g, err := run(float32(s.scale))
		if err != nil {
			return nil, err
		}
		if allFinite(g.Data) {
			inv := float32(1 / s.scale)
			for i := range g.Data {
				g.Data[i] *= inv
			}
			s.clean++
			if s.clean >= scaleGrowthSteps {
				s.scale *= 2
				s.clean = 0
			}
			return g, nil
		}
		s.clean = 0
		if s.scale <= 1 {
			return g, nil
		}
		s.scale /= 2
	}
}

func scaled(grads nn.FeatureMap, k float32) nn.FeatureMap {
	out := make(nn.FeatureMap, len(grads))
	for id, g := range grads {
		c := g.Clone()
		for i := range c.Data {
			c.Data[i] *= k
		}
		out[id] = c
	}
	return out
}

func allFinite(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
