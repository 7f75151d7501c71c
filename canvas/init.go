package canvas

import (
	"image"
	"math/rand/v2"

	"github.com/openfluke/artstyle/errs"
	"github.com/openfluke/artstyle/nn"
)

// Policy names how a canvas was initialized.
type Policy string

const (
	PolicyContent Policy = "content"
	PolicyImage   Policy = "init_image"
	PolicyRandom  Policy = "random"
)

// NewRNG returns a generator for one run. A nil seed draws a fresh seed, so
// results are not reproducible.
func NewRNG(seed *uint64) *rand.Rand {
	if seed == nil {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
}

// Initialize builds the starting canvas. The content image is resized so its
// longer side is area; init, when given, is resized to the same dimensions.
// Precedence is init image, then random noise, then a copy of the content.
func Initialize(content image.Image, area int, init image.Image, random bool, rng *rand.Rand) (*nn.Tensor, Policy, error) {
	ct, err := Load(content, area)
	if err != nil {
		return nil, "", err
	}
	var it *nn.Tensor
	if init != nil {
		r, err := ResizeTo(init, ct.W, ct.H)
		if err != nil {
			return nil, "", err
		}
		if it, err = FromImage(r); err != nil {
			return nil, "", err
		}
	}
	return Start(ct, it, random, rng)
}

// Start picks the starting canvas from tensors already at the target size.
// The returned tensor never aliases content or init.
func Start(content, init *nn.Tensor, random bool, rng *rand.Rand) (*nn.Tensor, Policy, error) {
	if content == nil || content.Size() == 0 {
		return nil, "", errs.UnsupportedInput("empty content image")
	}
	switch {
	case init != nil:
		if !init.SameShape(content) {
			return nil, "", errs.UnsupportedInput("init image is %v, content is %v", init, content)
		}
		return init.Clone(), PolicyImage, nil
	case random:
		if rng == nil {
			rng = NewRNG(nil)
		}
		return Noise(content.C, content.H, content.W, rng), PolicyRandom, nil
	default:
		return content.Clone(), PolicyContent, nil
	}
}

// Noise returns a tensor of uniform values in [0,1).
func Noise(c, h, w int, rng *rand.Rand) *nn.Tensor {
	t := nn.NewTensor(c, h, w)
	for i := range t.Data {
		t.Data[i] = rng.Float32()
	}
	return t
}
