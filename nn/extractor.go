package nn

import (
	"fmt"
	"io"
	"log"
	"slices"

	"github.com/openfluke/artstyle/errs"
)

// ImageNet statistics applied by the normalization stage.
var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ExtractorOptions configures an Extractor.
type ExtractorOptions struct {
	// AvgPool replaces max pooling with average pooling.
	AvgPool bool

	// Backend performs GEMMs and parallel loops. Required.
	Backend Backend

	// Logger receives construction messages; nil discards them.
	Logger *log.Logger
}

// Extractor evaluates a frozen feature stack and backpropagates gradients of
// its activations to the input image. It holds no per-call state, so one
// Extractor may serve concurrent callers.
type Extractor struct {
	arch   *Architecture
	convs  []*convLayer // indexed by stage; nil for non-conv stages
	avg    bool
	be     Backend
	logger *log.Logger
}

// NewExtractor validates weights against the architecture and prepares the
// convolution matrices.
func NewExtractor(a *Architecture, w *Weights, opts ExtractorOptions) (*Extractor, error) {
	if a == nil {
		return nil, errs.Configuration("nil architecture")
	}
	if opts.Backend == nil {
		return nil, errs.Configuration("extractor needs a backend")
	}
	if err := w.Validate(a); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	e := &Extractor{
		arch:   a,
		convs:  make([]*convLayer, len(a.Stages)),
		avg:    opts.AvgPool,
		be:     opts.Backend,
		logger: logger,
	}
	for i, s := range a.Stages {
		if s.Kind != StageConv {
			continue
		}
		cw := w.Convs[s.ID]
		// Copies keep the caller's Weights untouched.
		e.convs[i] = newConvLayer(s.InC, s.OutC, slices.Clone(cw.Kernel), slices.Clone(cw.Bias))
	}
	pool := "max"
	if e.avg {
		pool = "avg"
	}
	logger.Printf("[nn] extractor ready: %s, %s pooling, backend %s", a.Describe(), pool, e.be.Name())
	return e, nil
}

// Architecture returns the feature stack.
func (e *Extractor) Architecture() *Architecture { return e.arch }

// Backend returns the compute backend.
func (e *Extractor) Backend() Backend { return e.be }

// Catalog lists every identifier Extract accepts.
func (e *Extractor) Catalog() []string { return e.arch.Catalog() }

// Has reports whether id is in the catalog.
func (e *Extractor) Has(id string) bool { return e.arch.Has(id) }

// Validate returns an UNKNOWN_LAYER error for the first identifier not in the
// catalog.
func (e *Extractor) Validate(layers []string) error {
	_, err := e.arch.Deepest(layers)
	return err
}

func unknownLayer(id string) error { return errs.UnknownLayer(id) }

// Trace records what a forward pass needs for Backward.
type Trace struct {
	precision Precision
	deepest   int
	inH, inW  int
	outputs   []*Tensor // ReLU outputs, indexed by stage
	argmax    [][]int32 // max-pool winners, indexed by stage
	dims      [][2]int  // input H,W of each stage
}

// Extract runs the network in full precision. See ExtractPrecision.
func (e *Extractor) Extract(img *Tensor, layers []string) (FeatureMap, *Trace, error) {
	return e.ExtractPrecision(img, layers, Precision{})
}

// ExtractPrecision runs the network on img ([C,H,W] in [0,1]) up to the
// deepest requested layer and returns the activations of every requested
// layer. Returned tensors are owned by the caller.
func (e *Extractor) ExtractPrecision(img *Tensor, layers []string, prec Precision) (FeatureMap, *Trace, error) {
	if img == nil || img.Size() == 0 {
		return nil, nil, errs.UnsupportedInput("empty image")
	}
	if img.C != e.arch.InputChannels {
		return nil, nil, errs.UnsupportedInput("image has %d channels, extractor expects %d", img.C, e.arch.InputChannels).
			WithContext("shape", fmt.Sprint(img.Shape()))
	}
	if len(img.Data) != img.Size() {
		return nil, nil, errs.UnsupportedInput("tensor data does not match its shape")
	}
	if len(layers) == 0 {
		return FeatureMap{}, &Trace{deepest: -1, inH: img.H, inW: img.W, precision: prec}, nil
	}
	deepest, err := e.arch.Deepest(layers)
	if err != nil {
		return nil, nil, err
	}
	wanted := make(map[int]string, len(layers))
	for _, id := range layers {
		wanted[e.arch.StageIndex(id)] = id
	}

	tr := &Trace{
		precision: prec,
		deepest:   deepest,
		inH:       img.H,
		inW:       img.W,
		outputs:   make([]*Tensor, deepest+1),
		argmax:    make([][]int32, deepest+1),
		dims:      make([][2]int, deepest+1),
	}
	feats := make(FeatureMap, len(layers))

	x := e.normalize(img)
	prec.apply(x, e.be)
	for i := 0; i <= deepest; i++ {
		s := e.arch.Stages[i]
		if s.Kind != StagePool && (x.H == 0 || x.W == 0) {
			return nil, nil, errs.UnsupportedInput("image too small: no pixels left before %s", s.ID)
		}
		tr.dims[i] = [2]int{x.H, x.W}

		var y *Tensor
		switch s.Kind {
		case StageConv:
			if y, err = e.convs[i].forward(x, e.be); err != nil {
				return nil, nil, err
			}
		case StageReLU:
			y = reluForward(x, e.be)
			tr.outputs[i] = y
		case StagePool:
			if x.H < 2 || x.W < 2 {
				return nil, nil, errs.UnsupportedInput("image too small to pool at %s (%dx%d)", s.ID, x.W, x.H)
			}
			y, tr.argmax[i] = poolForward(x, e.avg, e.be)
		}
		prec.apply(y, e.be)

		if id, ok := wanted[i]; ok {
			if s.Kind == StageReLU {
				// The trace keeps y for the ReLU mask; hand out a copy.
				feats[id] = y.Clone()
			} else {
				feats[id] = y
			}
		}
		x = y
	}
	return feats, tr, nil
}

// Backward propagates grads (dLoss/dActivation per layer, as returned by a
// loss over the features of Extract) through the network and returns
// dLoss/dImage in pixel space. Layers absent from grads contribute nothing.
func (e *Extractor) Backward(tr *Trace, grads FeatureMap) (*Tensor, error) {
	if tr == nil {
		return nil, errs.Configuration("backward needs the trace of a forward pass")
	}
	var g *Tensor
	for i := tr.deepest; i >= 0; i-- {
		s := e.arch.Stages[i]
		if dg, ok := grads[s.ID]; ok && dg != nil {
			if g == nil {
				g = dg.Clone()
			} else {
				if !g.SameShape(dg) {
					return nil, errs.Configuration("gradient for %s has shape %v, want %v", s.ID, dg.Shape(), g.Shape())
				}
				addInto(g.Data, dg.Data)
			}
		}
		if g == nil {
			continue
		}

		var err error
		switch s.Kind {
		case StageConv:
			g, err = e.convs[i].backward(g, e.be)
		case StageReLU:
			g = reluBackward(g, tr.outputs[i], e.be)
		case StagePool:
			g = poolBackward(g, tr.dims[i][0], tr.dims[i][1], e.avg, tr.argmax[i], e.be)
		}
		if err != nil {
			return nil, err
		}
		tr.precision.apply(g, e.be)
	}

	if g == nil {
		return NewTensor(e.arch.InputChannels, tr.inH, tr.inW), nil
	}
	e.normalizeBackward(g)
	return g, nil
}

// normalize maps [0,1] pixels to ImageNet-standardized values. Inputs with
// other than three channels use the mean of the three statistics.
func (e *Extractor) normalize(img *Tensor) *Tensor {
	out := NewTensor(img.C, img.H, img.W)
	for c := 0; c < img.C; c++ {
		mean, std := channelStats(c, img.C)
		src, dst := img.Plane(c), out.Plane(c)
		inv := 1 / std
		for i, v := range src {
			dst[i] = (v - mean) * inv
		}
	}
	return out
}

func (e *Extractor) normalizeBackward(g *Tensor) {
	for c := 0; c < g.C; c++ {
		_, std := channelStats(c, g.C)
		inv := 1 / std
		plane := g.Plane(c)
		for i := range plane {
			plane[i] *= inv
		}
	}
}

func channelStats(c, channels int) (float32, float32) {
	if channels == 3 {
		return imagenetMean[c], imagenetStd[c]
	}
	var m, s float32
	for i := range imagenetMean {
		m += imagenetMean[i]
		s += imagenetStd[i]
	}
	return m / 3, s / 3
}

func addInto(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}
