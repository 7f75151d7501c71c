package engine

import (
	"github.com/openfluke/artstyle/errs"
	"github.com/openfluke/artstyle/loss"
	"github.com/openfluke/artstyle/nn"
)

// FeatureObjective evaluates the style transfer loss of a flat canvas: the
// canvas is run through the extractor, scored by the loss model and the
// activation gradients are propagated back to pixels.
type FeatureObjective struct {
	ext     *nn.Extractor
	model   *loss.Model
	targets *loss.Targets
	layers  []string

	img    *nn.Tensor
	mixed  bool
	scaler *lossScaler

	last  loss.Breakdown
	evals int
}

// NewFeatureObjective prepares an objective over canvases shaped like shape.
func NewFeatureObjective(ext *nn.Extractor, model *loss.Model, targets *loss.Targets, shape *nn.Tensor) (*FeatureObjective, error) {
	if ext == nil || model == nil || targets == nil {
		return nil, errs.Configuration("objective needs an extractor, a loss model and targets")
	}
	if shape == nil || shape.Size() == 0 {
		return nil, errs.UnsupportedInput("empty canvas")
	}
	layers := model.Layers()
	if err := ext.Validate(layers); err != nil {
		return nil, err
	}
	return &FeatureObjective{
		ext:     ext,
		model:   model,
		targets: targets,
		layers:  layers,
		img:     nn.NewTensor(shape.C, shape.H, shape.W),
		scaler:  newLossScaler(),
	}, nil
}

// SetMixedPrecision switches bfloat16 activations and loss scaling on or off.
func (o *FeatureObjective) SetMixedPrecision(on bool) { o.mixed = on }

// Last returns the breakdown of the most recent evaluation.
func (o *FeatureObjective) Last() loss.Breakdown { return o.last }

// Evaluations counts calls to Evaluate.
func (o *FeatureObjective) Evaluations() int { return o.evals }

// Evaluate implements Objective. A non-finite loss is returned with a zero
// gradient and no error; deciding what it means is up to the optimizer.
func (o *FeatureObjective) Evaluate(x, grad []float64) (float64, error) {
	if len(x) != len(o.img.Data) || len(grad) != len(x) {
		return 0, errs.Configuration("canvas has %d values, objective expects %d", len(x), len(o.img.Data))
	}
	o.evals++
	for i, v := range x {
		o.img.Data[i] = float32(v)
	}

	feats, tr, err := o.ext.ExtractPrecision(o.img, o.layers, nn.Precision{Reduced: o.mixed})
	if err != nil {
		return 0, err
	}
	b, grads, err := o.model.Compute(feats, o.targets)
	if err != nil {
		return 0, err
	}
	o.last = b
	if !b.Finite() {
		clear(grad)
		return b.Total, nil
	}

	var g *nn.Tensor
	if o.mixed {
		g, err = o.scaler.backward(func(k float32) (*nn.Tensor, error) {
			return o.ext.Backward(tr, scaled(grads, k))
		})
	} else {
		g, err = o.ext.Backward(tr, grads)
	}
	if err != nil {
		return 0, err
	}
	for i, v := range g.Data {
		grad[i] = float64(v)
	}
	return b.Total, nil
}
