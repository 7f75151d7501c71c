package optim

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Adam is the bias-corrected adaptive moment optimizer. It makes one
// objective evaluation per step and always moves x.
type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	vecs Vectors
	x, g Vector
	m, v Vector
	grad []float64
	t    int
}

// NewAdam returns Adam with β1 0.9, β2 0.999 and ε 1e-8.
func NewAdam(lr float64, vecs Vectors) *Adam {
	if vecs == nil {
		vecs = HostVectors{}
	}
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, vecs: vecs}
}

func (o *Adam) Name() string { return "adam" }

// Reset clears both moment estimates and the step counter.
func (o *Adam) Reset() {
	for _, v := range []Vector{o.x, o.g, o.m, o.v} {
		if v != nil {
			o.vecs.Free(v)
		}
	}
	o.x, o.g, o.m, o.v = nil, nil, nil, nil
	o.grad = nil
	o.t = 0
}

// Step evaluates f at x and applies one update. The reported loss is the
// value before the update.
func (o *Adam) Step(x []float64, f Objective) (StepResult, error) {
	n := len(x)
	if o.m == nil || o.m.Len() != n {
		o.Reset()
		o.x, o.g = o.vecs.New(n), o.vecs.New(n)
		o.m, o.v = o.vecs.New(n), o.vecs.New(n)
		o.grad = make([]float64, n)
	}
	loss, err := f(x, o.grad)
	res := StepResult{Loss: loss, Evaluations: 1}
	if err != nil {
		return res, err
	}
	if !finite(loss) || !finite(floats.Norm(o.grad, 1)) {
		return res, ErrNonFinite
	}

	o.t++
	o.vecs.Set(o.x, x)
	o.vecs.Set(o.g, o.grad)
	o.vecs.Adam(o.x, o.m, o.v, o.g, AdamStep{
		LR:          o.LR,
		Beta1:       o.Beta1,
		Beta2:       o.Beta2,
		Epsilon:     o.Epsilon,
		Correction1: 1 - math.Pow(o.Beta1, float64(o.t)),
		Correction2: 1 - math.Pow(o.Beta2, float64(o.t)),
	})
	o.vecs.Get(x, o.x)
	res.Accepted = true
	return res, nil
}
