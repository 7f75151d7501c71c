package optim

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	// DefaultHistory is the number of curvature pairs L-BFGS remembers.
	DefaultHistory = 100

	armijoC1     = 1e-4
	shrink       = 0.5
	maxTrials    = 20
	curvatureEps = 1e-10
)

// LBFGS is limited-memory BFGS with an Armijo backtracking line search.
// A step never raises the loss: when no trial point satisfies the sufficient
// decrease condition x is left as it was and the curvature history is
// cleared.
type LBFGS struct {
	LR      float64
	History int

	vecs Vectors
	s, y []Vector
	rho  []float64
	yy   []float64

	loss   float64
	grad   []float64
	cached bool
	q      Vector
}

// NewLBFGS returns an L-BFGS optimizer with DefaultHistory pairs.
func NewLBFGS(lr float64, vecs Vectors) *LBFGS {
	if vecs == nil {
		vecs = HostVectors{}
	}
	return &LBFGS{LR: lr, History: DefaultHistory, vecs: vecs}
}

func (o *LBFGS) Name() string { return "lbfgs" }

// Reset forgets curvature history and the cached loss.
func (o *LBFGS) Reset() {
	o.clearHistory()
	if o.q != nil {
		o.vecs.Free(o.q)
		o.q = nil
	}
	o.cached = false
	o.grad = nil
}

func (o *LBFGS) clearHistory() {
	for i := range o.s {
		o.vecs.Free(o.s[i])
		o.vecs.Free(o.y[i])
	}
	o.s, o.y, o.rho, o.yy = nil, nil, nil, nil
}

// Step performs one line-searched quasi-Newton update of x. The loss and
// gradient at the accepted point are cached for the next step, so x must
// not be modified between calls without a Reset.
func (o *LBFGS) Step(x []float64, f Objective) (StepResult, error) {
	n := len(x)
	var res StepResult
	if !o.cached || len(o.grad) != n {
		o.Reset()
		o.grad = make([]float64, n)
		loss, err := f(x, o.grad)
		res.Evaluations++
		if err != nil {
			return res, err
		}
		if !finite(loss) {
			return res, ErrNonFinite
		}
		o.loss, o.cached = loss, true
	}
	res.Loss = o.loss

	gnorm1 := floats.Norm(o.grad, 1)
	if !finite(gnorm1) {
		return res, ErrNonFinite
	}
	if gnorm1 == 0 {
		return res, nil
	}

	d := o.direction(n)
	gtd := floats.Dot(o.grad, d)
	if !(gtd < 0) {
		// Stale curvature produced an uphill direction.
		o.clearHistory()
		for i, g := range o.grad {
			d[i] = -g
		}
		gtd = -floats.Dot(o.grad, o.grad)
	}

	t := o.LR
	if len(o.s) == 0 {
		t = math.Min(1, 1/gnorm1) * o.LR
	}
	trial := make([]float64, n)
	gTrial := make([]float64, n)
	for k := 0; k < maxTrials; k++ {
		floats.AddScaledTo(trial, x, t, d)
		loss, err := f(trial, gTrial)
		res.Evaluations++
		if err != nil {
			return res, err
		}
		// Non-finite trials count as failed.
		if finite(loss) && loss <= o.loss+armijoC1*t*gtd {
			y := make([]float64, n)
			floats.SubTo(y, gTrial, o.grad)
			floats.Scale(t, d)
			o.remember(d, y)

			copy(x, trial)
			copy(o.grad, gTrial)
			o.loss = loss
			res.Loss, res.Accepted = loss, true
			return res, nil
		}
		t *= shrink
	}
	o.clearHistory()
	return res, nil
}

// direction returns -H·g using the two-loop recursion over the stored
// curvature pairs.
func (o *LBFGS) direction(n int) []float64 {
	d := make([]float64, n)
	m := len(o.s)
	if m == 0 {
		for i, g := range o.grad {
			d[i] = -g
		}
		return d
	}
	if o.q == nil || o.q.Len() != n {
		if o.q != nil {
			o.vecs.Free(o.q)
		}
		o.q = o.vecs.New(n)
	}
	q := o.q
	o.vecs.Set(q, o.grad)

	alpha := make([]float64, m)
	for i := m - 1; i >= 0; i-- {
		alpha[i] = o.rho[i] * o.vecs.Dot(o.s[i], q)
		o.vecs.AddScaled(q, -alpha[i], o.y[i])
	}
	// Initial Hessian approximation γI with γ = sᵀy / yᵀy of the newest pair.
	o.vecs.Scale(1/(o.rho[m-1]*o.yy[m-1]), q)
	for i := 0; i < m; i++ {
		beta := o.rho[i] * o.vecs.Dot(o.y[i], q)
		o.vecs.AddScaled(q, alpha[i]-beta, o.s[i])
	}
	o.vecs.Get(d, q)
	floats.Scale(-1, d)
	return d
}

// remember stores the pair (s, y) unless its curvature is too small to keep
// the inverse Hessian approximation positive definite.
func (o *LBFGS) remember(s, y []float64) {
	sy := floats.Dot(s, y)
	if sy <= curvatureEps {
		return
	}
	var sv, yv Vector
	if len(o.s) >= max(1, o.History) {
		sv, yv = o.s[0], o.y[0]
		o.s, o.y, o.rho, o.yy = o.s[1:], o.y[1:], o.rho[1:], o.yy[1:]
	} else {
		sv, yv = o.vecs.New(len(s)), o.vecs.New(len(y))
	}
	o.vecs.Set(sv, s)
	o.vecs.Set(yv, y)
	o.s = append(o.s, sv)
	o.y = append(o.y, yv)
	o.rho = append(o.rho, 1/sy)
	o.yy = append(o.yy, floats.Dot(y, y))
}
