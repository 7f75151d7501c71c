// Package optim contains the optimizers that move the canvas downhill: a
// limited-memory BFGS with backtracking line search and Adam.
//
// Both work on a flat []float64 canvas that stays on the host in full
// precision. Their internal state lives in a Vectors implementation, which
// may keep it in host memory or on an accelerator.
package optim

import (
	"math"
	"strings"

	"github.com/openfluke/artstyle/errs"
)

// Objective evaluates the loss at x and writes its gradient into grad, which
// has the same length as x.
type Objective func(x, grad []float64) (float64, error)

// StepResult describes one optimizer step.
type StepResult struct {
	// Loss is the objective value the step settled on.
	Loss float64
	// Evaluations counts objective calls made during the step.
	Evaluations int
	// Accepted is false when the step left x unchanged.
	Accepted bool
}

// Optimizer updates x in place, one step at a time.
type Optimizer interface {
	Step(x []float64, f Objective) (StepResult, error)
	// Reset drops all state so the next Step starts fresh.
	Reset()
	Name() string
}

// ErrNonFinite is returned when the objective yields NaN or ±Inf at the point
// the optimizer must start from.
var ErrNonFinite = errs.New(errs.CodeDiverged, errs.CategoryNumeric, "objective is not finite")

// Kind selects an optimizer.
type Kind string

const (
	KindLBFGS Kind = "lbfgs"
	KindAdam  Kind = "adam"
)

// ParseKind validates an optimizer name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", KindLBFGS:
		return KindLBFGS, nil
	case KindAdam:
		return KindAdam, nil
	}
	return "", errs.Configuration("unknown optimizer %q (want lbfgs or adam)", s).
		WithContext("option", "optimizer")
}

// New returns an optimizer of the given kind. A nil vecs keeps state in host
// memory.
func New(kind Kind, lr float64, vecs Vectors) (Optimizer, error) {
	if math.IsNaN(lr) || math.IsInf(lr, 0) || lr <= 0 {
		return nil, errs.Configuration("learning rate must be positive and finite, got %v", lr).
			WithContext("option", "learning_rate")
	}
	if vecs == nil {
		vecs = HostVectors{}
	}
	switch kind {
	case KindLBFGS, "":
		return NewLBFGS(lr, vecs), nil
	case KindAdam:
		return NewAdam(lr, vecs), nil
	}
	return nil, errs.Configuration("unknown optimizer %q", kind).WithContext("option", "optimizer")
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
