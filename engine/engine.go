// Package engine drives pixel-space optimization of a canvas against a loss
// computed by a frozen feature extractor, and wires the complete style
// transfer pipeline around it.
package engine

import (
	"errors"
	"io"
	"log"
	"math"
	"time"

	"github.com/openfluke/artstyle/errs"
	"github.com/openfluke/artstyle/optim"
)

// State is the lifecycle of one run.
type State int

const (
	StateInitialized State = iota
	StateRunning
	StateCompleted
	StateDiverged
	// StateFailed ends a run aborted by an objective or device error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateDiverged:
		return "diverged"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ProgressEvent is passed to the progress callback.
type ProgressEvent struct {
	Iteration   int
	Loss        float64
	Evaluations int
	Elapsed     time.Duration
}

// Objective is the differentiable function minimized by Run. Evaluate writes
// the gradient at x into grad and returns the loss.
type Objective interface {
	Evaluate(x, grad []float64) (float64, error)
}

// Func adapts a plain function to Objective.
type Func optim.Objective

// Evaluate calls f.
func (f Func) Evaluate(x, grad []float64) (float64, error) { return f(x, grad) }

// mixedPrecision is implemented by objectives that can evaluate in reduced
// precision.
type mixedPrecision interface {
	SetMixedPrecision(on bool)
}

// Options configure Run.
type Options struct {
	Iterations   int
	LearningRate float64
	Optimizer    optim.Kind

	// MixedPrecision asks the objective to evaluate in reduced precision.
	// The canvas and optimizer state stay float64 on the host either way.
	MixedPrecision bool

	// Vectors holds optimizer state; nil keeps it in host memory.
	Vectors optim.Vectors
	// CPUOffload keeps optimizer state in host memory even when Vectors is
	// set.
	CPUOffload bool

	// LoggingInterval is the number of iterations between progress
	// callbacks. Zero disables them.
	LoggingInterval int
	Progress        func(ProgressEvent)
}

// RunStats summarizes a finished or aborted run.
type RunStats struct {
	State       State
	Optimizer   string
	Iterations  int
	Evaluations int
	FinalLoss   float64
	// Losses holds the loss after every completed iteration.
	Losses   []float64
	Duration time.Duration
}

// Engine runs the optimization loop. An Engine may be reused for several
// runs, one at a time.
type Engine struct {
	logger *log.Logger
	state  State
}

// New returns an engine that logs to logger; nil discards.
func New(logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{logger: logger}
}

// State returns the state of the current or last run.
func (e *Engine) State() State { return e.state }

// Run minimizes obj starting from canvas and returns the final canvas.
// Exactly opts.Iterations optimizer steps are taken unless the loss becomes
// non-finite, in which case Run returns a nil canvas and a
// *errs.DivergedError carrying the last finite iteration and loss. canvas is
// not modified.
func (e *Engine) Run(canvas []float64, obj Objective, opts Options) ([]float64, *RunStats, error) {
	e.state = StateInitialized
	if opts.Iterations < 0 {
		return nil, nil, errs.Configuration("iterations must not be negative, got %d", opts.Iterations).
			WithContext("option", "iterations")
	}
	if opts.LoggingInterval < 0 {
		return nil, nil, errs.Configuration("logging interval must not be negative, got %d", opts.LoggingInterval).
			WithContext("option", "logging_interval")
	}
	if obj == nil {
		return nil, nil, errs.Configuration("nil objective")
	}
	vecs := opts.Vectors
	if vecs == nil || opts.CPUOffload {
		vecs = optim.HostVectors{}
	}
	mp, ok := obj.(mixedPrecision)
	if ok {
		mp.SetMixedPrecision(opts.MixedPrecision)
	} else if opts.MixedPrecision {
		e.logger.Printf("[engine] objective has no reduced precision path, evaluating in full precision")
	}
	opt, err := optim.New(opts.Optimizer, opts.LearningRate, vecs)
	if err != nil {
		return nil, nil, err
	}
	// State is per run.
	opt.Reset()
	defer opt.Reset()

	x := make([]float64, len(canvas))
	copy(x, canvas)
	stats := &RunStats{Optimizer: opt.Name(), FinalLoss: math.NaN(), Losses: make([]float64, 0, opts.Iterations)}
	start := time.Now()
	e.state = StateRunning
	e.logger.Printf("[engine] %s: %d iterations, lr %g, state on %s", opt.Name(), opts.Iterations, opts.LearningRate, vecs.Name())

	lastIter, lastLoss := 0, math.NaN()
	diverged := func(cause error) ([]float64, *RunStats, error) {
		e.state = StateDiverged
		stats.State = StateDiverged
		stats.Duration = time.Since(start)
		e.logger.Printf("[engine] diverged after iteration %d (last finite loss %g)", lastIter, lastLoss)
		return nil, stats, &errs.DivergedError{Iteration: lastIter, Loss: lastLoss, Cause: cause}
	}

	for it := 1; it <= opts.Iterations; it++ {
		res, err := opt.Step(x, obj.Evaluate)
		stats.Evaluations += res.Evaluations
		if err != nil {
			if errors.Is(err, optim.ErrNonFinite) {
				return diverged(err)
			}
			e.state, stats.State = StateFailed, StateFailed
			return nil, stats, err
		}
		if err := vecs.Err(); err != nil {
			e.state, stats.State = StateFailed, StateFailed
			return nil, stats, errs.DeviceUnavailable(err, "optimizer state device failed")
		}
		if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
			return diverged(nil)
		}
		lastIter, lastLoss = it, res.Loss
		stats.Iterations = it
		stats.FinalLoss = res.Loss
		stats.Losses = append(stats.Losses, res.Loss)

		if opts.LoggingInterval > 0 && it%opts.LoggingInterval == 0 {
			ev := ProgressEvent{Iteration: it, Loss: res.Loss, Evaluations: stats.Evaluations, Elapsed: time.Since(start)}
			e.logger.Printf("[engine] iteration %d/%d loss %.6g (%d evaluations)", it, opts.Iterations, res.Loss, ev.Evaluations)
			if opts.Progress != nil {
				opts.Progress(ev)
			}
		}
	}

	e.state = StateCompleted
	stats.State = StateCompleted
	stats.Duration = time.Since(start)
	return x, stats, nil
}
