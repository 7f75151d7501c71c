package engine

import (
	"bytes"
	"errors"
	"log"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/artstyle/errs"
	"github.com/openfluke/artstyle/nn"
	"github.com/openfluke/artstyle/optim"
)

// bowl is Σ (i+1)·(x_i − 1)².
func bowl(x, grad []float64) (float64, error) {
	var f float64
	for i, v := range x {
		k := float64(i + 1)
		f += k * (v - 1) * (v - 1)
		grad[i] = 2 * k * (v - 1)
	}
	return f, nil
}

func TestRunTakesExactlyIterations(t *testing.T) {
	for _, kind := range []optim.Kind{optim.KindLBFGS, optim.KindAdam} {
		t.Run(string(kind), func(t *testing.T) {
			e := New(nil)
			start := []float64{0, 0, 0, 0}
			out, stats, err := e.Run(start, Func(bowl), Options{Iterations: 7, LearningRate: 0.5, Optimizer: kind})
			require.NoError(t, err)

			assert.Equal(t, StateCompleted, e.State())
			assert.Equal(t, StateCompleted, stats.State)
			assert.Equal(t, 7, stats.Iterations)
			assert.Len(t, stats.Losses, 7)
			assert.GreaterOrEqual(t, stats.Evaluations, 7)
			assert.Equal(t, string(kind), stats.Optimizer)
			assert.Equal(t, []float64{0, 0, 0, 0}, start, "input canvas must not change")
			assert.Less(t, stats.FinalLoss, 10.0)
			assert.Len(t, out, 4)
		})
	}
}

func TestRunZeroIterations(t *testing.T) {
	out, stats, err := New(nil).Run([]float64{3, 4}, Func(bowl), Options{LearningRate: 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, out)
	assert.Zero(t, stats.Iterations)
	assert.Zero(t, stats.Evaluations)
	assert.True(t, math.IsNaN(stats.FinalLoss))
}

func TestRunProgressInterval(t *testing.T) {
	var buf bytes.Buffer
	var seen []int
	_, _, err := New(log.New(&buf, "", 0)).Run([]float64{0, 0}, Func(bowl), Options{
		Iterations:      10,
		LearningRate:    1,
		LoggingInterval: 3,
		Progress: func(ev ProgressEvent) {
			seen = append(seen, ev.Iteration)
			assert.False(t, math.IsNaN(ev.Loss))
			assert.Positive(t, ev.Evaluations)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 6, 9}, seen)
	assert.Contains(t, buf.String(), "[engine] iteration 9/10")

	seen = nil
	_, _, err = New(nil).Run([]float64{0, 0}, Func(bowl), Options{
		Iterations:   5,
		LearningRate: 1,
		Progress:     func(ev ProgressEvent) { seen = append(seen, ev.Iteration) },
	})
	require.NoError(t, err)
	assert.Empty(t, seen, "interval 0 disables progress")
}

func TestRunLBFGSLossIsMonotone(t *testing.T) {
	_, stats, err := New(nil).Run(make([]float64, 6), Func(bowl), Options{Iterations: 20, LearningRate: 1})
	require.NoError(t, err)
	for i := 1; i < len(stats.Losses); i++ {
		assert.LessOrEqual(t, stats.Losses[i], stats.Losses[i-1])
	}
	assert.Less(t, stats.FinalLoss, 1e-4)
}

func TestRunDivergesWithLastFinitePoint(t *testing.T) {
	calls := 0
	obj := func(x, grad []float64) (float64, error) {
		calls++
		for i := range grad {
			grad[i] = 1
		}
		if calls > 3 {
			return math.NaN(), nil
		}
		return 10 - float64(calls), nil
	}

	e := New(nil)
	out, stats, err := e.Run([]float64{1, 2}, Func(obj), Options{Iterations: 10, LearningRate: 0.01, Optimizer: optim.KindAdam})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, errs.IsDiverged(err))

	var de *errs.DivergedError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 3, de.Iteration)
	assert.Equal(t, 7.0, de.Loss)
	assert.Equal(t, StateDiverged, e.State())
	assert.Equal(t, StateDiverged, stats.State)
	assert.Equal(t, 4, stats.Evaluations)
	assert.Equal(t, []float64{9, 8, 7}, stats.Losses)
}

func TestRunDivergesAtStart(t *testing.T) {
	inf := func(x, grad []float64) (float64, error) { return math.Inf(1), nil }
	_, _, err := New(nil).Run([]float64{1}, Func(inf), Options{Iterations: 3, LearningRate: 1})

	var de *errs.DivergedError
	require.True(t, errors.As(err, &de))
	assert.Zero(t, de.Iteration)
	assert.True(t, math.IsNaN(de.Loss))
}

func TestRunPropagatesObjectiveErrors(t *testing.T) {
	boom := errors.New("boom")
	e := New(nil)
	_, _, err := e.Run([]float64{1}, Func(func(x, grad []float64) (float64, error) { return 0, boom }),
		Options{Iterations: 3, LearningRate: 1})
	assert.ErrorIs(t, err, boom)
	assert.False(t, errs.IsDiverged(err))
	assert.Equal(t, StateFailed, e.State())
	assert.Equal(t, "failed", e.State().String())
}

func TestRunRejectsBadOptions(t *testing.T) {
	e := New(nil)
	_, _, err := e.Run([]float64{1}, Func(bowl), Options{Iterations: -1, LearningRate: 1})
	assert.True(t, errs.IsConfiguration(err))
	_, _, err = e.Run([]float64{1}, Func(bowl), Options{Iterations: 1, LearningRate: 0})
	assert.True(t, errs.IsConfiguration(err))
	_, _, err = e.Run([]float64{1}, Func(bowl), Options{Iterations: 1, LearningRate: 1, LoggingInterval: -2})
	assert.True(t, errs.IsConfiguration(err))
	_, _, err = e.Run([]float64{1}, nil, Options{Iterations: 1, LearningRate: 1})
	assert.True(t, errs.IsConfiguration(err))
}

type brokenVectors struct{ optim.HostVectors }

func (brokenVectors) Name() string { return "broken" }
func (brokenVectors) Err() error   { return errors.New("device lost") }

func TestRunSurfacesStateDeviceErrors(t *testing.T) {
	e := New(nil)
	_, stats, err := e.Run([]float64{0, 0}, Func(bowl), Options{
		Iterations:   2,
		LearningRate: 1,
		Vectors:      brokenVectors{},
	})
	assert.True(t, errs.IsDeviceUnavailable(err))
	assert.Equal(t, StateFailed, e.State())
	assert.Equal(t, StateFailed, stats.State)

	// Offloading keeps state on the host, so the broken device is never used.
	_, stats, err = New(nil).Run([]float64{0, 0}, Func(bowl), Options{
		Iterations:   2,
		LearningRate: 1,
		Vectors:      brokenVectors{},
		CPUOffload:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Iterations)
}

type precisionRecorder struct {
	mixed bool
}

func (p *precisionRecorder) SetMixedPrecision(on bool)                   { p.mixed = on }
func (p *precisionRecorder) Evaluate(x, grad []float64) (float64, error) { return bowl(x, grad) }

func TestRunForwardsMixedPrecision(t *testing.T) {
	rec := &precisionRecorder{}
	_, _, err := New(nil).Run([]float64{0}, rec, Options{Iterations: 1, LearningRate: 1, MixedPrecision: true})
	require.NoError(t, err)
	assert.True(t, rec.mixed)
}

func TestLossScalerBacksOffOnOverflow(t *testing.T) {
	s := newLossScaler()
	var tried []float32
	g, err := s.backward(func(k float32) (*nn.Tensor, error) {
		tried = append(tried, k)
		v := 3 * k
		if k > 8 {
			v = float32(math.Inf(1))
		}
		return nn.NewTensorFromSlice([]float32{v, -v}, 1, 1, 2), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{3, -3}, g.Data)
	assert.Equal(t, float32(8), tried[len(tried)-1])
	assert.Equal(t, 8.0, s.scale)
	assert.Equal(t, 1, s.clean)
}

func TestLossScalerGrows(t *testing.T) {
	s := newLossScaler()
	run := func(k float32) (*nn.Tensor, error) { return nn.NewTensorFromSlice([]float32{k}, 1, 1, 1), nil }
	for range scaleGrowthSteps {
		_, err := s.backward(run)
		require.NoError(t, err)
	}
	assert.Equal(t, 2.0*initialLossScale, s.scale)
	assert.Zero(t, s.clean)
}

func TestLossScalerGivesUpAtUnitScale(t *testing.T) {
	s := &lossScaler{scale: 2}
	g, err := s.backward(func(k float32) (*nn.Tensor, error) {
		return nn.NewTensorFromSlice([]float32{float32(math.NaN())}, 1, 1, 1), nil
	})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(g.Data[0])))
	assert.Equal(t, 1.0, s.scale)
}
