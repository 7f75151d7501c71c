package engine

import (
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/artstyle/canvas"
	"github.com/openfluke/artstyle/config"
	"github.com/openfluke/artstyle/errs"
	"github.com/openfluke/artstyle/loss"
	"github.com/openfluke/artstyle/nn"
)

func tinyArch() *nn.Architecture {
	return nn.NewArchitecture("tiny", 3, [][]int{{4}, {6}})
}

func tinyConfig() *config.Config {
	cfg := config.Default()
	cfg.Area = 16
	cfg.Iterations = 4
	cfg.ContentWeights = loss.MustParseLayerWeights("{relu_2_1: 1}")
	cfg.StyleWeights = loss.MustParseLayerWeights("{relu_1_1: 1, relu_2_1: 1}")
	cfg.PreserveColor = "none"
	cfg.Device = "cpu"
	cfg.Workers = 1
	cfg.LoggingInterval = 1
	cfg.Seed = config.FixedSeed(42)
	return cfg
}

// gradientImage is a smooth 16×12 image with mid-range colors.
func gradientImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 16; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(80 + 6*x),
				G: uint8(120 + 4*y),
				B: uint8(150 - 3*x + 2*y),
				A: 255,
			})
		}
	}
	return img
}

// checkerImage is a high-contrast 12×12 pattern in saturated colors.
func checkerImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 12, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 12; x++ {
			c := color.NRGBA{R: 230, G: 40, B: 30, A: 255}
			if (x/3+y/3)%2 == 1 {
				c = color.NRGBA{R: 20, G: 60, B: 220, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func newTransfer(t *testing.T, cfg *config.Config, progress func(ProgressEvent)) *StyleTransfer {
	t.Helper()
	st, err := NewStyleTransfer(cfg, TransferOptions{
		Architecture: tinyArch(),
		Weights:      nn.RandomWeights(tinyArch(), rand.New(rand.NewPCG(1, 2))),
		Progress:     progress,
	})
	require.NoError(t, err)
	return st
}

func TestStylizeRunsEveryIteration(t *testing.T) {
	var events []ProgressEvent
	st := newTransfer(t, tinyConfig(), func(ev ProgressEvent) { events = append(events, ev) })

	img, rep, err := st.Stylize(Inputs{Content: gradientImage(), Style: checkerImage()})
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 16, 12), img.Bounds())
	assert.Equal(t, 4, rep.Iterations)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Iteration)
	}
	assert.Equal(t, "lbfgs", rep.Optimizer)
	assert.Equal(t, "cpu", rep.Device)
	assert.Equal(t, "host", rep.Placement.State)
	assert.Equal(t, canvas.PolicyContent, rep.Init)
	assert.Equal(t, "42", rep.Seed)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, 4*4*12*16*2+4*4*6*8+2*4*6*6*8, rep.ActivationBytes)
	assert.False(t, math.IsNaN(rep.FinalLoss))
	assert.True(t, rep.Breakdown.Finite())
	assert.Contains(t, rep.String(), rep.RunID)
}

func TestStylizeContentOnlyLossNeverIncreases(t *testing.T) {
	cfg := tinyConfig()
	cfg.StyleWeight = 0
	cfg.InitRandom = true
	cfg.Iterations = 8

	var losses []float64
	st := newTransfer(t, cfg, func(ev ProgressEvent) { losses = append(losses, ev.Loss) })
	_, rep, err := st.Stylize(Inputs{Content: gradientImage(), Style: checkerImage()})
	require.NoError(t, err)

	require.Len(t, losses, 8)
	for i := 1; i < len(losses); i++ {
		assert.LessOrEqual(t, losses[i], losses[i-1], "iteration %d", i+1)
	}
	assert.Less(t, losses[len(losses)-1], losses[0])
	assert.Zero(t, rep.Breakdown.Style)
}

func TestStylizeIsDeterministicWithSeed(t *testing.T) {
	cfg := tinyConfig()
	cfg.InitRandom = true
	cfg.Iterations = 3

	run := func() []uint8 {
		img, _, err := newTransfer(t, cfg, nil).Stylize(Inputs{Content: gradientImage(), Style: checkerImage()})
		require.NoError(t, err)
		return img.(*image.RGBA).Pix
	}
	assert.Equal(t, run(), run())
}

func TestStylizeZeroIterationsReturnsInitialCanvas(t *testing.T) {
	cfg := tinyConfig()
	cfg.InitRandom = true
	cfg.Iterations = 0

	img, rep, err := newTransfer(t, cfg, nil).Stylize(Inputs{Content: gradientImage(), Style: checkerImage()})
	require.NoError(t, err)
	assert.Equal(t, canvas.PolicyRandom, rep.Init)

	seed := uint64(42)
	want, err := canvas.ToImage(canvas.Noise(3, 12, 16, canvas.NewRNG(&seed)))
	require.NoError(t, err)
	assert.Equal(t, want.Pix, img.(*image.RGBA).Pix)
}

func TestStylizeContentOnlyKeepsContent(t *testing.T) {
	cfg := tinyConfig()
	cfg.StyleWeight = 0
	cfg.Iterations = 1

	content := gradientImage()
	img, _, err := newTransfer(t, cfg, nil).Stylize(Inputs{Content: content, Style: checkerImage()})
	require.NoError(t, err)

	out := img.(*image.RGBA)
	for y := 0; y < 12; y++ {
		for x := 0; x < 16; x++ {
			want := content.NRGBAAt(x, y)
			got := out.RGBAAt(x, y)
			assert.InDelta(t, want.R, got.R, 1)
			assert.InDelta(t, want.G, got.G, 1)
			assert.InDelta(t, want.B, got.B, 1)
		}
	}
}

func TestStylizeInitImageTakesPrecedence(t *testing.T) {
	cfg := tinyConfig()
	cfg.InitRandom = true
	cfg.Iterations = 1

	_, rep, err := newTransfer(t, cfg, nil).Stylize(Inputs{
		Content: gradientImage(),
		Style:   checkerImage(),
		Init:    checkerImage(),
	})
	require.NoError(t, err)
	assert.Equal(t, canvas.PolicyImage, rep.Init)
}

func channelMeans(img image.Image) [3]float64 {
	var sum [3]float64
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			sum[0] += float64(c.R) / 255
			sum[1] += float64(c.G) / 255
			sum[2] += float64(c.B) / 255
		}
	}
	n := float64(b.Dx() * b.Dy())
	return [3]float64{sum[0] / n, sum[1] / n, sum[2] / n}
}

func TestStylizePreservesContentColors(t *testing.T) {
	cfg := tinyConfig()
	cfg.PreserveColor = "content"
	cfg.Iterations = 2

	content := gradientImage()
	img, _, err := newTransfer(t, cfg, nil).Stylize(Inputs{Content: content, Style: checkerImage()})
	require.NoError(t, err)

	want, got := channelMeans(content), channelMeans(img)
	for c := range want {
		assert.InDelta(t, want[c], got[c], 0.02, "channel %d", c)
	}
}

func TestNewStyleTransferRejectsConfiguration(t *testing.T) {
	cfg := tinyConfig()
	cfg.StyleWeights = loss.MustParseLayerWeights("{relu_1_1: 1, relu_3_1: 1}")
	_, err := NewStyleTransfer(cfg, TransferOptions{Architecture: tinyArch()})
	assert.True(t, errs.IsUnknownLayer(err))
	assert.True(t, errs.IsConfiguration(err))

	cfg = tinyConfig()
	cfg.PreserveColor = "luma"
	_, err = NewStyleTransfer(cfg, TransferOptions{Architecture: tinyArch()})
	assert.True(t, errs.IsConfiguration(err))

	_, err = NewStyleTransfer(nil, TransferOptions{})
	assert.True(t, errs.IsConfiguration(err))
}

func TestStylizeRejectsMissingImages(t *testing.T) {
	st := newTransfer(t, tinyConfig(), nil)

	_, _, err := st.Stylize(Inputs{Style: checkerImage()})
	assert.True(t, errs.IsUnsupportedInput(err))

	_, _, err = st.Stylize(Inputs{Content: gradientImage()})
	assert.True(t, errs.IsUnsupportedInput(err))

	_, _, err = st.Stylize(Inputs{Content: image.NewNRGBA(image.Rect(0, 0, 0, 0)), Style: checkerImage()})
	assert.True(t, errs.IsUnsupportedInput(err))
}

func TestStylizeReportsMissingWeights(t *testing.T) {
	cfg := tinyConfig()
	cfg.WeightsDir = t.TempDir()
	st, err := NewStyleTransfer(cfg, TransferOptions{Architecture: tinyArch()})
	require.NoError(t, err)

	_, _, err = st.Stylize(Inputs{Content: gradientImage(), Style: checkerImage()})
	assert.Equal(t, errs.CodeWeightsInvalid, errs.CodeOf(err))
}

// tinyObjective scores canvases against the gradient content image and the
// checker style image.
func tinyObjective(t *testing.T) (*FeatureObjective, *nn.Tensor) {
	t.Helper()
	be := nn.NewCPUBackend(1)
	t.Cleanup(be.Close)
	ext, err := nn.NewExtractor(tinyArch(), nn.RandomWeights(tinyArch(), rand.New(rand.NewPCG(3, 4))), nn.ExtractorOptions{Backend: be})
	require.NoError(t, err)

	content, err := canvas.FromImage(gradientImage())
	require.NoError(t, err)
	style, err := canvas.Load(checkerImage(), 16)
	require.NoError(t, err)

	model := tinyConfig().LossModel(be)
	cf, _, err := ext.Extract(content, model.ContentLayers())
	require.NoError(t, err)
	sf, _, err := ext.Extract(style, model.StyleLayers())
	require.NoError(t, err)
	targets, err := model.NewTargets(cf, sf)
	require.NoError(t, err)

	obj, err := NewFeatureObjective(ext, model, targets, content)
	require.NoError(t, err)
	return obj, content
}

func TestFeatureObjectiveMixedPrecisionGradient(t *testing.T) {
	obj, content := tinyObjective(t)

	x := make([]float64, content.Size())
	rng := rand.New(rand.NewPCG(5, 6))
	for i := range x {
		x[i] = rng.Float64()
	}
	full := make([]float64, len(x))
	lf, err := obj.Evaluate(x, full)
	require.NoError(t, err)

	obj.SetMixedPrecision(true)
	half := make([]float64, len(x))
	lh, err := obj.Evaluate(x, half)
	require.NoError(t, err)
	assert.Equal(t, 2, obj.Evaluations())

	assert.InDelta(t, lf, lh, 0.05*math.Abs(lf))
	var diff, norm float64
	for i := range full {
		d := full[i] - half[i]
		diff += d * d
		norm += full[i] * full[i]
	}
	assert.Positive(t, norm)
	assert.Less(t, math.Sqrt(diff), 0.1*math.Sqrt(norm))

	_, err = obj.Evaluate(x[:3], half[:3])
	assert.True(t, errs.IsConfiguration(err))
}

func TestRunDivergesOnNonFiniteCanvas(t *testing.T) {
	obj, content := tinyObjective(t)
	x := make([]float64, content.Size())
	for i, v := range content.Data {
		x[i] = float64(v)
	}
	for i := 0; i < 20; i++ {
		x[i*7] = math.NaN()
	}

	grad := make([]float64, len(x))
	l, err := obj.Evaluate(x, grad)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(l))

	e := New(nil)
	out, _, err := e.Run(x, obj, Options{Iterations: 3, LearningRate: 1})
	assert.Nil(t, out)
	assert.True(t, errs.IsDiverged(err))
	assert.Equal(t, StateDiverged, e.State())
}
