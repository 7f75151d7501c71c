package engine

import (
	"fmt"
	"image"
	"io"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/openfluke/artstyle/canvas"
	"github.com/openfluke/artstyle/chroma"
	"github.com/openfluke/artstyle/config"
	"github.com/openfluke/artstyle/device"
	"github.com/openfluke/artstyle/errs"
	"github.com/openfluke/artstyle/loss"
	"github.com/openfluke/artstyle/nn"
	"github.com/openfluke/artstyle/optim"
)

// TransferOptions supply what the configuration cannot express.
type TransferOptions struct {
	// Architecture defaults to VGG19.
	Architecture *nn.Architecture
	// Weights skips loading the safetensors file named by the configuration.
	Weights *nn.Weights
	// Device is used instead of selecting one from the configuration. It is
	// not closed by Stylize.
	Device *device.Device

	Logger   *log.Logger
	Progress func(ProgressEvent)
}

// Inputs are the images of one run. Init is optional.
type Inputs struct {
	Content image.Image
	Style   image.Image
	Init    image.Image
}

// Report describes a finished run.
type Report struct {
	RunID     string
	Device    string
	Placement device.Placement
	Optimizer string
	Init      canvas.Policy
	Seed      string
	Width     int
	Height    int
	// ActivationBytes estimates the float32 activations one traced forward
	// pass keeps alive.
	ActivationBytes int
	Iterations      int
	Evaluations     int
	FinalLoss       float64
	// Breakdown scores the returned canvas before color is reattached.
	Breakdown loss.Breakdown
	Duration  time.Duration
}

func (r *Report) String() string {
	return fmt.Sprintf("run %s: %dx%d on %s, %s %d iterations (%d evaluations), %s in %s",
		r.RunID, r.Width, r.Height, r.Device, r.Optimizer, r.Iterations, r.Evaluations,
		r.Breakdown, r.Duration.Round(time.Millisecond))
}

// StyleTransfer renders a content image in the style of another.
type StyleTransfer struct {
	cfg    config.Config
	arch   *nn.Architecture
	opts   TransferOptions
	logger *log.Logger

	mode      chroma.Mode
	kind      device.Kind
	optimizer optim.Kind
}

// NewStyleTransfer validates cfg against the architecture. Every
// configuration error surfaces here, before any weights or devices are
// touched.
func NewStyleTransfer(cfg *config.Config, opts TransferOptions) (*StyleTransfer, error) {
	if cfg == nil {
		return nil, errs.Configuration("nil configuration")
	}
	arch := opts.Architecture
	if arch == nil {
		arch = nn.VGG19()
	}
	if err := cfg.Validate(arch.Has); err != nil {
		return nil, err
	}
	mode, _ := cfg.PreserveColorMode()
	kind, _ := cfg.DeviceKind()
	opt, _ := cfg.OptimizerKind()

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &StyleTransfer{
		cfg:       *cfg,
		arch:      arch,
		opts:      opts,
		logger:    logger,
		mode:      mode,
		kind:      kind,
		optimizer: opt,
	}, nil
}

// prepared holds the tensors a run starts from.
type prepared struct {
	content, style, init *nn.Tensor
	colors               *chroma.Stats
}

// prepare converts and resizes the inputs and strips their color.
func (s *StyleTransfer) prepare(in Inputs, p *chroma.Preserver) (*prepared, error) {
	if in.Content == nil {
		return nil, errs.UnsupportedInput("no content image")
	}
	if in.Style == nil {
		return nil, errs.UnsupportedInput("no style image")
	}
	content, err := canvas.Load(in.Content, s.cfg.Area)
	if err != nil {
		return nil, err
	}
	style, err := canvas.Load(in.Style, s.cfg.Area)
	if err != nil {
		return nil, err
	}
	var init *nn.Tensor
	if in.Init != nil {
		r, err := canvas.ResizeTo(in.Init, content.W, content.H)
		if err != nil {
			return nil, err
		}
		if init, err = canvas.FromImage(r); err != nil {
			return nil, err
		}
	}

	out := &prepared{content: content, style: style, init: init}
	if !p.Active() {
		return out, nil
	}

	cl, cs, err := p.Strip(content)
	if err != nil {
		return nil, err
	}
	sl, ss, err := p.Strip(style)
	if err != nil {
		return nil, err
	}
	switch p.Mode {
	case chroma.ModeContent:
		if sl, err = chroma.MatchLuminance(sl, cs); err != nil {
			return nil, err
		}
		out.colors = cs
	case chroma.ModeStyle:
		if cl, err = chroma.MatchLuminance(cl, ss); err != nil {
			return nil, err
		}
		out.colors = cs.WithColorsOf(ss)
	}
	out.content, out.style = cl, sl
	if init != nil {
		if out.init, _, err = p.Strip(init); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Stylize runs one style transfer and returns the rendered image.
func (s *StyleTransfer) Stylize(in Inputs) (image.Image, *Report, error) {
	started := time.Now()
	preserver := chroma.New(s.mode)
	prep, err := s.prepare(in, preserver)
	if err != nil {
		return nil, nil, err
	}

	dev := s.opts.Device
	if dev == nil {
		if dev, err = device.Select(s.kind, device.Options{Workers: s.cfg.Workers, Logger: s.logger}); err != nil {
			return nil, nil, err
		}
		defer dev.Close()
	}

	weights := s.opts.Weights
	if weights == nil {
		path, err := s.cfg.WeightFile()
		if err != nil {
			return nil, nil, err
		}
		if weights, err = nn.LoadWeights(path, s.arch); err != nil {
			return nil, nil, err
		}
	}
	ext, err := nn.NewExtractor(s.arch, weights, nn.ExtractorOptions{
		AvgPool: s.cfg.AvgPool,
		Backend: dev.Backend,
		Logger:  s.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	model := s.cfg.LossModel(dev.Backend)
	contentFeats, _, err := ext.Extract(prep.content, model.ContentLayers())
	if err != nil {
		return nil, nil, err
	}
	styleFeats, _, err := ext.Extract(prep.style, model.StyleLayers())
	if err != nil {
		return nil, nil, err
	}
	targets, err := model.NewTargets(contentFeats, styleFeats)
	if err != nil {
		return nil, nil, err
	}

	start, policy, err := canvas.Start(prep.content, prep.init, s.cfg.InitRandom, canvas.NewRNG(s.cfg.Seed.Ptr()))
	if err != nil {
		return nil, nil, err
	}
	obj, err := NewFeatureObjective(ext, model, targets, start)
	if err != nil {
		return nil, nil, err
	}
	deepest, err := s.arch.Deepest(model.Layers())
	if err != nil {
		return nil, nil, err
	}
	bp := nn.ExtractBlueprint(s.arch, start.H, start.W, deepest)
	s.logger.Printf("[engine] canvas %dx%d from %s, preserve_color %s, seed %s, %d stages, %.1f MiB activations",
		start.W, start.H, policy, s.mode, s.cfg.Seed, len(bp.Layers), float64(bp.PeakActivationBytes())/(1<<20))

	x := make([]float64, len(start.Data))
	for i, v := range start.Data {
		x[i] = float64(v)
	}
	final, stats, err := New(s.logger).Run(x, obj, Options{
		Iterations:      s.cfg.Iterations,
		LearningRate:    s.cfg.LearningRate,
		Optimizer:       s.optimizer,
		MixedPrecision:  s.cfg.UseAMP,
		Vectors:         dev.StateVectors(s.cfg.OptimCPU),
		CPUOffload:      s.cfg.OptimCPU,
		LoggingInterval: s.cfg.LoggingInterval,
		Progress:        s.opts.Progress,
	})
	if err != nil {
		return nil, nil, err
	}

	result := nn.NewTensor(start.C, start.H, start.W)
	for i, v := range final {
		result.Data[i] = float32(v)
	}
	grad := make([]float64, len(final))
	if _, err := obj.Evaluate(final, grad); err != nil {
		return nil, nil, err
	}

	colored, err := preserver.Apply(result, prep.colors)
	if err != nil {
		return nil, nil, err
	}
	img, err := canvas.ToImage(colored)
	if err != nil {
		return nil, nil, err
	}

	rep := &Report{
		RunID:           uuid.NewString(),
		Device:          dev.Name,
		Placement:       dev.Placement(s.cfg.OptimCPU),
		Optimizer:       stats.Optimizer,
		Init:            policy,
		Seed:            s.cfg.Seed.String(),
		Width:           start.W,
		Height:          start.H,
		ActivationBytes: bp.PeakActivationBytes(),
		Iterations:      stats.Iterations,
		Evaluations:     stats.Evaluations,
		FinalLoss:       stats.FinalLoss,
		Breakdown:       obj.Last(),
		Duration:        time.Since(started),
	}
	// No step was taken.
	if math.IsNaN(rep.FinalLoss) {
		rep.FinalLoss = rep.Breakdown.Total
	}
	s.logger.Printf("[engine] %s", rep)
	return img, rep, nil
}
