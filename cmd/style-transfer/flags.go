package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/openfluke/artstyle/config"
	"github.com/openfluke/artstyle/errs"
	"github.com/openfluke/artstyle/loss"
	"github.com/openfluke/artstyle/optim"
)

// invocation is a parsed command line.
type invocation struct {
	content, style string
	artwork        string
	initImg        string
	quality        int
	cfg            *config.Config
}

// parseArgs reads flags over the configuration file named by --config, or
// over the defaults. Flags may appear before, between or after the two
// positional paths.
func parseArgs(args []string, stderr io.Writer) (*invocation, error) {
	fs := flag.NewFlagSet("style-transfer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: style-transfer [flags] <content path> <style path>")
		fs.PrintDefaults()
	}

	d := config.Default()
	inv := &invocation{}
	fs.StringVar(&inv.artwork, "artwork", "output/artwork.png", "where to save the result (.png, .jpg or .jpeg)")
	fs.StringVar(&inv.initImg, "init_img", "", "start from the image at this path")
	fs.IntVar(&inv.quality, "quality", 95, "JPEG quality of the artwork, 1 to 95")
	configPath := fs.String("config", "", "YAML configuration file; flags override it")

	initRandom := fs.Bool("init_random", d.InitRandom, "start from uniform noise")
	area := fs.Int("area", d.Area, "longer side of the artwork in pixels")
	iter := fs.Int("iter", d.Iterations, "number of optimizer iterations")
	lr := fs.Float64("lr", d.LearningRate, "optimizer learning rate")
	contentWeight := fs.Float64("content_weight", d.ContentWeight, "weight of the content loss")
	styleWeight := fs.Float64("style_weight", d.StyleWeight, "weight of the style loss")
	coef := fs.Float64("coef_style_w", d.StyleWeightCoefficient, "coefficient of the style weight")
	contentWeights := fs.String("content_weights", d.ContentWeights.String(), "per-layer content weights")
	styleWeights := fs.String("style_weights", d.StyleWeights.String(), "per-layer style weights")
	avgPool := fs.Bool("avg_pool", d.AvgPool, "replace max pooling by average pooling")
	noFeatureNorm := fs.Bool("no_feature_norm", !d.FeatureNorm, "don't divide style weights by the squared channel count")
	preserve := fs.String("preserve_color", d.PreserveColor, "content, style or none")
	weights := fs.String("weights", d.Weights, "VGG19 parameter set: original or normalized")
	weightsDir := fs.String("weights_dir", d.WeightsDir, "directory holding the safetensors weights")
	dev := fs.String("device", d.Device, "cpu, cuda or auto")
	amp := fs.Bool("use_amp", d.UseAMP, "use mixed precision")
	adam := fs.Bool("use_adam", false, "use Adam instead of L-BFGS")
	optimCPU := fs.Bool("optim_cpu", d.OptimCPU, "keep optimizer state in host memory")
	logging := fs.Int("logging", d.LoggingInterval, "iterations between progress reports, 0 disables them")
	seed := fs.String("seed", d.Seed.String(), "integer seed, or random")

	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			break
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
	if len(positional) != 2 {
		fs.Usage()
		return nil, errs.Configuration("want a content and a style path, got %d arguments", len(positional))
	}
	inv.content, inv.style = positional[0], positional[1]

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return nil, err
	}

	var ferr error
	fs.Visit(func(f *flag.Flag) {
		if ferr != nil {
			return
		}
		switch f.Name {
		case "init_random":
			cfg.InitRandom = *initRandom
		case "area":
			cfg.Area = *area
		case "iter":
			cfg.Iterations = *iter
		case "lr":
			cfg.LearningRate = *lr
		case "content_weight":
			cfg.ContentWeight = *contentWeight
		case "style_weight":
			cfg.StyleWeight = *styleWeight
		case "coef_style_w":
			cfg.StyleWeightCoefficient = *coef
		case "content_weights":
			cfg.ContentWeights, ferr = loss.ParseLayerWeights(*contentWeights)
		case "style_weights":
			cfg.StyleWeights, ferr = loss.ParseLayerWeights(*styleWeights)
		case "avg_pool":
			cfg.AvgPool = *avgPool
		case "no_feature_norm":
			cfg.FeatureNorm = !*noFeatureNorm
		case "preserve_color":
			cfg.PreserveColor = *preserve
		case "weights":
			cfg.Weights = *weights
		case "weights_dir":
			cfg.WeightsDir = *weightsDir
		case "device":
			cfg.Device = *dev
		case "use_amp":
			cfg.UseAMP = *amp
		case "use_adam":
			if *adam {
				cfg.Optimizer = string(optim.KindAdam)
			} else {
				cfg.Optimizer = string(optim.KindLBFGS)
			}
		case "optim_cpu":
			cfg.OptimCPU = *optimCPU
		case "logging":
			cfg.LoggingInterval = *logging
		case "seed":
			cfg.Seed, ferr = config.ParseSeed(*seed)
		}
	})
	if ferr != nil {
		return nil, ferr
	}
	inv.quality = clampQuality(inv.quality)
	inv.cfg = cfg
	return inv, nil
}

func clampQuality(q int) int {
	return max(1, min(95, q))
}
