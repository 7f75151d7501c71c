// Package config handles style transfer configuration loading.
package config

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/openfluke/artstyle/chroma"
	"github.com/openfluke/artstyle/device"
	"github.com/openfluke/artstyle/errs"
	"github.com/openfluke/artstyle/loss"
	"github.com/openfluke/artstyle/nn"
	"github.com/openfluke/artstyle/optim"
)

// Config is every option of one style transfer run.
type Config struct {
	// Area is the longer side of the canvas in pixels.
	Area         int     `yaml:"area"`
	Iterations   int     `yaml:"iterations"`
	LearningRate float64 `yaml:"learning_rate"`

	ContentWeight          float64           `yaml:"content_weight"`
	StyleWeight            float64           `yaml:"style_weight"`
	StyleWeightCoefficient float64           `yaml:"style_weight_coefficient"`
	ContentWeights         loss.LayerWeights `yaml:"content_weights"`
	StyleWeights           loss.LayerWeights `yaml:"style_weights"`

	AvgPool       bool   `yaml:"avg_pool"`
	FeatureNorm   bool   `yaml:"feature_norm"`
	PreserveColor string `yaml:"preserve_color"`
	InitRandom    bool   `yaml:"init_random"`

	// Weights selects the published parameter set: original or normalized.
	Weights     string `yaml:"weights"`
	WeightsDir  string `yaml:"weights_dir"`
	WeightsPath string `yaml:"weights_path,omitempty"`

	Device    string `yaml:"device"`
	UseAMP    bool   `yaml:"use_amp"`
	Optimizer string `yaml:"optimizer"`
	OptimCPU  bool   `yaml:"optim_cpu"`
	Workers   int    `yaml:"workers,omitempty"`

	LoggingInterval int  `yaml:"logging_interval"`
	Seed            Seed `yaml:"seed"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Area:                   512,
		Iterations:             500,
		LearningRate:           1,
		ContentWeight:          1,
		StyleWeight:            10,
		StyleWeightCoefficient: 1,
		ContentWeights:         loss.MustParseLayerWeights("{relu_4_2: 1}"),
		StyleWeights:           loss.MustParseLayerWeights("{relu_1_1: 1, relu_2_1: 1, relu_3_1: 1, relu_4_1: 1, relu_5_1: 1}"),
		FeatureNorm:            true,
		PreserveColor:          string(chroma.ModeContent),
		Weights:                string(nn.WeightsOriginal),
		WeightsDir:             "weights",
		Device:                 string(device.KindAuto),
		Optimizer:              string(optim.KindLBFGS),
		LoggingInterval:        50,
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.IO(err, "read config").WithContext("path", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		if e, ok := errs.As(err); ok {
			return nil, e.WithContext("path", path)
		}
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		if errs.IsConfiguration(err) {
			return nil, err
		}
		return nil, errs.ConfigurationWrap(err, "parse config")
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the defaults when path is
// empty or does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Save writes the configuration as YAML, creating the directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.IO(err, "create config directory").WithContext("path", path)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errs.IO(err, "marshal config")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errs.IO(err, "write config").WithContext("path", path)
	}
	return nil
}

// Validate checks every option and that every weighted layer passes has.
// It never touches the filesystem or a device.
func (c *Config) Validate(has func(string) bool) error {
	if c.Area <= 0 {
		return option("area", "must be positive, got %d", c.Area)
	}
	if c.Iterations < 0 {
		return option("iterations", "must not be negative, got %d", c.Iterations)
	}
	if c.LoggingInterval < 0 {
		return option("logging_interval", "must not be negative, got %d", c.LoggingInterval)
	}
	if math.IsNaN(c.LearningRate) || math.IsInf(c.LearningRate, 0) || c.LearningRate <= 0 {
		return option("learning_rate", "must be positive and finite, got %v", c.LearningRate)
	}
	if _, err := c.PreserveColorMode(); err != nil {
		return err
	}
	if _, err := c.WeightSet(); err != nil {
		return err
	}
	if _, err := c.DeviceKind(); err != nil {
		return err
	}
	if _, err := c.OptimizerKind(); err != nil {
		return err
	}
	return c.LossModel(nil).Validate(has)
}

func option(name, format string, args ...interface{}) error {
	return errs.Configuration(name+" "+format, args...).WithContext("option", name)
}

// PreserveColorMode parses PreserveColor.
func (c *Config) PreserveColorMode() (chroma.Mode, error) { return chroma.ParseMode(c.PreserveColor) }

// WeightSet parses Weights.
func (c *Config) WeightSet() (nn.WeightSet, error) { return nn.ParseWeightSet(c.Weights) }

// DeviceKind parses Device.
func (c *Config) DeviceKind() (device.Kind, error) { return device.ParseKind(c.Device) }

// OptimizerKind parses Optimizer.
func (c *Config) OptimizerKind() (optim.Kind, error) { return optim.ParseKind(c.Optimizer) }

// WeightFile returns the safetensors file to load: WeightsPath when set,
// otherwise the file for the selected set under WeightsDir.
func (c *Config) WeightFile() (string, error) {
	if c.WeightsPath != "" {
		return c.WeightsPath, nil
	}
	set, err := c.WeightSet()
	if err != nil {
		return "", err
	}
	return nn.WeightFile(c.WeightsDir, set), nil
}

// LossModel builds the loss model described by the configuration.
func (c *Config) LossModel(be nn.Backend) *loss.Model {
	return &loss.Model{
		ContentWeights:   c.ContentWeights,
		StyleWeights:     c.StyleWeights,
		ContentWeight:    c.ContentWeight,
		StyleWeight:      c.StyleWeight,
		StyleCoefficient: c.StyleWeightCoefficient,
		FeatureNorm:      c.FeatureNorm,
		Backend:          be,
	}
}
