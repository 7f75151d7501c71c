package config

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfluke/artstyle/errs"
)

// Seed is either unset ("random") or a fixed integer.
type Seed struct {
	value uint64
	set   bool
}

// FixedSeed returns a set seed.
func FixedSeed(v uint64) Seed { return Seed{value: v, set: true} }

// ParseSeed accepts "", "random" or an integer. Negative integers keep their
// two's complement bits.
func ParseSeed(s string) (Seed, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "random") {
		return Seed{}, nil
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return FixedSeed(v), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Seed{}, errs.Configuration("seed must be an integer or \"random\", got %q", s).
			WithContext("option", "seed")
	}
	return FixedSeed(uint64(v)), nil
}

// Value returns the seed and whether it is set.
func (s Seed) Value() (uint64, bool) { return s.value, s.set }

// Ptr returns the seed or nil when unset.
func (s Seed) Ptr() *uint64 {
	if !s.set {
		return nil
	}
	v := s.value
	return &v
}

func (s Seed) String() string {
	if !s.set {
		return "random"
	}
	return strconv.FormatUint(s.value, 10)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Seed) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errs.Configuration("seed must be a scalar (line %d)", node.Line).WithContext("option", "seed")
	}
	if node.ShortTag() == "!!null" {
		*s = Seed{}
		return nil
	}
	parsed, err := ParseSeed(node.Value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Seed) MarshalYAML() (interface{}, error) {
	if !s.set {
		return "random", nil
	}
	return s.value, nil
}
