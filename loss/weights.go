// Package loss implements the content and style objectives of neural style
// transfer and their gradients with respect to network activations.
package loss

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfluke/artstyle/errs"
)

// LayerWeight is one entry of a per-layer weight mapping.
type LayerWeight struct {
	Layer  string
	Weight float64
}

// LayerWeights maps layer identifiers to non-negative finite weights. Entries
// are kept sorted by layer name.
type LayerWeights []LayerWeight

// ParseLayerWeights parses a YAML/JSON mapping such as
// "{relu_4_2: 1, relu_5_1: 0.5}". Duplicate keys, non-numeric values and
// negative or non-finite weights are configuration errors.
func ParseLayerWeights(text string) (LayerWeights, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errs.Configuration("empty layer weight mapping")
	}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(text), &node); err != nil {
		return nil, errs.ConfigurationWrap(err, "malformed layer weight mapping")
	}
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		return decodeMapping(node.Content[0])
	}
	return decodeMapping(&node)
}

// MustParseLayerWeights is ParseLayerWeights for literals known to be valid.
func MustParseLayerWeights(text string) LayerWeights {
	w, err := ParseLayerWeights(text)
	if err != nil {
		panic(err)
	}
	return w
}

// UnmarshalYAML implements yaml.Unmarshaler with the same strictness as
// ParseLayerWeights.
func (w *LayerWeights) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := decodeMapping(node)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (w LayerWeights) MarshalYAML() (interface{}, error) {
	n := &yaml.Node{Kind: yaml.MappingNode, Style: yaml.FlowStyle}
	for _, lw := range w {
		n.Content = append(n.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: lw.Layer},
			&yaml.Node{Kind: yaml.ScalarNode, Value: strconv.FormatFloat(lw.Weight, 'g', -1, 64)},
		)
	}
	return n, nil
}

func decodeMapping(node *yaml.Node) (LayerWeights, error) {
	if node.Kind != yaml.MappingNode {
		return nil, errs.Configuration("layer weights must be a mapping of layer to weight (line %d)", node.Line)
	}
	seen := make(map[string]bool, len(node.Content)/2)
	out := make(LayerWeights, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if k.Kind != yaml.ScalarNode || k.Value == "" {
			return nil, errs.Configuration("layer names must be non-empty strings (line %d)", k.Line)
		}
		if seen[k.Value] {
			return nil, errs.Configuration("duplicate layer %q in weight mapping", k.Value).
				WithContext("layer", k.Value)
		}
		seen[k.Value] = true

		if v.Kind != yaml.ScalarNode || (v.ShortTag() != "!!int" && v.ShortTag() != "!!float") {
			return nil, errs.Configuration("weight for %q is not a number: %q", k.Value, v.Value).
				WithContext("layer", k.Value)
		}
		var f float64
		if err := v.Decode(&f); err != nil {
			return nil, errs.ConfigurationWrap(err, "weight for %q is not a number", k.Value)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return nil, errs.Configuration("weight for %q must be finite and non-negative, got %v", k.Value, f).
				WithContext("layer", k.Value)
		}
		out = append(out, LayerWeight{Layer: k.Value, Weight: f})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Layer < out[j].Layer })
	return out, nil
}

// Layers returns the layer identifiers in sorted order.
func (w LayerWeights) Layers() []string {
	out := make([]string, len(w))
	for i, lw := range w {
		out[i] = lw.Layer
	}
	return out
}

// Get returns the weight of layer and whether it is present.
func (w LayerWeights) Get(layer string) (float64, bool) {
	for _, lw := range w {
		if lw.Layer == layer {
			return lw.Weight, true
		}
	}
	return 0, false
}

// Validate returns an UNKNOWN_LAYER error for the first layer that has rejects.
func (w LayerWeights) Validate(has func(string) bool) error {
	for _, lw := range w {
		if !has(lw.Layer) {
			return errs.UnknownLayer(lw.Layer)
		}
	}
	return nil
}

// String renders the mapping in flow style, e.g. "{relu_4_2: 1}".
func (w LayerWeights) String() string {
	parts := make([]string, len(w))
	for i, lw := range w {
		parts[i] = fmt.Sprintf("%s: %s", lw.Layer, strconv.FormatFloat(lw.Weight, 'g', -1, 64))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
