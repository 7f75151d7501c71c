package loss

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/artstyle/errs"
	"github.com/openfluke/artstyle/nn"
)

// Model combines per-layer content and style terms into one scalar objective.
//
//	content = ContentWeight · Σ_l w_l · Σ (F_l − P_l)²
//	style   = StyleWeight · StyleCoefficient · Σ_l w_l · ‖G(F_l) − G(S_l)‖²_F / d_l
//
// where d_l is the squared channel count when FeatureNorm is set and 1
// otherwise.
type Model struct {
	ContentWeights   LayerWeights
	StyleWeights     LayerWeights
	ContentWeight    float64
	StyleWeight      float64
	StyleCoefficient float64
	FeatureNorm      bool

	// Backend computes Gram matrices and their gradients.
	Backend nn.Backend
}

// Validate checks the global weights and that every layer passes has.
func (m *Model) Validate(has func(string) bool) error {
	for name, v := range map[string]float64{
		"content_weight":           m.ContentWeight,
		"style_weight":             m.StyleWeight,
		"style_weight_coefficient": m.StyleCoefficient,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return errs.Configuration("%s must be finite and non-negative, got %v", name, v).
				WithContext("option", name)
		}
	}
	if err := m.ContentWeights.Validate(has); err != nil {
		return err
	}
	return m.StyleWeights.Validate(has)
}

// ContentLayers returns the content layer identifiers.
func (m *Model) ContentLayers() []string { return m.ContentWeights.Layers() }

// StyleLayers returns the style layer identifiers.
func (m *Model) StyleLayers() []string { return m.StyleWeights.Layers() }

// Layers returns the sorted union of content and style layers.
func (m *Model) Layers() []string {
	set := map[string]bool{}
	for _, id := range m.ContentLayers() {
		set[id] = true
	}
	for _, id := range m.StyleLayers() {
		set[id] = true
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Breakdown reports the terms of one loss evaluation.
type Breakdown struct {
	Content float64
	Style   float64
	Total   float64

	// Weighted contribution of each layer.
	ContentLayers map[string]float64
	StyleLayers   map[string]float64
}

// Finite reports whether the total is a finite number.
func (b Breakdown) Finite() bool {
	return !math.IsNaN(b.Total) && !math.IsInf(b.Total, 0)
}

func (b Breakdown) String() string {
	return fmt.Sprintf("loss %.6g (content %.6g, style %.6g)", b.Total, b.Content, b.Style)
}

// gramTarget is a cached style Gram matrix.
type gramTarget struct {
	channels int
	data     []float32
}

// Targets holds the activations the canvas is compared against. They are
// computed once per run from the content and style images.
type Targets struct {
	content nn.FeatureMap
	style   map[string]gramTarget
}

// NewTargets caches content activations and style Gram matrices.
func (m *Model) NewTargets(content, style nn.FeatureMap) (*Targets, error) {
	t := &Targets{content: nn.FeatureMap{}, style: map[string]gramTarget{}}
	for _, id := range m.ContentLayers() {
		f, ok := content[id]
		if !ok {
			return nil, errs.Configuration("no content activation for %s", id).WithContext("layer", id)
		}
		t.content[id] = f.Clone()
	}
	for _, id := range m.StyleLayers() {
		f, ok := style[id]
		if !ok {
			return nil, errs.Configuration("no style activation for %s", id).WithContext("layer", id)
		}
		g, err := Gram(f, m.Backend)
		if err != nil {
			return nil, err
		}
		t.style[id] = gramTarget{channels: f.C, data: g}
	}
	return t, nil
}

// Gram returns the C×C matrix F·Fᵀ / (H·W) of a [C,H,W] activation.
func Gram(f *nn.Tensor, be nn.Backend) ([]float32, error) {
	c, n := f.C, f.H*f.W
	g := make([]float32, c*c)
	if n == 0 {
		return g, nil
	}
	if err := be.MatMulTransB(f.Data, f.Data, g, c, c, n); err != nil {
		return nil, err
	}
	inv := 1 / float32(n)
	for i := range g {
		g[i] *= inv
	}
	return g, nil
}

// Compute evaluates the loss of canvas activations against t and returns the
// gradient of the total with respect to every activation that contributes.
// Layers with zero weight add zero loss and no gradient.
func (m *Model) Compute(feats nn.FeatureMap, t *Targets) (Breakdown, nn.FeatureMap, error) {
	b := Breakdown{ContentLayers: map[string]float64{}, StyleLayers: map[string]float64{}}
	grads := nn.FeatureMap{}

	for _, lw := range m.ContentWeights {
		f, p := feats[lw.Layer], t.content[lw.Layer]
		if f == nil || !f.SameShape(p) {
			return Breakdown{}, nil, shapeMismatch("content", lw.Layer, f, p)
		}
		s := lw.Weight * m.ContentWeight
		var sum float64
		for i, v := range f.Data {
			d := float64(v) - float64(p.Data[i])
			sum += d * d
		}
		b.ContentLayers[lw.Layer] = s * sum
		b.Content += s * sum
		if s == 0 {
			continue
		}
		g := gradFor(grads, lw.Layer, f)
		k := float32(2 * s)
		for i, v := range f.Data {
			g.Data[i] += k * (v - p.Data[i])
		}
	}

	for _, lw := range m.StyleWeights {
		f := feats[lw.Layer]
		target, ok := t.style[lw.Layer]
		if f == nil || !ok || target.channels != f.C {
			return Breakdown{}, nil, shapeMismatch("style", lw.Layer, f, nil)
		}
		term, err := m.styleTerm(lw, f, target, grads)
		if err != nil {
			return Breakdown{}, nil, err
		}
		b.StyleLayers[lw.Layer] = term
		b.Style += term
	}

	b.Total = b.Content + b.Style
	return b, grads, nil
}

func (m *Model) styleTerm(lw LayerWeight, f *nn.Tensor, target gramTarget, grads nn.FeatureMap) (float64, error) {
	c, n := f.C, f.H*f.W
	g, err := Gram(f, m.Backend)
	if err != nil {
		return 0, err
	}

	var d mat.Dense
	d.Sub(mat.NewDense(c, c, widen(g)), mat.NewDense(c, c, widen(target.data)))
	frob := mat.Norm(&d, 2)

	s := lw.Weight * m.StyleCoefficient * m.StyleWeight
	if m.FeatureNorm {
		s /= float64(c) * float64(c)
	}
	term := s * frob * frob
	if s == 0 || n == 0 {
		return term, nil
	}

	// d/dF ‖F·Fᵀ/N − A‖² = 4/N · (G − A)·F
	diff := narrow(d.RawMatrix().Data)
	out := make([]float32, c*n)
	if err := m.Backend.MatMul(diff, f.Data, out, c, n, c); err != nil {
		return 0, err
	}
	k := float32(4 * s / float64(n))
	gt := gradFor(grads, lw.Layer, f)
	for i, v := range out {
		gt.Data[i] += k * v
	}
	return term, nil
}

func gradFor(grads nn.FeatureMap, layer string, like *nn.Tensor) *nn.Tensor {
	g, ok := grads[layer]
	if !ok {
		g = nn.NewTensor(like.C, like.H, like.W)
		grads[layer] = g
	}
	return g
}

func shapeMismatch(term, layer string, got, want *nn.Tensor) error {
	return errs.Configuration("%s activation for %s is %v, target is %v", term, layer, got, want).
		WithContext("layer", layer)
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func narrow(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
