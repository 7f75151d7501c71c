package nn

import "fmt"

// Tensor is a dense [C,H,W] float32 activation, row-major within each plane.
type Tensor struct {
	C, H, W int
	Data    []float32
}

// NewTensor allocates a zeroed tensor.
func NewTensor(c, h, w int) *Tensor {
	return &Tensor{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// NewTensorFromSlice wraps data without copying. It panics when the length
// does not match the shape.
func NewTensorFromSlice(data []float32, c, h, w int) *Tensor {
	if len(data) != c*h*w {
		panic(fmt.Sprintf("nn: %d values for shape [%d,%d,%d]", len(data), c, h, w))
	}
	return &Tensor{C: c, H: h, W: w, Data: data}
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return t.C * t.H * t.W }

// Shape returns [C,H,W].
func (t *Tensor) Shape() []int { return []int{t.C, t.H, t.W} }

// Plane returns channel c as a slice into Data.
func (t *Tensor) Plane(c int) []float32 {
	n := t.H * t.W
	return t.Data[c*n : (c+1)*n]
}

// At returns the value at (c, y, x).
func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.H+y)*t.W+x]
}

// Set stores v at (c, y, x).
func (t *Tensor) Set(c, y, x int, v float32) {
	t.Data[(c*t.H+y)*t.W+x] = v
}

// SameShape reports whether o has the same dimensions as t.
func (t *Tensor) SameShape(o *Tensor) bool {
	return o != nil && t.C == o.C && t.H == o.H && t.W == o.W
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{C: t.C, H: t.H, W: t.W, Data: make([]float32, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[%d,%d,%d]", t.C, t.H, t.W)
}

// FeatureMap maps layer identifiers to activations (or to gradients with
// respect to those activations).
type FeatureMap map[string]*Tensor

// Layers returns the identifiers present in the map.
func (m FeatureMap) Layers() []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}
