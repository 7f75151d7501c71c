package optim

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Vector is a handle to optimizer state owned by a Vectors implementation.
type Vector interface {
	Len() int
}

// AdamStep holds the scalars of one fused Adam update.
type AdamStep struct {
	LR           float64
	Beta1, Beta2 float64
	Epsilon      float64
	// Bias corrections 1-β^t.
	Correction1, Correction2 float64
}

// Vectors performs the vector arithmetic optimizers need on storage it
// owns. Vectors created by one implementation must not be passed to another.
type Vectors interface {
	Name() string
	New(n int) Vector
	Set(dst Vector, src []float64)
	Get(dst []float64, src Vector)
	Copy(dst, src Vector)
	Dot(a, b Vector) float64
	// AddScaled computes dst += alpha·s.
	AddScaled(dst Vector, alpha float64, s Vector)
	Scale(alpha float64, dst Vector)
	// Adam applies one bias-corrected Adam update to x given gradient g and
	// moment buffers m and v.
	Adam(x, m, v, g Vector, p AdamStep)
	Free(v Vector)
	// Err reports the first failure of the underlying storage, if any.
	Err() error
}

// HostVectors keeps state in ordinary memory as float64 slices.
type HostVectors struct{}

type hostVec []float64

func (v hostVec) Len() int { return len(v) }

func host(v Vector) []float64 { return v.(hostVec) }

func (HostVectors) Name() string { return "host" }

func (HostVectors) New(n int) Vector { return hostVec(make([]float64, n)) }

func (HostVectors) Set(dst Vector, src []float64) { copy(host(dst), src) }

func (HostVectors) Get(dst []float64, src Vector) { copy(dst, host(src)) }

func (HostVectors) Copy(dst, src Vector) { copy(host(dst), host(src)) }

func (HostVectors) Dot(a, b Vector) float64 { return floats.Dot(host(a), host(b)) }

func (HostVectors) AddScaled(dst Vector, alpha float64, s Vector) {
	floats.AddScaled(host(dst), alpha, host(s))
}

func (HostVectors) Scale(alpha float64, dst Vector) { floats.Scale(alpha, host(dst)) }

func (HostVectors) Adam(x, m, v, g Vector, p AdamStep) {
	xs, ms, vs, gs := host(x), host(m), host(v), host(g)
	for i, gi := range gs {
		ms[i] = p.Beta1*ms[i] + (1-p.Beta1)*gi
		vs[i] = p.Beta2*vs[i] + (1-p.Beta2)*gi*gi
		mHat := ms[i] / p.Correction1
		vHat := vs[i] / p.Correction2
		xs[i] -= p.LR * mHat / (math.Sqrt(vHat) + p.Epsilon)
	}
}

func (HostVectors) Free(Vector) {}

func (HostVectors) Err() error { return nil }
