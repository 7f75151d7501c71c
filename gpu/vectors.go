//go:build gpu

package gpu

import (
	"math"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/artstyle/optim"
)

const vecGroup = 256

const axpyShader = `
struct Params { n: u32, alpha: f32 }
@group(0) @binding(0) var<storage, read_write> dst : array<f32>;
@group(0) @binding(1) var<storage, read> src : array<f32>;
@group(0) @binding(2) var<uniform> p : Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let i = gid.x;
	if (i >= p.n) { return; }
	dst[i] = dst[i] + p.alpha * src[i];
}
`

const scaleShader = `
struct Params { n: u32, alpha: f32 }
@group(0) @binding(0) var<storage, read_write> dst : array<f32>;
@group(0) @binding(1) var<uniform> p : Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let i = gid.x;
	if (i >= p.n) { return; }
	dst[i] = p.alpha * dst[i];
}
`

// Each workgroup reduces 256 products into one partial sum.
const dotShader = `
struct Params { n: u32 }
@group(0) @binding(0) var<storage, read> a : array<f32>;
@group(0) @binding(1) var<storage, read> b : array<f32>;
@group(0) @binding(2) var<storage, read_write> partial : array<f32>;
@group(0) @binding(3) var<uniform> p : Params;

var<workgroup> scratch : array<f32, 256>;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>,
        @builtin(local_invocation_id) lid: vec3<u32>,
        @builtin(workgroup_id) wid: vec3<u32>) {
	var v = 0.0;
	if (gid.x < p.n) { v = a[gid.x] * b[gid.x]; }
	scratch[lid.x] = v;
	workgroupBarrier();
	for (var s = 128u; s > 0u; s = s >> 1u) {
		if (lid.x < s) { scratch[lid.x] = scratch[lid.x] + scratch[lid.x + s]; }
		workgroupBarrier();
	}
	if (lid.x == 0u) { partial[wid.x] = scratch[0]; }
}
`

const adamShader = `
struct Params { n: u32, lr: f32, beta1: f32, beta2: f32, eps: f32, c1: f32, c2: f32 }
@group(0) @binding(0) var<storage, read_write> x : array<f32>;
@group(0) @binding(1) var<storage, read_write> m : array<f32>;
@group(0) @binding(2) var<storage, read_write> v : array<f32>;
@group(0) @binding(3) var<storage, read> g : array<f32>;
@group(0) @binding(4) var<uniform> p : Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let i = gid.x;
	if (i >= p.n) { return; }
	let gi = g[i];
	m[i] = p.beta1 * m[i] + (1.0 - p.beta1) * gi;
	v[i] = p.beta2 * v[i] + (1.0 - p.beta2) * gi * gi;
	let mh = m[i] / p.c1;
	let vh = v[i] / p.c2;
	x[i] = x[i] - p.lr * mh / (sqrt(vh) + p.eps);
}
`

// Vectors keeps optimizer state in float32 device buffers. The first device
// error is sticky and reported by Err; later calls become no-ops.
type Vectors struct {
	ctx                    *Context
	axpy, scale, dot, adam *kernel
	err                    error
}

type vec struct {
	buf *wgpu.Buffer
	n   int
}

func (v *vec) Len() int { return v.n }

// NewVectors compiles the vector kernels on the shared context.
func NewVectors(c *Context) (*Vectors, error) {
	ro, rw, un := wgpu.BufferBindingTypeReadOnlyStorage, wgpu.BufferBindingTypeStorage, wgpu.BufferBindingTypeUniform
	v := &Vectors{ctx: c}
	var err error
	if v.axpy, err = c.compile("Axpy", axpyShader, rw, ro, un); err != nil {
		return nil, err
	}
	if v.scale, err = c.compile("Scale", scaleShader, rw, un); err != nil {
		return nil, err
	}
	if v.dot, err = c.compile("Dot", dotShader, ro, ro, rw, un); err != nil {
		return nil, err
	}
	if v.adam, err = c.compile("Adam", adamShader, rw, rw, rw, ro, un); err != nil {
		return nil, err
	}
	return v, nil
}

func (g *Vectors) Name() string { return "webgpu" }

// Err returns the first device error encountered.
func (g *Vectors) Err() error { return g.err }

func (g *Vectors) fail(err error) bool {
	if err != nil && g.err == nil {
		g.err = err
	}
	return g.err != nil
}

func (g *Vectors) New(n int) optim.Vector {
	buf, err := g.ctx.NewEmptyBuffer("OptimState", n)
	g.fail(err)
	return &vec{buf: buf, n: n}
}

func (g *Vectors) Set(dst optim.Vector, src []float64) {
	d := dst.(*vec)
	if g.err != nil || d.buf == nil {
		return
	}
	f := make([]float32, len(src))
	for i, v := range src {
		f[i] = float32(v)
	}
	g.ctx.Queue.WriteBuffer(d.buf, 0, wgpu.ToBytes(f))
}

func (g *Vectors) Get(dst []float64, src optim.Vector) {
	s := src.(*vec)
	if g.err != nil || s.buf == nil {
		return
	}
	f, err := g.ctx.ReadBuffer(s.buf, s.n)
	if g.fail(err) {
		return
	}
	for i, v := range f {
		dst[i] = float64(v)
	}
}

func (g *Vectors) Copy(dst, src optim.Vector) {
	d, s := dst.(*vec), src.(*vec)
	if g.err != nil || d.buf == nil || s.buf == nil {
		return
	}
	enc, err := g.ctx.Device.CreateCommandEncoder(nil)
	if g.fail(err) {
		return
	}
	enc.CopyBufferToBuffer(s.buf, 0, d.buf, 0, uint64(s.n*4))
	cmd, err := enc.Finish(nil)
	if g.fail(err) {
		return
	}
	g.ctx.Queue.Submit(cmd)
}

func (g *Vectors) Dot(a, b optim.Vector) float64 {
	va, vb := a.(*vec), b.(*vec)
	if g.err != nil || va.buf == nil || vb.buf == nil {
		return math.NaN()
	}
	n := groups(va.n, vecGroup)
	partial, err := g.ctx.NewEmptyBuffer("DotPartial", int(n))
	if g.fail(err) {
		return math.NaN()
	}
	defer partial.Destroy()
	params, err := g.ctx.NewUniform([]uint32{uint32(va.n)})
	if g.fail(err) {
		return math.NaN()
	}
	defer params.Destroy()
	if g.fail(g.ctx.run(g.dot, n, 1, va.buf, vb.buf, partial, params)) {
		return math.NaN()
	}
	sums, err := g.ctx.ReadBuffer(partial, int(n))
	if g.fail(err) {
		return math.NaN()
	}
	var total float64
	for _, s := range sums {
		total += float64(s)
	}
	return total
}

func (g *Vectors) AddScaled(dst optim.Vector, alpha float64, s optim.Vector) {
	d, sv := dst.(*vec), s.(*vec)
	g.elementwise(g.axpy, d.n, []float32{float32(alpha)}, d.buf, sv.buf)
}

func (g *Vectors) Scale(alpha float64, dst optim.Vector) {
	d := dst.(*vec)
	g.elementwise(g.scale, d.n, []float32{float32(alpha)}, d.buf)
}

func (g *Vectors) Adam(x, m, v, grad optim.Vector, p optim.AdamStep) {
	xv := x.(*vec)
	g.elementwise(g.adam, xv.n, []float32{
		float32(p.LR), float32(p.Beta1), float32(p.Beta2), float32(p.Epsilon),
		float32(p.Correction1), float32(p.Correction2),
	}, xv.buf, m.(*vec).buf, v.(*vec).buf, grad.(*vec).buf)
}

// elementwise dispatches k over n elements with uniform {n, scalars...}.
func (g *Vectors) elementwise(k *kernel, n int, scalars []float32, bufs ...*wgpu.Buffer) {
	if g.err != nil || n == 0 {
		return
	}
	for _, b := range bufs {
		if b == nil {
			return
		}
	}
	words := []uint32{uint32(n)}
	for _, s := range scalars {
		words = append(words, math.Float32bits(s))
	}
	params, err := g.ctx.NewUniform(words)
	if g.fail(err) {
		return
	}
	defer params.Destroy()
	g.fail(g.ctx.run(k, groups(n, vecGroup), 1, append(bufs, params)...))
}

func (g *Vectors) Free(v optim.Vector) {
	if d := v.(*vec); d.buf != nil {
		d.buf.Destroy()
		d.buf = nil
	}
}

// Close releases the compiled pipelines.
func (g *Vectors) Close() {
	for _, k := range []*kernel{g.axpy, g.scale, g.dot, g.adam} {
		k.release()
	}
}
