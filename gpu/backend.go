//go:build gpu

package gpu

import (
	"fmt"
	"log"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/artstyle/nn"
)

const gemmTile = 16

const gemmShader = `
struct Dims { m: u32, n: u32, k: u32, trans_b: u32 }

@group(0) @binding(0) var<storage, read> a : array<f32>;
@group(0) @binding(1) var<storage, read> b : array<f32>;
@group(0) @binding(2) var<storage, read_write> c : array<f32>;
@group(0) @binding(3) var<uniform> dims : Dims;

@compute @workgroup_size(16, 16, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let row = gid.y;
	let col = gid.x;
	if (row >= dims.m || col >= dims.n) { return; }
	var acc = 0.0;
	for (var i = 0u; i < dims.k; i = i + 1u) {
		var bv : f32;
		if (dims.trans_b == 1u) {
			bv = b[col * dims.k + i];
		} else {
			bv = b[i * dims.n + col];
		}
		acc = acc + a[row * dims.k + i] * bv;
	}
	c[row * dims.n + col] = acc;
}
`

// Backend runs matrix products on the GPU. Elementwise loops and products
// too wide for one dispatch stay on the CPU backend it wraps.
type Backend struct {
	ctx  *Context
	gemm *kernel
	cpu  *nn.CPUBackend
	max  uint32
}

// NewBackend opens the shared context and compiles the GEMM kernel.
func NewBackend(logger *log.Logger, workers int) (*Backend, error) {
	c, err := GetContext(logger)
	if err != nil {
		return nil, err
	}
	k, err := c.compile("GEMM", gemmShader,
		wgpu.BufferBindingTypeReadOnlyStorage,
		wgpu.BufferBindingTypeReadOnlyStorage,
		wgpu.BufferBindingTypeStorage,
		wgpu.BufferBindingTypeUniform,
	)
	if err != nil {
		return nil, err
	}
	return &Backend{ctx: c, gemm: k, cpu: nn.NewCPUBackend(workers), max: 65535}, nil
}

// Name returns "webgpu".
func (b *Backend) Name() string { return "webgpu" }

// Context exposes the device the backend runs on.
func (b *Backend) Context() *Context { return b.ctx }

// MatMul computes c = a @ b.
func (b *Backend) MatMul(a, bm, c []float32, m, n, k int) error {
	return b.matmul(a, bm, c, m, n, k, false)
}

// MatMulTransB computes c = a @ bᵀ.
func (b *Backend) MatMulTransB(a, bm, c []float32, m, n, k int) error {
	return b.matmul(a, bm, c, m, n, k, true)
}

func (b *Backend) matmul(a, bm, c []float32, m, n, k int, transB bool) error {
	if len(a) < m*k || len(bm) < k*n || len(c) < m*n {
		return &nn.ShapeError{Op: "MatMul", Detail: fmt.Sprintf("m=%d n=%d k=%d with lengths %d/%d/%d", m, n, k, len(a), len(bm), len(c))}
	}
	if m == 0 || n == 0 {
		return nil
	}
	if k == 0 || groups(n, gemmTile) > b.max || groups(m, gemmTile) > b.max {
		if transB {
			return b.cpu.MatMulTransB(a, bm, c, m, n, k)
		}
		return b.cpu.MatMul(a, bm, c, m, n, k)
	}

	bufA, err := b.ctx.NewFloatBuffer(a[:m*k], storageUsage)
	if err != nil {
		return err
	}
	defer bufA.Destroy()
	bufB, err := b.ctx.NewFloatBuffer(bm[:k*n], storageUsage)
	if err != nil {
		return err
	}
	defer bufB.Destroy()
	bufC, err := b.ctx.NewEmptyBuffer("GEMM_C", m*n)
	if err != nil {
		return err
	}
	defer bufC.Destroy()
	flag := uint32(0)
	if transB {
		flag = 1
	}
	dims, err := b.ctx.NewUniform([]uint32{uint32(m), uint32(n), uint32(k), flag})
	if err != nil {
		return err
	}
	defer dims.Destroy()

	if err := b.ctx.run(b.gemm, groups(n, gemmTile), groups(m, gemmTile), bufA, bufB, bufC, dims); err != nil {
		return err
	}
	out, err := b.ctx.ReadBuffer(bufC, m*n)
	if err != nil {
		return err
	}
	copy(c, out)
	return nil
}

// ParallelFor runs on the wrapped CPU backend.
func (b *Backend) ParallelFor(n int, fn func(start, end int)) { b.cpu.ParallelFor(n, fn) }

// Close releases the pipeline and the CPU workers. The shared context stays
// open for the life of the process.
func (b *Backend) Close() {
	b.gemm.release()
	b.cpu.Close()
}
