package nn

import (
	"github.com/ajroetker/go-highway/hwy/contrib/matmul"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

// Backend defines the dense linear algebra the extractor and the loss model
// are built on. This abstraction allows swapping implementations (CPU, GPU)
// without changing layer code. All matrices are row-major float32.
type Backend interface {
	// Name identifies the backend in logs and reports.
	Name() string

	// MatMul computes c = a @ b
	// a shape: [M, K], b shape: [K, N] -> c shape: [M, N]
	MatMul(a, b, c []float32, m, n, k int) error

	// MatMulTransB computes c = a @ bᵀ
	// a shape: [M, K], b shape: [N, K] -> c shape: [M, N]
	MatMulTransB(a, b, c []float32, m, n, k int) error

	// ParallelFor splits [0, n) into contiguous ranges and runs fn on each.
	// It blocks until every range has been processed.
	ParallelFor(n int, fn func(start, end int))

	// Close releases pooled workers and device resources.
	Close()
}

// =============================================================================
// CPUBackend Implementation
// =============================================================================

// CPUBackend runs on the host using SIMD GEMM kernels and a persistent
// worker pool.
type CPUBackend struct {
	pool *workerpool.Pool
}

// NewCPUBackend creates a CPU backend with the given number of workers.
// workers <= 0 uses GOMAXPROCS.
func NewCPUBackend(workers int) *CPUBackend {
	return &CPUBackend{pool: workerpool.New(workers)}
}

// Name returns "cpu".
func (b *CPUBackend) Name() string { return "cpu" }

// MatMul computes c = a @ b.
func (b *CPUBackend) MatMul(a, bm, c []float32, m, n, k int) error {
	if err := checkGEMM(len(a), len(bm), len(c), m, n, k); err != nil {
		return err
	}
	if m == 0 || n == 0 {
		return nil
	}
	if k == 0 {
		clear(c[:m*n])
		return nil
	}
	matmul.MatMulAutoWithPool(b.pool, a[:m*k], bm[:k*n], c[:m*n], m, n, k)
	return nil
}

// MatMulTransB computes c = a @ bᵀ.
func (b *CPUBackend) MatMulTransB(a, bm, c []float32, m, n, k int) error {
	if err := checkGEMM(len(a), len(bm), len(c), m, n, k); err != nil {
		return err
	}
	if m == 0 || n == 0 {
		return nil
	}
	if k == 0 {
		clear(c[:m*n])
		return nil
	}
	matmul.MatMulKLastAutoWithPool(b.pool, a[:m*k], bm[:n*k], c[:m*n], m, n, k)
	return nil
}

// ParallelFor runs fn over contiguous chunks of [0, n) on the pool.
func (b *CPUBackend) ParallelFor(n int, fn func(start, end int)) {
	b.pool.ParallelFor(n, fn)
}

// Workers returns the pool size.
func (b *CPUBackend) Workers() int { return b.pool.NumWorkers() }

// Close stops the worker pool. Later ParallelFor calls run sequentially.
func (b *CPUBackend) Close() { b.pool.Close() }

func checkGEMM(la, lb, lc, m, n, k int) error {
	if m < 0 || n < 0 || k < 0 {
		return &ShapeError{Op: "matmul", Detail: "negative dimension"}
	}
	if la < m*k || lb < k*n || lc < m*n {
		return &ShapeError{Op: "matmul", Detail: "operand shorter than its shape"}
	}
	return nil
}

// ShapeError reports operands whose sizes disagree with the requested shape.
type ShapeError struct {
	Op     string
	Detail string
}

func (e *ShapeError) Error() string { return "nn: " + e.Op + ": " + e.Detail }
