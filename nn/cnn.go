package nn

import (
	"math"
	"math/rand/v2"
)

// maxColumnFloats bounds the im2col scratch buffer (16 MiB of float32).
// Rows of the output are processed in bands small enough to fit.
const maxColumnFloats = 1 << 22

// convLayer is a frozen 3×3, stride 1, padding 1 convolution.
type convLayer struct {
	inC, outC int
	kernel    []float32 // [outC][inC*9]
	kernelT   []float32 // [inC*9][outC], used by the input-gradient pass
	bias      []float32
}

func newConvLayer(inC, outC int, kernel, bias []float32) *convLayer {
	k := inC * KernelSize * KernelSize
	kt := make([]float32, len(kernel))
	for f := 0; f < outC; f++ {
		row := kernel[f*k : (f+1)*k]
		for j, v := range row {
			kt[j*outC+f] = v
		}
	}
	return &convLayer{inC: inC, outC: outC, kernel: kernel, kernelT: kt, bias: bias}
}

// RandomConv initializes one convolution with He-normal kernels and zero bias.
func RandomConv(inC, outC int, rng *rand.Rand) ConvWeights {
	fanIn := inC * KernelSize * KernelSize
	kernel := make([]float32, outC*fanIn)
	stddev := math.Sqrt(2.0 / float64(fanIn))
	for i := range kernel {
		kernel[i] = float32(rng.NormFloat64() * stddev)
	}
	return ConvWeights{Kernel: kernel, Bias: make([]float32, outC)}
}

// bandRows returns how many output rows fit in one im2col band.
func bandRows(k, w, h int) int {
	rows := maxColumnFloats / max(1, k*w)
	return min(max(1, rows), h)
}

// forward performs the convolution as im2col + GEMM.
// input shape: [inC][H][W], output shape: [outC][H][W]
func (l *convLayer) forward(in *Tensor, be Backend) (*Tensor, error) {
	h, w := in.H, in.W
	k := l.inC * KernelSize * KernelSize
	out := NewTensor(l.outC, h, w)
	band := bandRows(k, w, h)

	cols := make([]float32, k*band*w)
	tmp := make([]float32, l.outC*band*w)

	for r0 := 0; r0 < h; r0 += band {
		rows := min(band, h-r0)
		n := rows * w
		im2col(in, r0, rows, cols[:k*n], be)
		if err := be.MatMul(l.kernel, cols[:k*n], tmp[:l.outC*n], l.outC, n, k); err != nil {
			return nil, err
		}
		be.ParallelFor(l.outC, func(start, end int) {
			for f := start; f < end; f++ {
				dst := out.Data[f*h*w+r0*w : f*h*w+r0*w+n]
				src := tmp[f*n : (f+1)*n]
				b := l.bias[f]
				for i, v := range src {
					dst[i] = v + b
				}
			}
		})
	}
	return out, nil
}

// backward computes the gradient with respect to the input only. Kernels and
// biases are frozen, so no parameter gradients are formed.
func (l *convLayer) backward(gradOut *Tensor, be Backend) (*Tensor, error) {
	h, w := gradOut.H, gradOut.W
	k := l.inC * KernelSize * KernelSize
	gradIn := NewTensor(l.inC, h, w)
	band := bandRows(k, w, h)

	dy := make([]float32, l.outC*band*w)
	dcols := make([]float32, k*band*w)

	for r0 := 0; r0 < h; r0 += band {
		rows := min(band, h-r0)
		n := rows * w
		for f := 0; f < l.outC; f++ {
			copy(dy[f*n:(f+1)*n], gradOut.Data[f*h*w+r0*w:f*h*w+r0*w+n])
		}
		// dcols = Wᵀ @ dY
		if err := be.MatMul(l.kernelT, dy[:l.outC*n], dcols[:k*n], k, n, l.outC); err != nil {
			return nil, err
		}
		col2im(dcols[:k*n], gradIn, r0, rows, be)
	}
	return gradIn, nil
}

// im2col lays out the 3×3 neighbourhoods of output rows [r0, r0+rows) as a
// [inC*9][rows*W] matrix. Out-of-bounds taps read as zero.
func im2col(in *Tensor, r0, rows int, cols []float32, be Backend) {
	h, w := in.H, in.W
	n := rows * w
	kk := KernelSize * KernelSize
	be.ParallelFor(in.C*kk, func(start, end int) {
		for idx := start; idx < end; idx++ {
			ic := idx / kk
			kh := (idx % kk) / KernelSize
			kw := idx % KernelSize
			plane := in.Data[ic*h*w : (ic+1)*h*w]
			row := cols[idx*n : (idx+1)*n]
			for oh := 0; oh < rows; oh++ {
				ih := r0 + oh + kh - 1
				dst := row[oh*w : (oh+1)*w]
				if ih < 0 || ih >= h {
					clear(dst)
					continue
				}
				src := plane[ih*w : (ih+1)*w]
				for ow := range dst {
					iw := ow + kw - 1
					if iw < 0 || iw >= w {
						dst[ow] = 0
					} else {
						dst[ow] = src[iw]
					}
				}
			}
		}
	})
}

// col2im scatters column gradients back onto the input. Work is split by
// input channel so no two workers touch the same plane.
func col2im(cols []float32, grad *Tensor, r0, rows int, be Backend) {
	h, w := grad.H, grad.W
	n := rows * w
	kk := KernelSize * KernelSize
	be.ParallelFor(grad.C, func(start, end int) {
		for ic := start; ic < end; ic++ {
			plane := grad.Data[ic*h*w : (ic+1)*h*w]
			for t := 0; t < kk; t++ {
				kh, kw := t/KernelSize, t%KernelSize
				row := cols[(ic*kk+t)*n : (ic*kk+t+1)*n]
				for oh := 0; oh < rows; oh++ {
					ih := r0 + oh + kh - 1
					if ih < 0 || ih >= h {
						continue
					}
					dst := plane[ih*w : (ih+1)*w]
					src := row[oh*w : (oh+1)*w]
					for ow, g := range src {
						iw := ow + kw - 1
						if iw >= 0 && iw < w {
							dst[iw] += g
						}
					}
				}
			}
		}
	})
}
