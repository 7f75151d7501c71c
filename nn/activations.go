package nn

// reluForward returns max(0, x) as a new tensor. NaN passes through.
func reluForward(in *Tensor, be Backend) *Tensor {
	out := NewTensor(in.C, in.H, in.W)
	be.ParallelFor(len(in.Data), func(start, end int) {
		src, dst := in.Data[start:end], out.Data[start:end]
		for i, v := range src {
			if v > 0 || v != v {
				dst[i] = v
			}
		}
	})
	return out
}

// reluBackward masks grad in place where the forward output was not positive.
// The derivative at exactly zero is taken as 0.
func reluBackward(grad, output *Tensor, be Backend) *Tensor {
	be.ParallelFor(len(grad.Data), func(start, end int) {
		g, y := grad.Data[start:end], output.Data[start:end]
		for i := range g {
			if y[i] <= 0 {
				g[i] = 0
			}
		}
	})
	return grad
}
