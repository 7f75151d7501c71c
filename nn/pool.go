package nn

import "math"

// poolForward applies 2×2, stride 2 pooling. Odd trailing rows and columns
// are dropped. For max pooling the flat input offset of each winner is
// returned so the backward pass can route gradients without the input.
func poolForward(in *Tensor, avg bool, be Backend) (*Tensor, []int32) {
	h, w := in.H, in.W
	oh, ow := h/2, w/2
	out := NewTensor(in.C, oh, ow)
	var argmax []int32
	if !avg {
		argmax = make([]int32, in.C*oh*ow)
	}

	be.ParallelFor(in.C, func(start, end int) {
		for c := start; c < end; c++ {
			src := in.Data[c*h*w : (c+1)*h*w]
			dst := out.Data[c*oh*ow : (c+1)*oh*ow]
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					i0 := (2*y)*w + 2*x
					taps := [4]int{i0, i0 + 1, i0 + w, i0 + w + 1}
					o := y*ow + x
					if avg {
						dst[o] = (src[taps[0]] + src[taps[1]] + src[taps[2]] + src[taps[3]]) * 0.25
						continue
					}
					best, bestIdx := float32(math.Inf(-1)), taps[0]
					for _, t := range taps {
						v := src[t]
						if v != v { // NaN propagates
							best, bestIdx = v, t
							break
						}
						if v > best {
							best, bestIdx = v, t
						}
					}
					dst[o] = best
					argmax[c*oh*ow+o] = int32(bestIdx)
				}
			}
		}
	})
	return out, argmax
}

// poolBackward routes grad (shape of the pooled output) back to an input of
// h×w pixels.
func poolBackward(grad *Tensor, h, w int, avg bool, argmax []int32, be Backend) *Tensor {
	oh, ow := grad.H, grad.W
	gradIn := NewTensor(grad.C, h, w)

	be.ParallelFor(grad.C, func(start, end int) {
		for c := start; c < end; c++ {
			src := grad.Data[c*oh*ow : (c+1)*oh*ow]
			dst := gradIn.Data[c*h*w : (c+1)*h*w]
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					o := y*ow + x
					g := src[o]
					if avg {
						i0 := (2*y)*w + 2*x
						q := g * 0.25
						dst[i0] += q
						dst[i0+1] += q
						dst[i0+w] += q
						dst[i0+w+1] += q
						continue
					}
					dst[argmax[c*oh*ow+o]] += g
				}
			}
		}
	})
	return gradIn
}
