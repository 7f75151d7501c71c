// Package gpu runs the extractor's matrix products and the optimizer's vector
// updates on a WebGPU device.
//
// The implementation is only compiled with the gpu build tag. Without it the
// package exports ErrNoGPU alone and callers fall back to the CPU.
package gpu

import "errors"

// ErrNoGPU reports that accelerated compute was not compiled in.
var ErrNoGPU = errors.New("gpu: built without accelerated compute (rebuild with -tags gpu)")
