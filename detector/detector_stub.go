//go:build !gpu

package detector

// Detect reports ErrNoGPU in builds without accelerated compute.
func Detect() (*Report, error) { return nil, ErrNoGPU }
