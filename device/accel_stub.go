//go:build !gpu

package device

import (
	"log"

	"github.com/openfluke/artstyle/gpu"
)

func openAccelerator(*log.Logger, int) (accelerator, error) {
	return nil, gpu.ErrNoGPU
}
