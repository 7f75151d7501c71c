package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChooseWorkgroup(t *testing.T) {
	assert.Equal(t, uint32(256), chooseWorkgroup(1024, 1024))
	assert.Equal(t, uint32(64), chooseWorkgroup(64, 256))
	assert.Equal(t, uint32(1), chooseWorkgroup(0, 0))
}

func TestMaxArea(t *testing.T) {
	assert.Equal(t, 0, maxArea(0))
	// 128 MiB default binding limit.
	side := maxArea(128 << 20)
	assert.LessOrEqual(t, uint64(side*side*27*4), uint64(128<<20))
	assert.Greater(t, uint64((side+1)*(side+1)*27*4), uint64(128<<20))
}

func TestSummary(t *testing.T) {
	var r *Report
	assert.Equal(t, "cpu", r.Summary())
	r = &Report{Name: "Test GPU", Backend: "Vulkan", AdapterType: "DiscreteGPU"}
	assert.Equal(t, "Test GPU (Vulkan, DiscreteGPU)", r.Summary())
	assert.Contains(t, r.String(), `"name": "Test GPU"`)
}
