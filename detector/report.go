// Package detector probes the accelerated compute adapter and summarizes its
// capabilities for device selection and run reports.
package detector

import (
	"encoding/json"

	"github.com/openfluke/artstyle/gpu"
)

// ErrNoGPU is returned by Detect when accelerated compute is not compiled in.
var ErrNoGPU = gpu.ErrNoGPU

// Report is a portable summary of the adapter.
type Report struct {
	WhenISO     string          `json:"when_iso"`
	Backend     string          `json:"backend"`
	AdapterType string          `json:"adapter_type"`
	VendorID    string          `json:"vendor_id_hex"`
	DeviceID    string          `json:"device_id_hex"`
	Name        string          `json:"name"`
	Driver      string          `json:"driver"`
	Recommended Recommendations `json:"recommended"`
	Limits      Limits          `json:"limits"`
	Features    []string        `json:"features"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

type Recommendations struct {
	WorkgroupX uint32 `json:"workgroup_x"`
	// MaxArea is the largest canvas side whose conv1 im2col buffer fits in
	// one storage binding.
	MaxArea int `json:"max_area"`
}

// String renders the report as indented JSON.
func (r *Report) String() string {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return r.Name
	}
	return string(b)
}

// Summary is a one-line description used in logs.
func (r *Report) Summary() string {
	if r == nil {
		return "cpu"
	}
	return r.Name + " (" + r.Backend + ", " + r.AdapterType + ")"
}

func chooseWorkgroup(maxX, maxTotal uint32) uint32 {
	for _, c := range []uint32{256, 128, 64, 32, 16, 8, 4, 1} {
		if c <= maxX && c <= maxTotal {
			return c
		}
	}
	return 1
}

// maxArea returns the largest square canvas side whose first convolution
// column buffer (27 floats per pixel) fits in maxBinding bytes.
func maxArea(maxBinding uint64) int {
	if maxBinding == 0 {
		return 0
	}
	side := 1
	for uint64((side+1)*(side+1)*27*4) <= maxBinding {
		side++
		if side >= 1<<14 {
			break
		}
	}
	return side
}
