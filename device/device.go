// Package device answers "is accelerated compute available" and hands the
// engine a concrete compute backend plus a home for optimizer state.
package device

import (
	"io"
	"log"
	"strings"

	"github.com/openfluke/artstyle/errs"
	"github.com/openfluke/artstyle/nn"
	"github.com/openfluke/artstyle/optim"
)

// Kind is the requested compute target.
type Kind string

const (
	KindCPU         Kind = "cpu"
	KindAccelerated Kind = "accelerated"
	KindAuto        Kind = "auto"
)

// ParseKind validates a device setting. "cuda" and "gpu" are accepted as
// aliases for accelerated; the empty string means auto.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return KindAuto, nil
	case "cpu":
		return KindCPU, nil
	case "accelerated", "cuda", "gpu":
		return KindAccelerated, nil
	}
	return "", errs.Configuration("unknown device %q (want cpu, accelerated or auto)", s).
		WithContext("option", "device")
}

// accelerator is an opened accelerated device.
type accelerator interface {
	Name() string
	Backend() nn.Backend
	Vectors() optim.Vectors
	Close()
}

// probe opens the accelerator; replaced in tests.
var probe = openAccelerator

// Device is the compute placement chosen for one run.
type Device struct {
	// Kind is the resolved target, never KindAuto.
	Kind Kind
	Name string
	// Backend runs the extractor and loss arithmetic.
	Backend nn.Backend

	accel accelerator
}

// Options tune Select.
type Options struct {
	// Workers bounds CPU parallelism; <= 0 uses GOMAXPROCS.
	Workers int
	Logger  *log.Logger
}

// Select resolves kind to a device. An explicit accelerated request fails
// with DEVICE_UNAVAILABLE when no accelerator can be opened; auto falls back
// to the CPU and logs why.
func Select(kind Kind, opts Options) (*Device, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	switch kind {
	case KindCPU:
		return cpuDevice(opts.Workers), nil
	case KindAccelerated, KindAuto:
		a, err := probe(logger, opts.Workers)
		if err == nil {
			logger.Printf("[device] using accelerator %s", a.Name())
			return &Device{Kind: KindAccelerated, Name: a.Name(), Backend: a.Backend(), accel: a}, nil
		}
		if kind == KindAccelerated {
			return nil, errs.DeviceUnavailable(err, "accelerated compute requested but unavailable").
				WithContext("device", string(kind))
		}
		logger.Printf("[device] accelerator unavailable, using cpu: %v", err)
		return cpuDevice(opts.Workers), nil
	}
	return nil, errs.Configuration("unknown device %q", kind).WithContext("option", "device")
}

func cpuDevice(workers int) *Device {
	return &Device{Kind: KindCPU, Name: "cpu", Backend: nn.NewCPUBackend(workers)}
}

// Accelerated reports whether the device runs on an accelerator.
func (d *Device) Accelerated() bool { return d.accel != nil }

// StateVectors returns where optimizer state lives. With offload, or on a
// CPU device, state stays in host memory.
func (d *Device) StateVectors(offload bool) optim.Vectors {
	if offload || d.accel == nil {
		return optim.HostVectors{}
	}
	return d.accel.Vectors()
}

// Placement describes where compute and optimizer state live.
type Placement struct {
	Compute string
	State   string
}

// Placement reports the compute and state locations for a run.
func (d *Device) Placement(offload bool) Placement {
	return Placement{Compute: d.Backend.Name(), State: d.StateVectors(offload).Name()}
}

// Close releases the backend and any accelerator resources.
func (d *Device) Close() {
	if d.accel != nil {
		d.accel.Close()
		return
	}
	if d.Backend != nil {
		d.Backend.Close()
	}
}
