//go:build gpu

package gpu

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// Context holds the single WebGPU device shared by every kernel.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue

	// AdapterName and Vendor describe the selected adapter.
	AdapterName string
	Vendor      string
}

var (
	ctx     Context
	ctxOnce sync.Once
	ctxErr  error
)

// GetContext returns the process-wide context, creating it on first use.
// Discrete NVIDIA adapters are preferred, then high performance, then low
// power, then whatever the platform offers.
func GetContext(logger *log.Logger) (*Context, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctxOnce.Do(func() {
		ctxErr = ctx.open(logger)
	})
	if ctxErr != nil {
		return nil, ctxErr
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, fmt.Errorf("gpu: device or queue not initialized")
	}
	return &ctx, nil
}

func (c *Context) open(logger *log.Logger) error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return fmt.Errorf("gpu: failed to create WebGPU instance")
	}

	for _, a := range c.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		if strings.Contains(strings.ToLower(info.Name), "nvidia") ||
			strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			logger.Printf("[gpu] selecting adapter %s", info.Name)
			c.Adapter = a
			break
		}
	}

	var err error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, err = c.Instance.RequestAdapter(opts)
		if err != nil {
			logger.Printf("[gpu] adapter request failed: %v", err)
		}
	}
	if c.Adapter == nil {
		return fmt.Errorf("gpu: no adapter available: %v", err)
	}

	info := c.Adapter.GetInfo()
	c.AdapterName = strings.TrimSpace(info.Name)
	c.Vendor = strings.TrimSpace(info.VendorName)
	logger.Printf("[gpu] using adapter %s (%s)", c.AdapterName, c.Vendor)

	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("gpu: request device: %w", err)
	}
	c.Queue = c.Device.GetQueue()
	return nil
}
