//go:build gpu

package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// kernel is a compiled compute pipeline with an explicit bind group layout.
type kernel struct {
	label    string
	pipeline *wgpu.ComputePipeline
	layout   *wgpu.BindGroupLayout
}

// compile builds a pipeline whose bindings 0..n-1 have the given types.
func (c *Context) compile(label, code string, bindings ...wgpu.BufferBindingType) (*kernel, error) {
	module, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: compile %s: %w", label, err)
	}
	defer module.Release()

	entries := make([]wgpu.BindGroupLayoutEntry, len(bindings))
	for i, t := range bindings {
		entries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: t},
		}
	}
	layout, err := c.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   label + "_BGL",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: %s layout: %w", label, err)
	}
	pipelineLayout, err := c.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            label + "_Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{layout},
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: %s pipeline layout: %w", label, err)
	}
	pipeline, err := c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  label + "_Pipe",
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: %s pipeline: %w", label, err)
	}
	return &kernel{label: label, pipeline: pipeline, layout: layout}, nil
}

// run binds bufs in order, dispatches x×y workgroups and submits.
func (c *Context) run(k *kernel, x, y uint32, bufs ...*wgpu.Buffer) error {
	entries := make([]wgpu.BindGroupEntry, len(bufs))
	for i, b := range bufs {
		entries[i] = wgpu.BindGroupEntry{Binding: uint32(i), Buffer: b, Size: b.GetSize()}
	}
	bg, err := c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   k.label + "_Bind",
		Layout:  k.layout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("gpu: %s bind group: %w", k.label, err)
	}
	defer bg.Release()

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return err
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(x, y, 1)
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return err
	}
	c.Queue.Submit(cmd)
	return nil
}

func (k *kernel) release() {
	if k != nil && k.pipeline != nil {
		k.pipeline.Release()
	}
}

func groups(n, size int) uint32 {
	return uint32((n + size - 1) / size)
}
