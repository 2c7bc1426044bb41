package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/Xrmastrer55/terminal/gpu"
)

// blendState translates the renderer's blend modes into WebGPU blend
// components. Both non-trivial modes use dual source blending, which the
// quad shader opts into with its second blend_src output.
func blendState(mode gpu.BlendMode) *gputypes.BlendState {
	switch mode {
	case gpu.BlendDefault:
		// color: ONE + INV_SRC1_COLOR, alpha: ONE + INV_SRC1_ALPHA. This
		// supports regular source-over and the ClearType weighted lerp in
		// one state: the shader multiplies the foreground by the weights
		// it writes to the second output.
		return &gputypes.BlendState{
			Color: gputypes.BlendComponent{
				SrcFactor: gputypes.BlendFactorOne,
				DstFactor: gputypes.BlendFactorOneMinusSrc1,
				Operation: gputypes.BlendOperationAdd,
			},
			Alpha: gputypes.BlendComponent{
				SrcFactor: gputypes.BlendFactorOne,
				DstFactor: gputypes.BlendFactorOneMinusSrc1Alpha,
				Operation: gputypes.BlendOperationAdd,
			},
		}
	case gpu.BlendInvert:
		// color: src - dst, alpha: SRC1_ALPHA + ZERO. Dual source factors
		// in the alpha component keep the state compatible with the dual
		// source shader, exactly like the color pass.
		return &gputypes.BlendState{
			Color: gputypes.BlendComponent{
				SrcFactor: gputypes.BlendFactorOne,
				DstFactor: gputypes.BlendFactorOne,
				Operation: gputypes.BlendOperationSubtract,
			},
			Alpha: gputypes.BlendComponent{
				SrcFactor: gputypes.BlendFactorSrc1Alpha,
				DstFactor: gputypes.BlendFactorZero,
				Operation: gputypes.BlendOperationAdd,
			},
		}
	default:
		return nil
	}
}

// quadVertexLayouts returns the two vertex buffer layouts of the quad
// pipeline: the shared unit quad on slot 0 and the packed 20-byte
// instance record on slot 1. Matches VertexInput in quad.wgsl.
func quadVertexLayouts() []gputypes.VertexBufferLayout {
	return []gputypes.VertexBufferLayout{
		{
			ArrayStride: 8,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 0},
			},
		},
		{
			ArrayStride: 20,
			StepMode:    gputypes.VertexStepModeInstance,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatUint32, Offset: 0, ShaderLocation: 1},
				{Format: gputypes.VertexFormatSint16x2, Offset: 4, ShaderLocation: 2},
				{Format: gputypes.VertexFormatUint16x2, Offset: 8, ShaderLocation: 3},
				{Format: gputypes.VertexFormatUint16x2, Offset: 12, ShaderLocation: 4},
				{Format: gputypes.VertexFormatUnorm8x4, Offset: 16, ShaderLocation: 5},
			},
		},
	}
}

// bindGroupLayoutEntries describes the resources a pipeline's shader
// binds. The quad shader uses two uniforms and two textures; custom
// shaders use one uniform, one texture and a sampler.
func bindGroupLayoutEntries(instanceLayout bool) []gputypes.BindGroupLayoutEntry {
	if instanceLayout {
		return []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageVertex,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageFragment,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
			{
				Binding:    2,
				Visibility: gputypes.ShaderStageFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
			{
				Binding:    3,
				Visibility: gputypes.ShaderStageFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
		}
	}
	return []gputypes.BindGroupLayoutEntry{
		{
			Binding:    0,
			Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
		},
		{
			Binding:    1,
			Visibility: gputypes.ShaderStageFragment,
			Texture: &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			},
		},
		{
			Binding:    2,
			Visibility: gputypes.ShaderStageFragment,
			Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
		},
	}
}

// CreatePipeline implements gpu.Device.
func (d *Device) CreatePipeline(desc *gpu.PipelineDescriptor) (gpu.PipelineID, error) {
	s, ok := d.shaders[desc.Shader]
	if !ok {
		return gpu.InvalidID, fmt.Errorf("wgpu: pipeline %q references unknown shader", desc.Label)
	}

	bindLayout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label + "_bind_layout",
		Entries: bindGroupLayoutEntries(desc.InstanceLayout),
	})
	if err != nil {
		return gpu.InvalidID, fmt.Errorf("wgpu: create bind group layout %q: %w", desc.Label, err)
	}

	pipeLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            desc.Label + "_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{bindLayout},
	})
	if err != nil {
		d.device.DestroyBindGroupLayout(bindLayout)
		return gpu.InvalidID, fmt.Errorf("wgpu: create pipeline layout %q: %w", desc.Label, err)
	}

	var buffers []gputypes.VertexBufferLayout
	topology := gputypes.PrimitiveTopologyTriangleStrip
	if desc.InstanceLayout {
		buffers = quadVertexLayouts()
		topology = gputypes.PrimitiveTopologyTriangleList
	}

	p, err := d.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: pipeLayout,
		Vertex: hal.VertexState{
			Module:     s.module,
			EntryPoint: desc.VertexEntry,
			Buffers:    buffers,
		},
		Fragment: &hal.FragmentState{
			Module:     s.module,
			EntryPoint: desc.FragmentEntry,
			Targets: []gputypes.ColorTargetState{
				{
					Format:    textureFormat(desc.TargetFormat),
					Blend:     blendState(desc.Blend),
					WriteMask: gputypes.ColorWriteMaskAll,
				},
			},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: topology,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		d.device.DestroyPipelineLayout(pipeLayout)
		d.device.DestroyBindGroupLayout(bindLayout)
		return gpu.InvalidID, fmt.Errorf("wgpu: create pipeline %q: %w", desc.Label, err)
	}

	id := gpu.PipelineID(d.id())
	d.pipelines[id] = &pipeline{
		desc:       *desc,
		pipeline:   p,
		bindLayout: bindLayout,
		pipeLayout: pipeLayout,
	}
	return id, nil
}

// DestroyPipeline implements gpu.Device.
func (d *Device) DestroyPipeline(id gpu.PipelineID) {
	p, ok := d.pipelines[id]
	if !ok {
		return
	}
	d.device.DestroyRenderPipeline(p.pipeline)
	d.device.DestroyPipelineLayout(p.pipeLayout)
	d.device.DestroyBindGroupLayout(p.bindLayout)
	delete(d.pipelines, id)
}
