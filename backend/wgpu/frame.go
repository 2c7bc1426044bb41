package wgpu

import (
	"fmt"
	"image"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/Xrmastrer55/terminal/gpu"
)

// BeginFrame implements gpu.Device. Draws are recorded into one render
// pass per frame; resource bindings are resolved lazily at the first draw
// after a state change.
func (d *Device) BeginFrame(target gpu.TextureID) {
	if d.err != nil {
		return
	}

	var view hal.TextureView
	if target == gpu.Backbuffer {
		acquired, err := d.surface.AcquireView()
		if err != nil {
			d.fail(fmt.Errorf("wgpu: acquire backbuffer: %w", err))
			return
		}
		d.backbuffer = acquired
		view = acquired
	} else {
		t, ok := d.textures[target]
		if !ok {
			d.fail(fmt.Errorf("wgpu: begin frame on unknown texture %d", target))
			return
		}
		view = t.view
	}

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "frame_encoder",
	})
	if err != nil {
		d.fail(fmt.Errorf("wgpu: create command encoder: %w", err))
		return
	}
	if err := encoder.BeginEncoding("frame"); err != nil {
		d.fail(fmt.Errorf("wgpu: begin encoding: %w", err))
		return
	}
	d.encoder = encoder

	d.pass = encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "frame_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{
			{
				View:    view,
				LoadOp:  gputypes.LoadOpLoad,
				StoreOp: gputypes.StoreOpStore,
			},
		},
	})
	d.bindingsDirty = true
}

// SetPipeline implements gpu.Device.
func (d *Device) SetPipeline(id gpu.PipelineID) {
	d.curPipeline = id
	d.bindingsDirty = true
	if p, ok := d.pipelines[id]; ok && d.pass != nil {
		d.pass.SetPipeline(p.pipeline)
	}
}

// SetVertexBuffer implements gpu.Device.
func (d *Device) SetVertexBuffer(slot int, id gpu.BufferID) {
	if slot < 0 || slot >= len(d.curVertex) {
		return
	}
	d.curVertex[slot] = id
	if b, ok := d.buffers[id]; ok && d.pass != nil {
		d.pass.SetVertexBuffer(uint32(slot), b.buf, 0)
	}
}

// SetIndexBuffer implements gpu.Device.
func (d *Device) SetIndexBuffer(id gpu.BufferID) {
	d.curIndex = id
	if b, ok := d.buffers[id]; ok && d.pass != nil {
		d.pass.SetIndexBuffer(b.buf, gputypes.IndexFormatUint16, 0)
	}
}

// SetTextures implements gpu.Device.
func (d *Device) SetTextures(ids ...gpu.TextureID) {
	d.curTextures = append(d.curTextures[:0], ids...)
	d.bindingsDirty = true
}

// SetSampler implements gpu.Device.
func (d *Device) SetSampler(id gpu.SamplerID) {
	d.curSampler = id
	d.bindingsDirty = true
}

// SetUniformBuffer implements gpu.Device.
func (d *Device) SetUniformBuffer(slot int, id gpu.BufferID) {
	if slot < 0 || slot >= len(d.curUniforms) {
		return
	}
	d.curUniforms[slot] = id
	d.bindingsDirty = true
}

// flushBindings builds and sets the bind group for the current pipeline
// and resources. Bind groups are transient: the renderer changes bindings
// a handful of times per frame, so rebuild cost is negligible.
func (d *Device) flushBindings() {
	if !d.bindingsDirty || d.pass == nil || d.err != nil {
		return
	}
	p, ok := d.pipelines[d.curPipeline]
	if !ok {
		return
	}

	var entries []gputypes.BindGroupEntry
	binding := uint32(0)
	if p.desc.InstanceLayout {
		for _, id := range d.curUniforms {
			if b, ok := d.buffers[id]; ok {
				entries = append(entries, gputypes.BindGroupEntry{
					Binding:  binding,
					Resource: gputypes.BufferBinding{Buffer: b.buf.NativeHandle(), Offset: 0, Size: uint64(len0(b.desc))},
				})
			}
			binding++
		}
		for _, id := range d.curTextures {
			if t, ok := d.textures[id]; ok {
				entries = append(entries, gputypes.BindGroupEntry{
					Binding:  binding,
					Resource: gputypes.TextureViewBinding{TextureView: t.view.NativeHandle()},
				})
				t.boundThisFrame = true
			}
			binding++
		}
	} else {
		if b, ok := d.buffers[d.curUniforms[0]]; ok {
			entries = append(entries, gputypes.BindGroupEntry{
				Binding:  0,
				Resource: gputypes.BufferBinding{Buffer: b.buf.NativeHandle(), Offset: 0, Size: uint64(len0(b.desc))},
			})
		}
		if len(d.curTextures) > 0 {
			if t, ok := d.textures[d.curTextures[0]]; ok {
				entries = append(entries, gputypes.BindGroupEntry{
					Binding:  1,
					Resource: gputypes.TextureViewBinding{TextureView: t.view.NativeHandle()},
				})
				t.boundThisFrame = true
			}
		}
		if s, ok := d.samplers[d.curSampler]; ok {
			entries = append(entries, gputypes.BindGroupEntry{
				Binding:  2,
				Resource: gputypes.SamplerBinding{Sampler: s.NativeHandle()},
			})
		}
	}

	bindGroup, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "frame_bindings",
		Layout:  p.bindLayout,
		Entries: entries,
	})
	if err != nil {
		d.fail(fmt.Errorf("wgpu: create bind group: %w", err))
		return
	}
	d.pass.SetBindGroup(0, bindGroup, nil)
	d.frameBindGroups = append(d.frameBindGroups, bindGroup)
	d.bindingsDirty = false
}

func len0(desc gpu.BufferDescriptor) int {
	if desc.Size > 0 {
		return desc.Size
	}
	return len(desc.Contents)
}

// DrawIndexedInstanced implements gpu.Device.
func (d *Device) DrawIndexedInstanced(indexCount, instanceCount, firstIndex, baseVertex, firstInstance int) {
	if d.pass == nil || d.err != nil {
		return
	}
	d.flushBindings()
	d.pass.DrawIndexed(uint32(indexCount), uint32(instanceCount), uint32(firstIndex), int32(baseVertex), uint32(firstInstance))
}

// Draw implements gpu.Device.
func (d *Device) Draw(vertexCount, firstVertex int) {
	if d.pass == nil || d.err != nil {
		return
	}
	d.flushBindings()
	d.pass.Draw(uint32(vertexCount), 1, uint32(firstVertex), 0)
}

// EndFrame implements gpu.Device. The pass is ended and the command
// buffer submitted; the fence wait keeps dynamic buffer writes of the
// next frame ordered behind this one.
func (d *Device) EndFrame() {
	if d.pass != nil {
		d.pass.End()
		d.pass = nil
	}
	if d.encoder == nil {
		return
	}

	cmdBuf, err := d.encoder.EndEncoding()
	d.encoder = nil
	if err != nil {
		d.fail(fmt.Errorf("wgpu: end encoding: %w", err))
		return
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	fence, err := d.device.CreateFence()
	if err != nil {
		d.fail(fmt.Errorf("wgpu: create fence: %w", err))
		return
	}
	defer d.device.DestroyFence(fence)

	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		d.fail(fmt.Errorf("wgpu: submit: %w", err))
		return
	}
	if ok, err := d.device.Wait(fence, 1, submitTimeout); err != nil || !ok {
		d.fail(fmt.Errorf("wgpu: wait for frame: ok=%v err=%v", ok, err))
		return
	}

	d.releaseFrameBindGroups()
	d.releaseRetired()
	for _, b := range d.buffers {
		b.wroteThisFrame = false
	}
	for _, t := range d.textures {
		t.boundThisFrame = false
	}
}

// Present implements gpu.Device.
func (d *Device) Present(dirty image.Rectangle) error {
	if d.err != nil {
		err := d.err
		d.err = nil
		d.releaseFrameBindGroups()
		return err
	}
	return d.surface.Present(dirty)
}

// WaitUntilCanRender implements gpu.Device.
func (d *Device) WaitUntilCanRender() {
	d.surface.WaitUntilCanRender()
}

func (d *Device) releaseFrameBindGroups() {
	for _, bg := range d.frameBindGroups {
		d.device.DestroyBindGroup(bg)
	}
	d.frameBindGroups = d.frameBindGroups[:0]
}

// releaseRetired destroys resources replaced by write-discard renaming.
// Callers ensure the frame's fence has signaled first.
func (d *Device) releaseRetired() {
	for _, b := range d.retiredBuffers {
		d.device.DestroyBuffer(b)
	}
	for _, v := range d.retiredViews {
		d.device.DestroyTextureView(v)
	}
	for _, t := range d.retiredTextures {
		d.device.DestroyTexture(t)
	}
	d.retiredBuffers = d.retiredBuffers[:0]
	d.retiredViews = d.retiredViews[:0]
	d.retiredTextures = d.retiredTextures[:0]
}

// rebindBuffer refreshes pass bindings that point at a renamed buffer.
func (d *Device) rebindBuffer(id gpu.BufferID, b *buffer) {
	if d.pass == nil {
		return
	}
	for slot, bound := range d.curVertex {
		if bound == id {
			d.pass.SetVertexBuffer(uint32(slot), b.buf, 0)
		}
	}
	if d.curIndex == id {
		d.pass.SetIndexBuffer(b.buf, gputypes.IndexFormatUint16, 0)
	}
	for _, bound := range d.curUniforms {
		if bound == id {
			d.bindingsDirty = true
		}
	}
}

func (d *Device) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

var _ gpu.Device = (*Device)(nil)
