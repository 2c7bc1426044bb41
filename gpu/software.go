package gpu

import (
	"fmt"
	"image"
	"sync/atomic"
)

// SoftwareDevice is a pure-CPU Device implementation. It stores texture
// and buffer contents in memory and records draw calls instead of
// rasterizing them. It exists for tests and headless use: assertions can
// inspect the exact command stream and resource contents a frame produced.
type SoftwareDevice struct {
	nextID uint64

	textures map[TextureID]*SoftwareTexture
	buffers  map[BufferID]*SoftwareBuffer
	shaders  map[ShaderID]*ShaderDescriptor
	pipes    map[PipelineID]*PipelineDescriptor
	samplers map[SamplerID]*SamplerDescriptor

	// MaxDim overrides the reported maximum texture dimension when
	// non-zero. Tests use it to force atlas growth on small textures.
	MaxDim int

	// Frame recording state.
	frameOpen bool
	target    TextureID
	pipeline  PipelineID

	// Frames holds one record per BeginFrame..EndFrame span, newest last.
	Frames []*SoftwareFrame
	// Presents holds the dirty rect of every Present call.
	Presents []image.Rectangle

	waits atomic.Int64
}

// SoftwareTexture is the CPU backing store of a texture.
type SoftwareTexture struct {
	Desc TextureDescriptor
	// Pix holds Width*Height*4 bytes, rows tightly packed.
	Pix []byte
	// Writes counts WriteTexture calls, Clears counts ClearTexture calls.
	Writes int
	Clears int
}

// SoftwareBuffer is the CPU backing store of a buffer.
type SoftwareBuffer struct {
	Desc   BufferDescriptor
	Data   []byte
	Writes int
}

// SoftwareFrame records the commands of one frame.
type SoftwareFrame struct {
	Target TextureID
	Draws  []SoftwareDraw
}

// SoftwareDraw is one recorded draw call with the pipeline state that was
// current when it was issued.
type SoftwareDraw struct {
	Pipeline      PipelineID
	Blend         BlendMode
	IndexCount    int
	InstanceCount int
	FirstInstance int
	VertexCount   int
	Indexed       bool
}

// NewSoftwareDevice creates an empty software device.
func NewSoftwareDevice() *SoftwareDevice {
	return &SoftwareDevice{
		textures: make(map[TextureID]*SoftwareTexture),
		buffers:  make(map[BufferID]*SoftwareBuffer),
		shaders:  make(map[ShaderID]*ShaderDescriptor),
		pipes:    make(map[PipelineID]*PipelineDescriptor),
		samplers: make(map[SamplerID]*SamplerDescriptor),
	}
}

// Capabilities implements Device. The reported limit matches common
// desktop hardware; tests can lower it by assigning MaxDim.
func (d *SoftwareDevice) Capabilities() Capabilities {
	max := d.MaxDim
	if max == 0 {
		max = 16384
	}
	return Capabilities{MaxTextureDimension2D: max}
}

func (d *SoftwareDevice) id() uint64 {
	d.nextID++
	return d.nextID
}

// CreateTexture implements Device.
func (d *SoftwareDevice) CreateTexture(desc *TextureDescriptor) (TextureID, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return InvalidID, fmt.Errorf("gpu: invalid texture size %dx%d", desc.Width, desc.Height)
	}
	if max := d.Capabilities().MaxTextureDimension2D; desc.Width > max || desc.Height > max {
		return InvalidID, fmt.Errorf("gpu: texture size %dx%d exceeds device limit %d", desc.Width, desc.Height, max)
	}
	id := TextureID(d.id())
	d.textures[id] = &SoftwareTexture{
		Desc: *desc,
		Pix:  make([]byte, desc.Width*desc.Height*4),
	}
	return id, nil
}

// DestroyTexture implements Device.
func (d *SoftwareDevice) DestroyTexture(id TextureID) {
	delete(d.textures, id)
}

// WriteTexture implements Device.
func (d *SoftwareDevice) WriteTexture(id TextureID, region image.Rectangle, data []byte, rowStride int) {
	t, ok := d.textures[id]
	if !ok {
		return
	}
	w := region.Dx()
	if rowStride == 0 {
		rowStride = w * 4
	}
	for y := 0; y < region.Dy(); y++ {
		dstOff := ((region.Min.Y+y)*t.Desc.Width + region.Min.X) * 4
		srcOff := y * rowStride
		copy(t.Pix[dstOff:dstOff+w*4], data[srcOff:srcOff+w*4])
	}
	t.Writes++
}

// ClearTexture implements Device.
func (d *SoftwareDevice) ClearTexture(id TextureID) {
	t, ok := d.textures[id]
	if !ok {
		return
	}
	for i := range t.Pix {
		t.Pix[i] = 0
	}
	t.Clears++
}

// CreateBuffer implements Device.
func (d *SoftwareDevice) CreateBuffer(desc *BufferDescriptor) (BufferID, error) {
	size := desc.Size
	if desc.Contents != nil && size < len(desc.Contents) {
		size = len(desc.Contents)
	}
	if size <= 0 {
		return InvalidID, fmt.Errorf("gpu: invalid buffer size %d", size)
	}
	b := &SoftwareBuffer{Desc: *desc, Data: make([]byte, size)}
	copy(b.Data, desc.Contents)
	id := BufferID(d.id())
	d.buffers[id] = b
	return id, nil
}

// DestroyBuffer implements Device.
func (d *SoftwareDevice) DestroyBuffer(id BufferID) {
	delete(d.buffers, id)
}

// WriteBuffer implements Device.
func (d *SoftwareDevice) WriteBuffer(id BufferID, offset int, data []byte) {
	b, ok := d.buffers[id]
	if !ok {
		return
	}
	if offset+len(data) > len(b.Data) {
		return
	}
	copy(b.Data[offset:], data)
	b.Writes++
}

// CreateShader implements Device. The WGSL source is stored verbatim; the
// software device performs no compilation.
func (d *SoftwareDevice) CreateShader(desc *ShaderDescriptor) (ShaderID, error) {
	if desc.WGSL == "" {
		return InvalidID, fmt.Errorf("gpu: empty shader source for %q", desc.Label)
	}
	id := ShaderID(d.id())
	cp := *desc
	d.shaders[id] = &cp
	return id, nil
}

// DestroyShader implements Device.
func (d *SoftwareDevice) DestroyShader(id ShaderID) {
	delete(d.shaders, id)
}

// CreatePipeline implements Device.
func (d *SoftwareDevice) CreatePipeline(desc *PipelineDescriptor) (PipelineID, error) {
	if _, ok := d.shaders[desc.Shader]; !ok {
		return InvalidID, fmt.Errorf("gpu: pipeline %q references unknown shader", desc.Label)
	}
	id := PipelineID(d.id())
	cp := *desc
	d.pipes[id] = &cp
	return id, nil
}

// DestroyPipeline implements Device.
func (d *SoftwareDevice) DestroyPipeline(id PipelineID) {
	delete(d.pipes, id)
}

// CreateSampler implements Device.
func (d *SoftwareDevice) CreateSampler(desc *SamplerDescriptor) (SamplerID, error) {
	id := SamplerID(d.id())
	cp := *desc
	d.samplers[id] = &cp
	return id, nil
}

// DestroySampler implements Device.
func (d *SoftwareDevice) DestroySampler(id SamplerID) {
	delete(d.samplers, id)
}

// BeginFrame implements Device.
func (d *SoftwareDevice) BeginFrame(target TextureID) {
	d.frameOpen = true
	d.target = target
	d.Frames = append(d.Frames, &SoftwareFrame{Target: target})
}

// SetPipeline implements Device.
func (d *SoftwareDevice) SetPipeline(id PipelineID) {
	d.pipeline = id
}

// SetVertexBuffer implements Device.
func (d *SoftwareDevice) SetVertexBuffer(slot int, id BufferID) {}

// SetIndexBuffer implements Device.
func (d *SoftwareDevice) SetIndexBuffer(id BufferID) {}

// SetTextures implements Device.
func (d *SoftwareDevice) SetTextures(ids ...TextureID) {}

// SetSampler implements Device.
func (d *SoftwareDevice) SetSampler(id SamplerID) {}

// SetUniformBuffer implements Device.
func (d *SoftwareDevice) SetUniformBuffer(slot int, id BufferID) {}

// DrawIndexedInstanced implements Device.
func (d *SoftwareDevice) DrawIndexedInstanced(indexCount, instanceCount, firstIndex, baseVertex, firstInstance int) {
	d.record(SoftwareDraw{
		IndexCount:    indexCount,
		InstanceCount: instanceCount,
		FirstInstance: firstInstance,
		Indexed:       true,
	})
}

// Draw implements Device.
func (d *SoftwareDevice) Draw(vertexCount, firstVertex int) {
	d.record(SoftwareDraw{VertexCount: vertexCount})
}

func (d *SoftwareDevice) record(draw SoftwareDraw) {
	if !d.frameOpen || len(d.Frames) == 0 {
		return
	}
	draw.Pipeline = d.pipeline
	if p, ok := d.pipes[d.pipeline]; ok {
		draw.Blend = p.Blend
	}
	f := d.Frames[len(d.Frames)-1]
	f.Draws = append(f.Draws, draw)
}

// EndFrame implements Device.
func (d *SoftwareDevice) EndFrame() {
	d.frameOpen = false
}

// Present implements Device.
func (d *SoftwareDevice) Present(dirty image.Rectangle) error {
	d.Presents = append(d.Presents, dirty)
	return nil
}

// WaitUntilCanRender implements Device. The software swap chain is always
// ready.
func (d *SoftwareDevice) WaitUntilCanRender() {
	d.waits.Add(1)
}

// Texture returns the backing store of a texture, or nil.
func (d *SoftwareDevice) Texture(id TextureID) *SoftwareTexture {
	return d.textures[id]
}

// Buffer returns the backing store of a buffer, or nil.
func (d *SoftwareDevice) Buffer(id BufferID) *SoftwareBuffer {
	return d.buffers[id]
}

// Pipeline returns the descriptor of a pipeline, or nil.
func (d *SoftwareDevice) Pipeline(id PipelineID) *PipelineDescriptor {
	return d.pipes[id]
}

// LastFrame returns the most recently recorded frame, or nil.
func (d *SoftwareDevice) LastFrame() *SoftwareFrame {
	if len(d.Frames) == 0 {
		return nil
	}
	return d.Frames[len(d.Frames)-1]
}

var _ Device = (*SoftwareDevice)(nil)
