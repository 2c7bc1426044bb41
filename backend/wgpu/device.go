// Package wgpu adapts a WebGPU HAL device to the renderer's gpu.Device
// contract. The adapter owns resource bookkeeping only; device, queue and
// surface presentation are injected by the host application, which keeps
// window and swap chain creation outside the renderer.
package wgpu

import (
	"fmt"
	"image"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/Xrmastrer55/terminal/gpu"
)

// SurfaceProvider hands the adapter the swap chain's current backbuffer
// and performs presentation. It is the seam to the host's windowing code.
type SurfaceProvider interface {
	// AcquireView returns the texture view of the backbuffer to render
	// into for the current frame.
	AcquireView() (hal.TextureView, error)
	// Present shows the backbuffer. dirty is a hint for partial
	// presentation; implementations may ignore it.
	Present(dirty image.Rectangle) error
	// WaitUntilCanRender blocks until the swap chain accepts a frame.
	WaitUntilCanRender()
}

// submitTimeout bounds the per-frame fence wait. A frame that takes
// longer than this has effectively lost the device.
const submitTimeout = 5 * time.Second

// texture is the adapter-side state of one gpu texture. A CPU shadow
// backs every texture so writes and clears can be re-uploaded whole;
// glyph uploads arrive as regions but the texture sizes involved make a
// full-texture write cheaper than tracking copy origins.
type texture struct {
	desc   gpu.TextureDescriptor
	tex    hal.Texture
	view   hal.TextureView
	shadow []byte

	// boundThisFrame marks textures referenced by a draw recorded in the
	// open pass. Writing such a texture renames it (write-discard): the
	// recorded draws keep the old contents, later draws see the new ones.
	// The glyph atlas retry protocol depends on this.
	boundThisFrame bool
}

type buffer struct {
	desc gpu.BufferDescriptor
	buf  hal.Buffer

	// wroteThisFrame triggers write-discard renaming on the next write
	// while a pass is open, mirroring dynamic buffer semantics.
	wroteThisFrame bool
}

type shader struct {
	desc   gpu.ShaderDescriptor
	module hal.ShaderModule
}

type pipeline struct {
	desc       gpu.PipelineDescriptor
	pipeline   hal.RenderPipeline
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
}

// Device implements gpu.Device over hal.Device.
type Device struct {
	device  hal.Device
	queue   hal.Queue
	surface SurfaceProvider

	nextID    uint64
	textures  map[gpu.TextureID]*texture
	buffers   map[gpu.BufferID]*buffer
	shaders   map[gpu.ShaderID]*shader
	pipelines map[gpu.PipelineID]*pipeline
	samplers  map[gpu.SamplerID]hal.Sampler

	// Per-frame recording state.
	encoder     hal.CommandEncoder
	pass        hal.RenderPassEncoder
	backbuffer  hal.TextureView
	curPipeline gpu.PipelineID
	curVertex   [2]gpu.BufferID
	curIndex    gpu.BufferID
	curTextures []gpu.TextureID
	curSampler  gpu.SamplerID
	curUniforms [2]gpu.BufferID

	bindingsDirty   bool
	frameBindGroups []hal.BindGroup

	// Resources retired by write-discard renaming; destroyed after the
	// frame's fence signals.
	retiredBuffers  []hal.Buffer
	retiredTextures []hal.Texture
	retiredViews    []hal.TextureView

	// err latches the first device failure of a frame; subsequent calls
	// become no-ops and Present surfaces the error.
	err error
}

// NewDevice wraps an already-created HAL device and queue.
func NewDevice(device hal.Device, queue hal.Queue, surface SurfaceProvider) (*Device, error) {
	if device == nil || queue == nil || surface == nil {
		return nil, fmt.Errorf("wgpu: device, queue and surface are required")
	}
	return &Device{
		device:    device,
		queue:     queue,
		surface:   surface,
		textures:  make(map[gpu.TextureID]*texture),
		buffers:   make(map[gpu.BufferID]*buffer),
		shaders:   make(map[gpu.ShaderID]*shader),
		pipelines: make(map[gpu.PipelineID]*pipeline),
		samplers:  make(map[gpu.SamplerID]hal.Sampler),
	}, nil
}

// Capabilities implements gpu.Device.
func (d *Device) Capabilities() gpu.Capabilities {
	// 8k is the guaranteed minimum for the backends wgpu targets; the
	// glyph atlas sizing clamps against this.
	return gpu.Capabilities{MaxTextureDimension2D: 8192}
}

func (d *Device) id() uint64 {
	d.nextID++
	return d.nextID
}

func textureFormat(f gpu.TextureFormat) gputypes.TextureFormat {
	if f == gpu.TextureFormatRGBA8 {
		return gputypes.TextureFormatRGBA8Unorm
	}
	return gputypes.TextureFormatBGRA8Unorm
}

// CreateTexture implements gpu.Device.
func (d *Device) CreateTexture(desc *gpu.TextureDescriptor) (gpu.TextureID, error) {
	usage := gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst
	if desc.Usage&gpu.TextureUsageRenderTarget != 0 {
		usage |= gputypes.TextureUsageRenderAttachment
	}

	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: uint32(desc.Width), Height: uint32(desc.Height), DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        textureFormat(desc.Format),
		Usage:         usage,
	})
	if err != nil {
		return gpu.InvalidID, fmt.Errorf("wgpu: create texture %q: %w", desc.Label, err)
	}

	view, err := d.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Format:    gputypes.TextureFormatUndefined,
		Dimension: gputypes.TextureViewDimension2D,
		Aspect:    gputypes.TextureAspectAll,
	})
	if err != nil {
		d.device.DestroyTexture(tex)
		return gpu.InvalidID, fmt.Errorf("wgpu: create texture view %q: %w", desc.Label, err)
	}

	id := gpu.TextureID(d.id())
	d.textures[id] = &texture{
		desc:   *desc,
		tex:    tex,
		view:   view,
		shadow: make([]byte, desc.Width*desc.Height*4),
	}
	return id, nil
}

// DestroyTexture implements gpu.Device.
func (d *Device) DestroyTexture(id gpu.TextureID) {
	t, ok := d.textures[id]
	if !ok {
		return
	}
	d.device.DestroyTextureView(t.view)
	d.device.DestroyTexture(t.tex)
	delete(d.textures, id)
}

// WriteTexture implements gpu.Device. The region is merged into the CPU
// shadow and the whole texture is re-uploaded; see the texture type.
func (d *Device) WriteTexture(id gpu.TextureID, region image.Rectangle, data []byte, rowStride int) {
	t, ok := d.textures[id]
	if !ok {
		return
	}
	w := region.Dx()
	if rowStride == 0 {
		rowStride = w * 4
	}
	for y := 0; y < region.Dy(); y++ {
		dstOff := ((region.Min.Y+y)*t.desc.Width + region.Min.X) * 4
		srcOff := y * rowStride
		copy(t.shadow[dstOff:dstOff+w*4], data[srcOff:srcOff+w*4])
	}
	d.renameIfBound(t)
	d.uploadShadow(t)
}

// ClearTexture implements gpu.Device.
func (d *Device) ClearTexture(id gpu.TextureID) {
	t, ok := d.textures[id]
	if !ok {
		return
	}
	for i := range t.shadow {
		t.shadow[i] = 0
	}
	d.renameIfBound(t)
	d.uploadShadow(t)
}

// renameIfBound gives the texture a fresh backing allocation when draws
// of the open pass already reference it. Queue writes execute before the
// pass at submission, so without renaming a mid-frame write would also
// rewrite history.
func (d *Device) renameIfBound(t *texture) {
	if d.pass == nil || !t.boundThisFrame || d.err != nil {
		return
	}

	usage := gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst
	if t.desc.Usage&gpu.TextureUsageRenderTarget != 0 {
		usage |= gputypes.TextureUsageRenderAttachment
	}
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         t.desc.Label,
		Size:          hal.Extent3D{Width: uint32(t.desc.Width), Height: uint32(t.desc.Height), DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        textureFormat(t.desc.Format),
		Usage:         usage,
	})
	if err != nil {
		d.fail(fmt.Errorf("wgpu: rename texture %q: %w", t.desc.Label, err))
		return
	}
	view, err := d.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Format:    gputypes.TextureFormatUndefined,
		Dimension: gputypes.TextureViewDimension2D,
		Aspect:    gputypes.TextureAspectAll,
	})
	if err != nil {
		d.device.DestroyTexture(tex)
		d.fail(fmt.Errorf("wgpu: rename texture view %q: %w", t.desc.Label, err))
		return
	}

	d.retiredTextures = append(d.retiredTextures, t.tex)
	d.retiredViews = append(d.retiredViews, t.view)
	t.tex = tex
	t.view = view
	t.boundThisFrame = false
	d.bindingsDirty = true
}

func (d *Device) uploadShadow(t *texture) {
	d.queue.WriteTexture(
		&hal.ImageCopyTexture{
			Texture:  t.tex,
			MipLevel: 0,
		},
		t.shadow,
		&hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  uint32(t.desc.Width * 4),
			RowsPerImage: uint32(t.desc.Height),
		},
		&hal.Extent3D{Width: uint32(t.desc.Width), Height: uint32(t.desc.Height), DepthOrArrayLayers: 1},
	)
}

// CreateBuffer implements gpu.Device.
func (d *Device) CreateBuffer(desc *gpu.BufferDescriptor) (gpu.BufferID, error) {
	size := desc.Size
	if len(desc.Contents) > size {
		size = len(desc.Contents)
	}

	usage := gputypes.BufferUsageCopyDst
	if desc.Usage&gpu.BufferUsageVertex != 0 {
		usage |= gputypes.BufferUsageVertex
	}
	if desc.Usage&gpu.BufferUsageIndex != 0 {
		usage |= gputypes.BufferUsageIndex
	}
	if desc.Usage&gpu.BufferUsageUniform != 0 {
		usage |= gputypes.BufferUsageUniform
	}

	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  uint64(size),
		Usage: usage,
	})
	if err != nil {
		return gpu.InvalidID, fmt.Errorf("wgpu: create buffer %q: %w", desc.Label, err)
	}
	if desc.Contents != nil {
		d.queue.WriteBuffer(buf, 0, desc.Contents)
	}

	id := gpu.BufferID(d.id())
	d.buffers[id] = &buffer{desc: *desc, buf: buf}
	return id, nil
}

// DestroyBuffer implements gpu.Device.
func (d *Device) DestroyBuffer(id gpu.BufferID) {
	b, ok := d.buffers[id]
	if !ok {
		return
	}
	d.device.DestroyBuffer(b.buf)
	delete(d.buffers, id)
}

// WriteBuffer implements gpu.Device. A second write to a dynamic buffer
// while a pass is open renames the backing allocation (write-discard):
// recorded draws keep their data, later draws read the new contents.
func (d *Device) WriteBuffer(id gpu.BufferID, offset int, data []byte) {
	b, ok := d.buffers[id]
	if !ok {
		return
	}
	if b.desc.Usage&gpu.BufferUsageDynamic != 0 && b.wroteThisFrame && d.pass != nil && d.err == nil {
		size := b.desc.Size
		if len(b.desc.Contents) > size {
			size = len(b.desc.Contents)
		}
		usage := gputypes.BufferUsageCopyDst
		if b.desc.Usage&gpu.BufferUsageVertex != 0 {
			usage |= gputypes.BufferUsageVertex
		}
		if b.desc.Usage&gpu.BufferUsageIndex != 0 {
			usage |= gputypes.BufferUsageIndex
		}
		if b.desc.Usage&gpu.BufferUsageUniform != 0 {
			usage |= gputypes.BufferUsageUniform
		}
		fresh, err := d.device.CreateBuffer(&hal.BufferDescriptor{
			Label: b.desc.Label,
			Size:  uint64(size),
			Usage: usage,
		})
		if err != nil {
			d.fail(fmt.Errorf("wgpu: rename buffer %q: %w", b.desc.Label, err))
			return
		}
		d.retiredBuffers = append(d.retiredBuffers, b.buf)
		b.buf = fresh
		d.rebindBuffer(id, b)
	}
	d.queue.WriteBuffer(b.buf, uint64(offset), data)
	b.wroteThisFrame = d.pass != nil
}

// CreateShader implements gpu.Device.
func (d *Device) CreateShader(desc *gpu.ShaderDescriptor) (gpu.ShaderID, error) {
	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{WGSL: desc.WGSL},
	})
	if err != nil {
		return gpu.InvalidID, fmt.Errorf("wgpu: compile shader %q: %w", desc.Label, err)
	}
	id := gpu.ShaderID(d.id())
	d.shaders[id] = &shader{desc: *desc, module: module}
	return id, nil
}

// DestroyShader implements gpu.Device.
func (d *Device) DestroyShader(id gpu.ShaderID) {
	s, ok := d.shaders[id]
	if !ok {
		return
	}
	d.device.DestroyShaderModule(s.module)
	delete(d.shaders, id)
}

// CreateSampler implements gpu.Device.
func (d *Device) CreateSampler(desc *gpu.SamplerDescriptor) (gpu.SamplerID, error) {
	filter := gputypes.FilterModeLinear
	if desc.Filter == gpu.FilterNearest {
		filter = gputypes.FilterModeNearest
	}
	// WebGPU has no border addressing; edge clamping is the closest
	// behavior for the custom shader's out-of-range samples.
	address := gputypes.AddressModeClampToEdge

	sampler, err := d.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        desc.Label,
		AddressModeU: address,
		AddressModeV: address,
		AddressModeW: address,
		MagFilter:    filter,
		MinFilter:    filter,
		MipmapFilter: filter,
	})
	if err != nil {
		return gpu.InvalidID, fmt.Errorf("wgpu: create sampler %q: %w", desc.Label, err)
	}
	id := gpu.SamplerID(d.id())
	d.samplers[id] = sampler
	return id, nil
}

// DestroySampler implements gpu.Device.
func (d *Device) DestroySampler(id gpu.SamplerID) {
	s, ok := d.samplers[id]
	if !ok {
		return
	}
	d.device.DestroySampler(s)
	delete(d.samplers, id)
}
