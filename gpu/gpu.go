// Package gpu defines the graphics device abstraction the renderer draws
// through. The interface is deliberately small: 2D textures, buffers,
// shader modules, render pipelines (blend state baked in), samplers, and
// indexed-instanced draws. Implementations exist for WebGPU
// (backend/wgpu) and for tests (SoftwareDevice).
package gpu

import (
	"image"
)

// Opaque resource handles. Each device implementation maintains its own
// mapping from IDs to backend resources. The zero value is never a valid
// resource.
type (
	// TextureID is an opaque handle to a 2D texture.
	TextureID uint64
	// BufferID is an opaque handle to a GPU buffer.
	BufferID uint64
	// ShaderID is an opaque handle to a compiled shader module.
	ShaderID uint64
	// PipelineID is an opaque handle to a render pipeline.
	PipelineID uint64
	// SamplerID is an opaque handle to a sampler state.
	SamplerID uint64
)

// InvalidID is the zero value of every resource handle.
const InvalidID = 0

// TextureFormat selects the texel layout of a texture.
type TextureFormat uint8

const (
	// TextureFormatBGRA8 is 8-bit BGRA with premultiplied alpha.
	TextureFormatBGRA8 TextureFormat = iota
	// TextureFormatRGBA8 is 8-bit RGBA.
	TextureFormatRGBA8
)

// TextureUsage is a bitmask of the ways a texture will be used.
type TextureUsage uint8

const (
	// TextureUsageShaderResource allows sampling from shaders.
	TextureUsageShaderResource TextureUsage = 1 << iota
	// TextureUsageRenderTarget allows rendering into the texture.
	TextureUsageRenderTarget
	// TextureUsageDynamic allows frequent CPU writes (write-discard).
	TextureUsageDynamic
)

// BufferUsage is a bitmask of the ways a buffer will be used.
type BufferUsage uint8

const (
	// BufferUsageVertex marks vertex or per-instance data.
	BufferUsageVertex BufferUsage = 1 << iota
	// BufferUsageIndex marks index data.
	BufferUsageIndex
	// BufferUsageUniform marks shader constant data.
	BufferUsageUniform
	// BufferUsageDynamic allows frequent CPU writes (write-discard).
	BufferUsageDynamic
)

// BlendMode selects one of the renderer's precomputed blend states.
// WebGPU bakes blending into pipelines, so each mode corresponds to a
// pipeline variant there; the mode itself is what frame assembly records.
type BlendMode uint8

const (
	// BlendNone is the terminal sentinel in the state-change list and the
	// "no blending" state of the custom shader pass.
	BlendNone BlendMode = iota
	// BlendDefault is the dual-source state used for text: color
	// Src=ONE Dst=INV_SRC1_COLOR Op=ADD, alpha Src=ONE Dst=INV_SRC1_ALPHA.
	// It supports both source-over and the ClearType weighted lerp.
	BlendDefault
	// BlendInvert produces the inverted-cursor look: color Src=ONE Dst=ONE
	// Op=SUBTRACT, alpha Src=SRC1_ALPHA Dst=ZERO Op=ADD.
	BlendInvert
)

// FilterMode selects sampler filtering.
type FilterMode uint8

const (
	FilterLinear FilterMode = iota
	FilterNearest
)

// AddressMode selects sampler addressing outside [0,1].
type AddressMode uint8

const (
	AddressClampToEdge AddressMode = iota
	AddressBorder
)

// TextureDescriptor describes a 2D texture.
type TextureDescriptor struct {
	Label  string
	Width  int
	Height int
	Format TextureFormat
	Usage  TextureUsage
}

// BufferDescriptor describes a buffer. If Contents is non-nil the buffer
// is created immutable with that initial data.
type BufferDescriptor struct {
	Label    string
	Size     int
	Usage    BufferUsage
	Contents []byte
}

// ShaderDescriptor describes a shader module. Source is WGSL.
type ShaderDescriptor struct {
	Label string
	WGSL  string
}

// PipelineDescriptor describes a render pipeline: one shader module with a
// vertex and a fragment entry point, a target format, a blend mode, and
// whether the quad instance layout is bound on vertex slot 1.
type PipelineDescriptor struct {
	Label          string
	Shader         ShaderID
	VertexEntry    string
	FragmentEntry  string
	TargetFormat   TextureFormat
	Blend          BlendMode
	InstanceLayout bool
}

// SamplerDescriptor describes a sampler state.
type SamplerDescriptor struct {
	Label   string
	Filter  FilterMode
	Address AddressMode
}

// Capabilities reports device limits the renderer sizes resources by.
type Capabilities struct {
	// MaxTextureDimension2D is the maximum width/height of a 2D texture.
	MaxTextureDimension2D int
}

// Device is the dependency-injected graphics device. It is not safe for
// concurrent use; the renderer drives it from a single goroutine.
//
// Frame structure: BeginFrame(target) … state setters and draws …
// EndFrame, then Present. The backbuffer is addressed as texture ID
// Backbuffer.
type Device interface {
	Capabilities() Capabilities

	CreateTexture(desc *TextureDescriptor) (TextureID, error)
	DestroyTexture(id TextureID)
	// WriteTexture copies data into the region. rowStride is the byte
	// stride of data's rows; rows are tightly packed in the texture.
	WriteTexture(id TextureID, region image.Rectangle, data []byte, rowStride int)
	// ClearTexture fills the whole texture with transparent black.
	ClearTexture(id TextureID)

	CreateBuffer(desc *BufferDescriptor) (BufferID, error)
	DestroyBuffer(id BufferID)
	WriteBuffer(id BufferID, offset int, data []byte)

	CreateShader(desc *ShaderDescriptor) (ShaderID, error)
	DestroyShader(id ShaderID)

	CreatePipeline(desc *PipelineDescriptor) (PipelineID, error)
	DestroyPipeline(id PipelineID)

	CreateSampler(desc *SamplerDescriptor) (SamplerID, error)
	DestroySampler(id SamplerID)

	// BeginFrame starts recording draws into target (Backbuffer for the
	// swap chain).
	BeginFrame(target TextureID)
	SetPipeline(id PipelineID)
	// SetVertexBuffer binds a buffer to a vertex input slot. Slot 0 is the
	// per-vertex stream, slot 1 the per-instance stream.
	SetVertexBuffer(slot int, id BufferID)
	SetIndexBuffer(id BufferID)
	// SetTextures binds shader resource textures in slot order.
	SetTextures(ids ...TextureID)
	SetSampler(id SamplerID)
	SetUniformBuffer(slot int, id BufferID)
	DrawIndexedInstanced(indexCount, instanceCount, firstIndex, baseVertex, firstInstance int)
	Draw(vertexCount, firstVertex int)
	EndFrame()

	// Present shows the backbuffer, limited to the dirty rectangle when
	// the implementation supports partial presentation.
	Present(dirty image.Rectangle) error
	// WaitUntilCanRender blocks until the swap chain accepts a new frame.
	WaitUntilCanRender()
}

// Backbuffer addresses the swap chain's current buffer in BeginFrame.
const Backbuffer TextureID = 0
