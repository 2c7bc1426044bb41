package terminal

import (
	"encoding/binary"
	"fmt"
	"image"
	"math"

	"github.com/Xrmastrer55/terminal/atlas"
	"github.com/Xrmastrer55/terminal/gpu"
)

// Backend renders terminal frames through a gpu.Device. One Backend owns
// all GPU resources of the renderer; it runs on a single render goroutine
// and Render is not reentrant.
type Backend struct {
	dev        gpu.Device
	rasterizer atlas.Rasterizer
	glyphAtlas *atlas.GlyphAtlas

	// Quad stream.
	instances      []QuadInstance
	instancesCount int
	stateChanges   []stateChange

	// Static geometry and shaders.
	vertexBuffer    gpu.BufferID
	indexBuffer     gpu.BufferID
	vsUniform       gpu.BufferID
	psUniform       gpu.BufferID
	quadShader      gpu.ShaderID
	pipelineDefault gpu.PipelineID
	pipelineInvert  gpu.PipelineID

	// Dynamic per-frame resources.
	instanceBuffer         gpu.BufferID
	instanceBufferCapacity int
	colorBitmap            gpu.TextureID
	colorBitmapGenerations [2]uint32

	skipForegroundBitmapUpload bool
	fontChangedResetGlyphAtlas bool

	cursorRects []cursorRect

	custom customShader

	// Settings diffing.
	haveSettings        bool
	generation          uint32
	fontGeneration      uint32
	miscGeneration      uint32
	cellCountGeneration uint32
	targetSize          image.Point

	// deferredErr records a device failure that happened in a code path
	// that cannot return an error (buffer growth mid-flush). Render
	// surfaces it at the end of the frame.
	deferredErr error
}

// NewBackend creates a renderer over the given device and glyph
// rasterizer. Static resources (quad geometry, shaders, both blend
// pipeline variants) are created immediately; everything that depends on
// payload settings is created on the first Render.
func NewBackend(dev gpu.Device, rasterizer atlas.Rasterizer) (*Backend, error) {
	b := &Backend{
		dev:        dev,
		rasterizer: rasterizer,
		glyphAtlas: atlas.NewGlyphAtlas(dev, rasterizer),
	}
	b.custom.dev = dev

	var err error

	// The unit quad: 4 vertices, 6 indices. The vertex shader scales it
	// by the per-instance size and position.
	b.vertexBuffer, err = dev.CreateBuffer(&gpu.BufferDescriptor{
		Label:    "quad_vertices",
		Usage:    gpu.BufferUsageVertex,
		Contents: f32Bytes(0, 0, 1, 0, 1, 1, 0, 1),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create vertex buffer: %v", ErrDeviceLost, err)
	}

	b.indexBuffer, err = dev.CreateBuffer(&gpu.BufferDescriptor{
		Label:    "quad_indices",
		Usage:    gpu.BufferUsageIndex,
		Contents: u16Bytes(0, 1, 2, 2, 3, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create index buffer: %v", ErrDeviceLost, err)
	}

	b.vsUniform, err = dev.CreateBuffer(&gpu.BufferDescriptor{
		Label: "quad_vs_constants",
		Size:  vsConstBufferSize,
		Usage: gpu.BufferUsageUniform | gpu.BufferUsageDynamic,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create vs constants: %v", ErrDeviceLost, err)
	}

	b.psUniform, err = dev.CreateBuffer(&gpu.BufferDescriptor{
		Label: "quad_ps_constants",
		Size:  psConstBufferSize,
		Usage: gpu.BufferUsageUniform | gpu.BufferUsageDynamic,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create ps constants: %v", ErrDeviceLost, err)
	}

	b.quadShader, err = dev.CreateShader(&gpu.ShaderDescriptor{
		Label: "quad_shader",
		WGSL:  quadShaderWGSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: compile quad shader: %v", ErrDeviceLost, err)
	}

	b.pipelineDefault, err = dev.CreatePipeline(&gpu.PipelineDescriptor{
		Label:          "quad_default",
		Shader:         b.quadShader,
		VertexEntry:    "vs_main",
		FragmentEntry:  "fs_main",
		TargetFormat:   gpu.TextureFormatBGRA8,
		Blend:          gpu.BlendDefault,
		InstanceLayout: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create default pipeline: %v", ErrDeviceLost, err)
	}

	b.pipelineInvert, err = dev.CreatePipeline(&gpu.PipelineDescriptor{
		Label:          "quad_invert",
		Shader:         b.quadShader,
		VertexEntry:    "vs_main",
		FragmentEntry:  "fs_main",
		TargetFormat:   gpu.TextureFormatBGRA8,
		Blend:          gpu.BlendInvert,
		InstanceLayout: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create invert pipeline: %v", ErrDeviceLost, err)
	}

	return b, nil
}

// Close releases the watcher goroutine. GPU resources die with the device.
func (b *Backend) Close() {
	b.custom.stopWatcher()
}

// RequiresContinuousRedraw reports whether an active custom shader samples
// the time uniform and therefore needs a frame on every vsync.
func (b *Backend) RequiresContinuousRedraw() bool {
	return b.custom.requiresContinuousRedraw
}

// WaitUntilCanRender blocks until the swap chain accepts a new frame.
func (b *Backend) WaitUntilCanRender() {
	b.dev.WaitUntilCanRender()
}

// Render draws one frame from the payload. Quads are emitted in a fixed
// order - background, cursor underlay, text, gridlines, cursor overlay,
// selection - flushed as batched indexed-instanced draws, optionally run
// through the custom shader pass, and presented with the accumulated
// dirty rectangle.
func (b *Backend) Render(p *RenderingPayload) error {
	if err := validatePayload(p); err != nil {
		return err
	}

	if !b.haveSettings || b.generation != p.Generation {
		if err := b.handleSettingsUpdate(p); err != nil {
			b.haveSettings = false
			return err
		}
	}

	b.custom.pollReload(p)

	// After a present the render target is unbound; with a custom shader
	// the quad passes land on the offscreen texture instead.
	target := gpu.Backbuffer
	if b.custom.active() {
		target = b.custom.offscreen
	}
	b.dev.BeginFrame(target)
	b.setupFrameState()

	b.drawBackground(p)
	b.drawCursorPart1(p)
	if err := b.drawText(p); err != nil {
		b.dev.EndFrame()
		b.haveSettings = false
		return err
	}
	b.drawGridlines(p)
	b.drawCursorPart2(p)
	b.drawSelection(p)
	b.flushQuads(p)
	b.dev.EndFrame()

	if b.deferredErr != nil {
		err := b.deferredErr
		b.deferredErr = nil
		b.haveSettings = false
		return fmt.Errorf("%w: %v", ErrDeviceLost, err)
	}

	if b.custom.active() {
		b.custom.execute(p)
	}

	return b.dev.Present(p.DirtyRectInPx)
}

// setupFrameState binds the pipeline state every quad draw relies on.
func (b *Backend) setupFrameState() {
	b.dev.SetPipeline(b.pipelineDefault)
	b.dev.SetVertexBuffer(0, b.vertexBuffer)
	if b.instanceBuffer != gpu.InvalidID {
		b.dev.SetVertexBuffer(1, b.instanceBuffer)
	}
	b.dev.SetIndexBuffer(b.indexBuffer)
	b.dev.SetUniformBuffer(0, b.vsUniform)
	b.dev.SetUniformBuffer(1, b.psUniform)
	b.dev.SetTextures(b.colorBitmap, b.glyphAtlas.Texture())
}

// handleSettingsUpdate reacts to generation changes: font changes reset
// the rasterizer caches and schedule a glyph atlas reset, misc changes
// rebuild the custom shader stage, cell count changes rebuild the color
// bitmap. Constant buffers are rewritten unconditionally.
func (b *Backend) handleSettingsUpdate(p *RenderingPayload) error {
	fontChanged := !b.haveSettings || b.fontGeneration != p.FontGeneration
	miscChanged := !b.haveSettings || b.miscGeneration != p.MiscGeneration
	cellCountChanged := !b.haveSettings || b.cellCountGeneration != p.CellCountGeneration
	targetSizeChanged := !b.haveSettings || b.targetSize != p.TargetSize

	if fontChanged {
		b.glyphAtlas.SetFontMetrics(p.fontMetrics())
		b.fontChangedResetGlyphAtlas = true
		if r, ok := b.rasterizer.(cacheResetter); ok {
			r.ResetCaches()
		}
	}
	if miscChanged {
		b.custom.recreate(p)
	}
	if cellCountChanged {
		if err := b.recreateColorBitmap(p.CellCount); err != nil {
			return fmt.Errorf("%w: recreate color bitmap: %v", ErrDeviceLost, err)
		}
	}
	if b.custom.pipeline != gpu.InvalidID && (targetSizeChanged || b.custom.offscreen == gpu.InvalidID) {
		if err := b.custom.recreateOffscreen(p.TargetSize); err != nil {
			return fmt.Errorf("%w: recreate offscreen target: %v", ErrDeviceLost, err)
		}
	}

	b.recreateConstBuffers(p)

	b.generation = p.Generation
	b.fontGeneration = p.FontGeneration
	b.miscGeneration = p.MiscGeneration
	b.cellCountGeneration = p.CellCountGeneration
	b.targetSize = p.TargetSize
	b.haveSettings = true
	return nil
}

// resetGlyphAtlas reallocates and clears the glyph atlas, then rebinds the
// shader resources since the texture may have been replaced.
func (b *Backend) resetGlyphAtlas(p *RenderingPayload) error {
	if err := b.glyphAtlas.Reset(p.Font.CellSize, p.TargetSize); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceLost, err)
	}
	b.dev.SetTextures(b.colorBitmap, b.glyphAtlas.Texture())
	b.fontChangedResetGlyphAtlas = false
	logger().Debug("glyph atlas reset",
		"width", b.glyphAtlas.Size().X, "height", b.glyphAtlas.Size().Y)
	return nil
}

// Constant buffer sizes match the uniform structs in quad.wgsl.
const (
	vsConstBufferSize = 16
	psConstBufferSize = 48
)

// recreateConstBuffers rewrites both uniform buffers from the current
// payload settings.
func (b *Backend) recreateConstBuffers(p *RenderingPayload) {
	{
		data := make([]byte, 0, vsConstBufferSize)
		data = appendF32(data, 2/float32(p.TargetSize.X))
		data = appendF32(data, -2/float32(p.TargetSize.Y))
		data = appendF32(data, 0, 0)
		b.dev.WriteBuffer(b.vsUniform, 0, data)
	}
	{
		r, g, bl, a := premultiply(p.Misc.BackgroundColor)
		data := make([]byte, 0, psConstBufferSize)
		data = appendF32(data, r, g, bl, a)
		data = appendF32(data, float32(p.Font.CellSize.X), float32(p.Font.CellSize.Y))
		data = appendF32(data, float32(p.CellCount.X), float32(p.CellCount.Y))
		data = appendF32(data, float32(p.Font.UnderlineWidth)*3)
		data = appendF32(data, 0, 0, 0)
		b.dev.WriteBuffer(b.psUniform, 0, data)
	}
}

// validatePayload checks the structural invariants of the payload. A
// violation is a fatal precondition error.
func validatePayload(p *RenderingPayload) error {
	if p.Font == nil || p.Misc == nil {
		return fmt.Errorf("%w: font or misc settings missing", ErrInvalidPayload)
	}
	if p.CellCount.X <= 0 || p.CellCount.Y <= 0 || p.TargetSize.X <= 0 || p.TargetSize.Y <= 0 {
		return fmt.Errorf("%w: non-positive dimensions", ErrInvalidPayload)
	}
	if len(p.Rows) != p.CellCount.Y {
		return fmt.Errorf("%w: %d rows for %d cell rows", ErrInvalidPayload, len(p.Rows), p.CellCount.Y)
	}
	if p.ColorBitmapRowStride < p.CellCount.X {
		return fmt.Errorf("%w: color bitmap stride %d narrower than %d cells", ErrInvalidPayload, p.ColorBitmapRowStride, p.CellCount.X)
	}
	if len(p.ColorBitmap) < p.ColorBitmapRowStride*p.CellCount.Y*2 {
		return fmt.Errorf("%w: color bitmap too small", ErrInvalidPayload)
	}
	for y, row := range p.Rows {
		n := len(row.GlyphIndices)
		if len(row.GlyphAdvances) != n || len(row.GlyphOffsets) != n || len(row.Colors) != n {
			return fmt.Errorf("%w: row %d parallel arrays disagree", ErrInvalidPayload, y)
		}
		for _, m := range row.Mappings {
			if m.GlyphsFrom < 0 || m.GlyphsTo > n || m.GlyphsFrom > m.GlyphsTo {
				return fmt.Errorf("%w: row %d mapping out of range", ErrInvalidPayload, y)
			}
		}
	}
	return nil
}

// cacheResetter is implemented by rasterizers with font-dependent caches.
type cacheResetter interface {
	ResetCaches()
}

// premultiply splits a 0xAABBGGRR color into premultiplied float channels.
func premultiply(c uint32) (r, g, b, a float32) {
	a = float32(c>>24&0xff) / 255
	r = float32(c&0xff) / 255 * a
	g = float32(c>>8&0xff) / 255 * a
	b = float32(c>>16&0xff) / 255 * a
	return r, g, b, a
}

func appendF32(dst []byte, vs ...float32) []byte {
	for _, v := range vs {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

func f32Bytes(vs ...float32) []byte {
	return appendF32(make([]byte, 0, len(vs)*4), vs...)
}

func u16Bytes(vs ...uint16) []byte {
	dst := make([]byte, 0, len(vs)*2)
	for _, v := range vs {
		dst = binary.LittleEndian.AppendUint16(dst, v)
	}
	return dst
}
