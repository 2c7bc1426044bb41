package terminal

import (
	"image"
	"unsafe"

	"github.com/Xrmastrer55/terminal/gpu"
)

// QuadInstance is one per-instance record of the quad stream. Its layout
// is the wire contract with the vertex shader's instance input and must
// stay exactly 20 bytes:
//
//	u32 shadingType, i16x2 position, u16x2 size, u16x2 texcoord,
//	u32 color (RGBA8 unorm)
type QuadInstance struct {
	ShadingType uint32
	PositionX   int16
	PositionY   int16
	SizeX       uint16
	SizeY       uint16
	TexcoordX   uint16
	TexcoordY   uint16
	Color       uint32
}

// quadInstanceSize is validated at compile time below.
const quadInstanceSize = 20

var _ [quadInstanceSize]byte = [unsafe.Sizeof(QuadInstance{})]byte{}

// stateChange records a blend mode switch at a given instance offset.
// flushQuads turns adjacent pairs into one draw call each.
type stateChange struct {
	blend  gpu.BlendMode
	offset int
}

// appendQuad returns the next instance slot. This runs millions of times
// per second; the backing array doubles and is reused across frames.
func (b *Backend) appendQuad() *QuadInstance {
	if b.instancesCount >= len(b.instances) {
		b.bumpInstancesSize()
	}
	q := &b.instances[b.instancesCount]
	*q = QuadInstance{}
	b.instancesCount++
	return q
}

// getLastQuad returns the most recently appended instance.
func (b *Backend) getLastQuad() *QuadInstance {
	return &b.instances[b.instancesCount-1]
}

func (b *Backend) bumpInstancesSize() {
	newSize := 256
	if len(b.instances)*2 > newSize {
		newSize = len(b.instances) * 2
	}
	newInstances := make([]QuadInstance, newSize)
	copy(newInstances, b.instances)
	b.instances = newInstances
}

// markStateChange records a blend mode switch that takes effect for all
// instances appended from now on.
func (b *Backend) markStateChange(blend gpu.BlendMode) {
	b.stateChanges = append(b.stateChanges, stateChange{
		blend:  blend,
		offset: b.instancesCount,
	})
}

// flushQuads uploads the color bitmap and the instance stream, then issues
// one indexed-instanced draw per span between state changes, switching the
// blend pipeline at each marker. The stream is empty afterwards.
func (b *Backend) flushQuads(p *RenderingPayload) {
	if b.instancesCount == 0 {
		return
	}

	b.uploadColorBitmap(p)

	if b.instancesCount > b.instanceBufferCapacity {
		b.recreateInstanceBuffers(p)
	}

	b.dev.WriteBuffer(b.instanceBuffer, 0, instanceBytes(b.instances[:b.instancesCount]))

	// The terminal sentinel makes the loop below emit one final draw for
	// the remainder of the instances.
	b.markStateChange(gpu.BlendNone)

	previousOffset := 0
	for _, state := range b.stateChanges {
		if count := state.offset - previousOffset; count > 0 {
			b.dev.DrawIndexedInstanced(6, count, 0, 0, previousOffset)
		}
		if state.blend != gpu.BlendNone {
			b.dev.SetPipeline(b.pipelineFor(state.blend))
		}
		previousOffset = state.offset
	}

	b.stateChanges = b.stateChanges[:0]
	b.instancesCount = 0
}

// pipelineFor maps a blend mode onto its baked pipeline variant.
func (b *Backend) pipelineFor(blend gpu.BlendMode) gpu.PipelineID {
	if blend == gpu.BlendInvert {
		return b.pipelineInvert
	}
	return b.pipelineDefault
}

// recreateInstanceBuffers grows the GPU instance buffer. Capacity only
// ever grows and is rounded up to 64 KiB multiples so window resizes do
// not reallocate every frame; the viewport cell count is the initial
// estimate.
func (b *Backend) recreateInstanceBuffers(p *RenderingPayload) {
	minCapacity := p.CellCount.X * p.CellCount.Y
	newCapacity := b.instancesCount
	if minCapacity > newCapacity {
		newCapacity = minCapacity
	}
	newSize := (newCapacity*quadInstanceSize + 0xffff) &^ 0xffff
	newCapacity = newSize / quadInstanceSize

	if b.instanceBuffer != gpu.InvalidID {
		b.dev.DestroyBuffer(b.instanceBuffer)
	}

	buf, err := b.dev.CreateBuffer(&gpu.BufferDescriptor{
		Label: "quad_instances",
		Size:  newSize,
		Usage: gpu.BufferUsageVertex | gpu.BufferUsageDynamic,
	})
	if err != nil {
		// Allocation failure is device loss from the renderer's view;
		// record it for the orchestrator's error path.
		b.deferredErr = err
		return
	}
	b.instanceBuffer = buf
	b.instanceBufferCapacity = newCapacity

	b.dev.SetVertexBuffer(0, b.vertexBuffer)
	b.dev.SetVertexBuffer(1, b.instanceBuffer)
}

// instanceBytes reinterprets the instance slice as its exact wire bytes.
func instanceBytes(instances []QuadInstance) []byte {
	if len(instances) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&instances[0])), len(instances)*quadInstanceSize)
}

// drawBackground emits the one full-target background quad. The pixel
// shader samples the background half of the color bitmap per fragment.
func (b *Backend) drawBackground(p *RenderingPayload) {
	q := b.appendQuad()
	q.ShadingType = uint32(ShadingBackground)
	q.SizeX = uint16(p.TargetSize.X)
	q.SizeY = uint16(p.TargetSize.Y)
}

// uploadColorBitmap refreshes the per-cell color texture. Both halves are
// uploaded together, or the upload is skipped: it is skipped when the
// background generation matches and either the foreground generation
// matches or no glyph of the frame carried the ligature marker (the shader
// never reads the foreground half then).
func (b *Backend) uploadColorBitmap(p *RenderingPayload) {
	if b.colorBitmapGenerations[0] == p.ColorBitmapGenerations[0] &&
		(b.colorBitmapGenerations[1] == p.ColorBitmapGenerations[1] || b.skipForegroundBitmapUpload) {
		return
	}

	width := p.CellCount.X
	height := p.CellCount.Y * 2
	data := make([]byte, 0, width*height*4)
	for y := 0; y < height; y++ {
		row := p.ColorBitmap[y*p.ColorBitmapRowStride:]
		for x := 0; x < width; x++ {
			c := row[x]
			data = append(data, byte(c), byte(c>>8), byte(c>>16), byte(c>>24))
		}
	}
	b.dev.WriteTexture(b.colorBitmap, image.Rect(0, 0, width, height), data, width*4)
	b.colorBitmapGenerations = p.ColorBitmapGenerations
}

// recreateColorBitmap replaces the color texture when the cell count
// changes. Contents are uploaded lazily by uploadColorBitmap.
func (b *Backend) recreateColorBitmap(cellCount image.Point) error {
	if b.colorBitmap != gpu.InvalidID {
		b.dev.DestroyTexture(b.colorBitmap)
		b.colorBitmap = gpu.InvalidID
	}
	tex, err := b.dev.CreateTexture(&gpu.TextureDescriptor{
		Label:  "color_bitmap",
		Width:  cellCount.X,
		Height: cellCount.Y * 2,
		Format: gpu.TextureFormatRGBA8,
		Usage:  gpu.TextureUsageShaderResource | gpu.TextureUsageDynamic,
	})
	if err != nil {
		return err
	}
	b.colorBitmap = tex
	b.colorBitmapGenerations = [2]uint32{}
	return nil
}
