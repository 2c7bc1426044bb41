package terminal

import (
	"encoding/binary"
	"image"
	"math"
	"testing"

	"github.com/Xrmastrer55/terminal/atlas"
	"github.com/Xrmastrer55/terminal/gpu"
)

// stubFace is a comparable font face handle.
type stubFace struct{ name string }

// stubRasterizer mirrors the atlas package's test rasterizer: glyph n is
// n%13+1 by n%7+1 pixels above the baseline, glyph 32 is whitespace,
// glyph 999 is a color glyph.
type stubRasterizer struct {
	draws  int
	bounds int
	resets int

	scaleX float32
	scaleY float32
}

func newStubRasterizer() *stubRasterizer {
	return &stubRasterizer{scaleX: 1, scaleY: 1}
}

func (r *stubRasterizer) GlyphRunBlackBox(run *atlas.GlyphRun) (atlas.RectF, error) {
	r.bounds++
	g := run.GlyphIndices[0]
	if g == 32 {
		return atlas.RectF{}, nil
	}
	w := float32(g%13+1) * r.scaleX
	h := float32(g%7+1) * r.scaleY
	return atlas.RectF{Left: 0, Top: -h, Right: w, Bottom: 0}, nil
}

func (r *stubRasterizer) DrawGlyphRun(dst *image.RGBA, origin image.Point, run *atlas.GlyphRun) (bool, error) {
	r.draws++
	return run.GlyphIndices[0] == 999, nil
}

func (r *stubRasterizer) SetTransform(scaleX, scaleY float32) {
	r.scaleX = scaleX
	r.scaleY = scaleY
}

func (r *stubRasterizer) ResetCaches() { r.resets++ }

const testBackground = 0xff20201f

func makePayload(cols, rows int) *RenderingPayload {
	shaped := make([]*ShapedRow, rows)
	for i := range shaped {
		shaped[i] = &ShapedRow{
			DirtyTop:    math.MaxInt32,
			DirtyBottom: math.MinInt32,
		}
	}

	bitmap := make([]uint32, cols*rows*2)
	for i := range bitmap {
		bitmap[i] = testBackground
	}

	return &RenderingPayload{
		Generation:          1,
		FontGeneration:      1,
		MiscGeneration:      1,
		CellCountGeneration: 1,
		TargetSize:          image.Pt(cols*8, rows*16),
		CellCount:           image.Pt(cols, rows),
		Rows:                shaped,
		Font: &FontSettings{
			CellSize:                     image.Pt(8, 16),
			FontEmSize:                   12,
			DPI:                          96,
			Baseline:                     12,
			Descender:                    3,
			ThinLineWidth:                1,
			UnderlinePos:                 13,
			UnderlineWidth:               1,
			DoubleUnderlinePos:           image.Pt(11, 14),
			StrikethroughPos:             8,
			StrikethroughWidth:           1,
			LigatureOverhangTriggerLeft:  -1,
			LigatureOverhangTriggerRight: 9,
		},
		Misc: &MiscSettings{
			BackgroundColor: testBackground,
			SelectionColor:  0x7f3f3f7f,
		},
		ColorBitmap:            bitmap,
		ColorBitmapRowStride:   cols,
		ColorBitmapGenerations: [2]uint32{1, 1},
		InvalidatedRows:        RowRange{From: 0, To: rows},
	}
}

func setRowText(row *ShapedRow, face FontFace, glyphs []uint16, color uint32) {
	row.Mappings = []FontMapping{{FontFace: face, GlyphsFrom: 0, GlyphsTo: len(glyphs)}}
	row.GlyphIndices = glyphs
	row.GlyphAdvances = make([]float32, len(glyphs))
	row.GlyphOffsets = make([]GlyphOffset, len(glyphs))
	row.Colors = make([]uint32, len(glyphs))
	for i := range glyphs {
		row.GlyphAdvances[i] = 8
		row.Colors[i] = color
	}
}

func newTestBackend(t *testing.T) (*Backend, *gpu.SoftwareDevice, *stubRasterizer) {
	t.Helper()
	dev := gpu.NewSoftwareDevice()
	r := newStubRasterizer()
	b, err := NewBackend(dev, r)
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	return b, dev, r
}

// decodeInstances parses the uploaded instance buffer back into records.
func decodeInstances(t *testing.T, dev *gpu.SoftwareDevice, b *Backend, count int) []QuadInstance {
	t.Helper()
	buf := dev.Buffer(b.instanceBuffer)
	if buf == nil {
		t.Fatal("instance buffer was never created")
	}
	if len(buf.Data) < count*quadInstanceSize {
		t.Fatalf("instance buffer holds %d bytes, want at least %d", len(buf.Data), count*quadInstanceSize)
	}
	out := make([]QuadInstance, count)
	for i := range out {
		o := i * quadInstanceSize
		out[i] = QuadInstance{
			ShadingType: binary.LittleEndian.Uint32(buf.Data[o:]),
			PositionX:   int16(binary.LittleEndian.Uint16(buf.Data[o+4:])),
			PositionY:   int16(binary.LittleEndian.Uint16(buf.Data[o+6:])),
			SizeX:       binary.LittleEndian.Uint16(buf.Data[o+8:]),
			SizeY:       binary.LittleEndian.Uint16(buf.Data[o+10:]),
			TexcoordX:   binary.LittleEndian.Uint16(buf.Data[o+12:]),
			TexcoordY:   binary.LittleEndian.Uint16(buf.Data[o+14:]),
			Color:       binary.LittleEndian.Uint32(buf.Data[o+16:]),
		}
	}
	return out
}

func totalInstances(frame *gpu.SoftwareFrame) int {
	total := 0
	for _, d := range frame.Draws {
		if d.Indexed {
			total += d.InstanceCount
		}
	}
	return total
}

func TestRender_EmptyFrame(t *testing.T) {
	b, dev, r := newTestBackend(t)
	p := makePayload(80, 24)

	if err := b.Render(p); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	frame := dev.LastFrame()
	if frame == nil {
		t.Fatal("no frame was recorded")
	}
	if got := totalInstances(frame); got != 1 {
		t.Fatalf("frame drew %d instances, want 1 background quad", got)
	}

	q := decodeInstances(t, dev, b, 1)[0]
	if ShadingType(q.ShadingType) != ShadingBackground {
		t.Errorf("quad shading = %v, want ShadingBackground", q.ShadingType)
	}
	if int(q.SizeX) != p.TargetSize.X || int(q.SizeY) != p.TargetSize.Y {
		t.Errorf("quad size = %dx%d, want %v", q.SizeX, q.SizeY, p.TargetSize)
	}

	if r.draws != 0 || r.bounds != 0 {
		t.Errorf("empty frame touched the rasterizer (%d draws, %d bounds)", r.draws, r.bounds)
	}
	if len(dev.Presents) != 1 {
		t.Errorf("Present called %d times, want 1", len(dev.Presents))
	}
}

func TestRender_TwoGlyphRow(t *testing.T) {
	b, dev, _ := newTestBackend(t)
	p := makePayload(80, 24)
	face := &stubFace{name: "mono"}
	setRowText(p.Rows[0], face, []uint16{104, 105}, 0xffffffff) // "hi"

	if err := b.Render(p); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	frame := dev.LastFrame()
	if got := totalInstances(frame); got != 3 {
		t.Fatalf("frame drew %d instances, want background + 2 glyphs", got)
	}

	quads := decodeInstances(t, dev, b, 3)
	g1, g2 := quads[1], quads[2]
	if ShadingType(g1.ShadingType) != ShadingTextGrayscale || ShadingType(g2.ShadingType) != ShadingTextGrayscale {
		t.Errorf("glyph shadings = %v, %v, want ShadingTextGrayscale", g1.ShadingType, g2.ShadingType)
	}
	if g2.PositionX <= g1.PositionX {
		t.Errorf("glyph positions not ascending: %d then %d", g1.PositionX, g2.PositionX)
	}

	// Both glyphs reference atlas rectangles inside the texture.
	size := b.glyphAtlas.Size()
	for _, q := range quads[1:] {
		if int(q.TexcoordX)+int(q.SizeX) > size.X || int(q.TexcoordY)+int(q.SizeY) > size.Y {
			t.Errorf("quad texcoord %d,%d + size %dx%d outside atlas %v",
				q.TexcoordX, q.TexcoordY, q.SizeX, q.SizeY, size)
		}
	}

	// The dirty rect covers the baseline strip of row 0.
	if p.DirtyRectInPx.Max.Y < 12 {
		t.Errorf("dirty bottom = %d, want at least the baseline 12", p.DirtyRectInPx.Max.Y)
	}
}

func TestRender_InvertCursorOrdering(t *testing.T) {
	b, dev, _ := newTestBackend(t)
	p := makePayload(80, 24)
	face := &stubFace{name: "mono"}
	setRowText(p.Rows[0], face, []uint16{104, 105}, 0xffffffff)
	p.CursorRect = image.Rect(1, 0, 2, 1)
	p.Cursor = CursorSettings{CursorType: CursorFullBox, CursorColor: CursorColorInvert}

	if err := b.Render(p); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	frame := dev.LastFrame()
	if len(frame.Draws) != 2 {
		t.Fatalf("recorded %d draws, want 2 (default batch + invert batch)", len(frame.Draws))
	}
	if frame.Draws[0].Blend != gpu.BlendDefault {
		t.Errorf("draw 0 blend = %v, want BlendDefault", frame.Draws[0].Blend)
	}
	if frame.Draws[1].Blend != gpu.BlendInvert {
		t.Errorf("draw 1 blend = %v, want BlendInvert", frame.Draws[1].Blend)
	}

	quads := decodeInstances(t, dev, b, totalInstances(frame))

	// Order: background, cursor backdrop, two glyphs, invert overlay.
	backdrop := quads[1]
	if ShadingType(backdrop.ShadingType) != ShadingSolidFill {
		t.Fatalf("quad 1 shading = %v, want SolidFill cursor backdrop", backdrop.ShadingType)
	}
	wantColor := uint32(testBackground|0xff000000) ^ 0x3f3f3f
	if backdrop.Color != wantColor {
		t.Errorf("backdrop color = %#x, want %#x", backdrop.Color, wantColor)
	}

	overlay := quads[len(quads)-1]
	if ShadingType(overlay.ShadingType) != ShadingSolidFill || overlay.Color != 0xffffffff {
		t.Errorf("overlay quad = %+v, want white SolidFill", overlay)
	}
	if frame.Draws[1].FirstInstance != len(quads)-1 {
		t.Errorf("invert batch starts at %d, want %d", frame.Draws[1].FirstInstance, len(quads)-1)
	}
}

func TestRender_DoubleUnderscoreCursor(t *testing.T) {
	b, _, _ := newTestBackend(t)
	p := makePayload(80, 24)
	p.CursorRect = image.Rect(5, 0, 6, 1)
	p.Cursor = CursorSettings{CursorType: CursorDoubleUnderscore, CursorColor: 0xff0000ff}

	if err := b.Render(p); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if len(b.cursorRects) != 2 {
		t.Fatalf("cursorRects has %d entries, want 2", len(b.cursorRects))
	}
	c0, c1 := b.cursorRects[0], b.cursorRects[1]
	if c0.positionX != 5*8 || c1.positionX != 5*8 {
		t.Errorf("cursor x = %d, %d, want both %d", c0.positionX, c1.positionX, 5*8)
	}
	if int(c0.positionY) != 11 || int(c1.positionY) != 14 {
		t.Errorf("cursor strip tops = %d, %d, want 11 and 14", c0.positionY, c1.positionY)
	}
	if c0.sizeY != 1 || c1.sizeY != 1 {
		t.Errorf("cursor strip heights = %d, %d, want thin line width 1", c0.sizeY, c1.sizeY)
	}
}

func TestRender_PackFullRetry(t *testing.T) {
	b, dev, _ := newTestBackend(t)

	const glyphCount = 10000
	p := makePayload(80, 1)
	p.TargetSize = image.Pt(2000, 2000)
	face := &stubFace{name: "mono"}
	glyphs := make([]uint16, glyphCount)
	for i := range glyphs {
		glyphs[i] = uint16(100 + i)
	}
	setRowText(p.Rows[0], face, glyphs, 0xffffffff)

	if err := b.Render(p); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	// Every glyph emits exactly one quad, across however many flushes the
	// retries forced.
	frame := dev.LastFrame()
	if got := totalInstances(frame); got != glyphCount+1 {
		t.Errorf("frame drew %d instances, want %d glyphs + background", got, glyphCount)
	}
	if len(frame.Draws) < 2 {
		t.Error("10k unique glyphs should have forced at least one mid-frame flush")
	}

	size := b.glyphAtlas.Size()
	if size.X&(size.X-1) != 0 || size.Y&(size.Y-1) != 0 {
		t.Errorf("final atlas size %v not power of two", size)
	}
	if size.X < 256 {
		t.Errorf("final atlas max dimension = %d, want at least 256", size.X)
	}

	// All cached entries are packed non-overlappingly.
	type rect struct{ x, y, w, h int }
	var rects []rect
	b.glyphAtlas.ForEachEntry(func(_ atlas.FontFaceKey, e *atlas.GlyphEntry) {
		if e.Data.SizeX == 0 || e.Data.SizeY == 0 {
			return
		}
		rects = append(rects, rect{int(e.Data.TexcoordX), int(e.Data.TexcoordY), int(e.Data.SizeX), int(e.Data.SizeY)})
	})
	if len(rects) == 0 {
		t.Fatal("atlas holds no entries after the render")
	}
	for i := range rects {
		for j := i + 1; j < len(rects); j++ {
			ri, rj := rects[i], rects[j]
			if ri.x < rj.x+rj.w && rj.x < ri.x+ri.w && ri.y < rj.y+rj.h && rj.y < ri.y+ri.h {
				t.Fatalf("atlas entries overlap: %+v and %+v", ri, rj)
			}
		}
	}
}

func TestRender_DoubleHeightTopRow(t *testing.T) {
	b, dev, _ := newTestBackend(t)
	p := makePayload(80, 24)
	face := &stubFace{name: "mono"}
	setRowText(p.Rows[0], face, []uint16{68}, 0xffffffff)
	p.Rows[0].LineRendition = LineRenditionDoubleHeightTop

	if err := b.Render(p); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	frame := dev.LastFrame()
	if got := totalInstances(frame); got != 2 {
		t.Fatalf("frame drew %d instances, want background + top half", got)
	}

	// Stub glyph 68 is 6px tall, rasterized 12px at the double-height
	// transform: the split leaves 3px above the baseline for the top row.
	q := decodeInstances(t, dev, b, 2)[1]
	if q.SizeY != 3 {
		t.Errorf("top-half quad height = %d, want 3", q.SizeY)
	}

	// The bottom sibling exists and completes the rasterized height.
	bottomKey := atlas.FontFaceKey{FontFace: face, LineRendition: LineRenditionDoubleHeightBottom}
	topKey := atlas.FontFaceKey{FontFace: face, LineRendition: LineRenditionDoubleHeightTop}
	var topH, bottomH, bottomTexY, topTexY int
	found := 0
	b.glyphAtlas.ForEachEntry(func(key atlas.FontFaceKey, e *atlas.GlyphEntry) {
		switch key {
		case topKey:
			topH = int(e.Data.SizeY)
			topTexY = int(e.Data.TexcoordY)
			found++
		case bottomKey:
			bottomH = int(e.Data.SizeY)
			bottomTexY = int(e.Data.TexcoordY)
			found++
		}
	})
	if found != 2 {
		t.Fatalf("found %d split entries, want 2", found)
	}
	if topH+bottomH != 12 {
		t.Errorf("split heights sum to %d, want 12", topH+bottomH)
	}
	if bottomTexY != topTexY+topH {
		t.Errorf("bottom texcoord.y = %d, want %d", bottomTexY, topTexY+topH)
	}
}

func TestRender_ColorBitmapGenerationSkip(t *testing.T) {
	b, dev, _ := newTestBackend(t)
	p := makePayload(80, 24)

	if err := b.Render(p); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	tex := dev.Texture(b.colorBitmap)
	if tex == nil {
		t.Fatal("color bitmap texture missing")
	}
	writes := tex.Writes
	if writes == 0 {
		t.Fatal("first frame must upload the color bitmap")
	}

	if err := b.Render(p); err != nil {
		t.Fatalf("second Render() error = %v", err)
	}
	if tex.Writes != writes {
		t.Errorf("identical generations re-uploaded the color bitmap (%d -> %d writes)", writes, tex.Writes)
	}

	// A foreground-only change is still skipped while no ligature marker
	// was emitted.
	p.ColorBitmapGenerations[1]++
	if err := b.Render(p); err != nil {
		t.Fatalf("third Render() error = %v", err)
	}
	if tex.Writes != writes {
		t.Errorf("foreground generation bump re-uploaded despite ligature-free frame")
	}

	p.ColorBitmapGenerations[0]++
	if err := b.Render(p); err != nil {
		t.Fatalf("fourth Render() error = %v", err)
	}
	if tex.Writes == writes {
		t.Error("background generation bump did not re-upload")
	}
}

func TestRender_CellCountGenerationRecreatesColorBitmap(t *testing.T) {
	b, dev, _ := newTestBackend(t)
	p := makePayload(80, 24)

	if err := b.Render(p); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	first := b.colorBitmap

	// A settings update without a cell count change keeps the texture.
	p.Generation++
	if err := b.Render(p); err != nil {
		t.Fatalf("second Render() error = %v", err)
	}
	if b.colorBitmap != first {
		t.Error("unchanged cell count generation recreated the color bitmap")
	}

	p.Generation++
	p.CellCountGeneration++
	if err := b.Render(p); err != nil {
		t.Fatalf("third Render() error = %v", err)
	}
	if b.colorBitmap == first {
		t.Error("cell count generation bump did not recreate the color bitmap")
	}
	if dev.Texture(first) != nil {
		t.Error("old color bitmap texture was not destroyed")
	}
}

func TestRender_SelectionMerging(t *testing.T) {
	b, dev, _ := newTestBackend(t)
	p := makePayload(80, 24)
	for y := 2; y <= 4; y++ {
		p.Rows[y].SelectionFrom = 3
		p.Rows[y].SelectionTo = 10
	}
	p.Rows[6].SelectionFrom = 1
	p.Rows[6].SelectionTo = 2

	if err := b.Render(p); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	frame := dev.LastFrame()
	// Background + one merged quad for rows 2-4 + one quad for row 6.
	if got := totalInstances(frame); got != 3 {
		t.Fatalf("frame drew %d instances, want 3", got)
	}
	quads := decodeInstances(t, dev, b, 3)
	merged := quads[1]
	if int(merged.PositionY) != 2*16 || int(merged.SizeY) != 3*16 {
		t.Errorf("merged selection = y%d h%d, want y32 h48", merged.PositionY, merged.SizeY)
	}
	if merged.Color != p.Misc.SelectionColor {
		t.Errorf("selection color = %#x, want %#x", merged.Color, p.Misc.SelectionColor)
	}
}

func TestRender_Gridlines(t *testing.T) {
	b, dev, _ := newTestBackend(t)
	p := makePayload(80, 24)
	p.Rows[1].GridLineRanges = []GridLineRange{
		{From: 2, To: 5, Lines: GridLinesUnderline | GridLinesStrikethrough, Color: 0xff00ff00},
	}

	if err := b.Render(p); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	frame := dev.LastFrame()
	if got := totalInstances(frame); got != 3 {
		t.Fatalf("frame drew %d instances, want background + 2 lines", got)
	}
	quads := decodeInstances(t, dev, b, 3)
	underline := quads[1]
	if int(underline.PositionY) != 16+13 {
		t.Errorf("underline y = %d, want %d", underline.PositionY, 16+13)
	}
	if int(underline.PositionX) != 2*8 || int(underline.SizeX) != 3*8 {
		t.Errorf("underline span = x%d w%d, want x16 w24", underline.PositionX, underline.SizeX)
	}
}

func TestRender_InvalidPayload(t *testing.T) {
	b, _, _ := newTestBackend(t)

	p := makePayload(80, 24)
	p.Rows = p.Rows[:10]
	if err := b.Render(p); err == nil {
		t.Error("row count mismatch should fail")
	}

	p = makePayload(80, 24)
	p.Rows[3].GlyphIndices = []uint16{1, 2}
	p.Rows[3].GlyphAdvances = []float32{1}
	p.Rows[3].GlyphOffsets = make([]GlyphOffset, 2)
	p.Rows[3].Colors = make([]uint32, 2)
	if err := b.Render(p); err == nil {
		t.Error("parallel array mismatch should fail")
	}
}

func TestRender_FontChangeResetsCaches(t *testing.T) {
	b, _, r := newTestBackend(t)
	p := makePayload(80, 24)

	if err := b.Render(p); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if r.resets != 1 {
		t.Fatalf("initial settings update reset caches %d times, want 1", r.resets)
	}

	p.Generation++
	p.FontGeneration++
	if err := b.Render(p); err != nil {
		t.Fatalf("Render() after font change error = %v", err)
	}
	if r.resets != 2 {
		t.Errorf("font change reset caches %d times total, want 2", r.resets)
	}
}

func TestInstanceBufferRounding(t *testing.T) {
	b, dev, _ := newTestBackend(t)
	p := makePayload(80, 24)

	if err := b.Render(p); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	buf := dev.Buffer(b.instanceBuffer)
	if buf == nil {
		t.Fatal("instance buffer missing")
	}
	if len(buf.Data)%0x10000 != 0 {
		t.Errorf("instance buffer size %d not a 64 KiB multiple", len(buf.Data))
	}
	if b.instanceBufferCapacity < 80*24 {
		t.Errorf("instance capacity %d below the cell count estimate", b.instanceBufferCapacity)
	}
}
