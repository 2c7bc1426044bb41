package atlas

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math/bits"

	"golang.org/x/image/draw"

	"github.com/Xrmastrer55/terminal/gpu"
)

// Atlas errors.
var (
	// ErrAtlasFull is returned when the packer cannot place a glyph.
	// The caller recovers by flushing pending quads and calling Reset.
	ErrAtlasFull = errors.New("atlas: texture atlas is full")

	// ErrGlyphTooLarge is returned when a glyph fails to pack into a
	// freshly reset atlas. Retrying cannot succeed; the condition is fatal.
	ErrGlyphTooLarge = errors.New("atlas: glyph larger than the atlas")
)

// minArea results in a 64 KiB BGRA texture, the minimum alignment for
// placed GPU memory. It also guards the bit scan against zero input.
const minArea = 128 * 128

// GlyphAtlas caches rasterized glyph bitmaps in one GPU texture. Glyphs
// are packed online with a skyline packer and indexed by font face and
// glyph index. Each reset at least doubles the texture area, capped at
// 1.25× the render target area so the cache cannot outgrow its usefulness,
// and at the device limit; under those caps a smaller target can also
// shrink the texture.
//
// Rasterization happens on a CPU staging image inside a drawing scope;
// EndDrawing uploads the touched region. The staging scope and the quad
// flush never overlap within a frame.
type GlyphAtlas struct {
	dev        gpu.Device
	rasterizer Rasterizer

	texture gpu.TextureID
	packer  SkylinePacker

	// faces is the outer cache level. Values are heap-allocated so entry
	// pointers stay valid while the map grows; Reset discards them all.
	faces map[FontFaceKey]*FontFaceEntry

	metrics FontMetrics

	staging     *image.RGBA
	drawing     bool
	stagedDirty image.Rectangle

	packedRects int

	softFontBitmap *image.RGBA
}

// FontFaceEntry is the outer cache entry: one per (font face, line
// rendition) pair, owning the per-font glyph table.
type FontFaceEntry struct {
	FontFace      FontFace
	LineRendition LineRendition
	Glyphs        GlyphMap
}

// NewGlyphAtlas creates an empty atlas. No GPU resources are allocated
// until the first Reset.
func NewGlyphAtlas(dev gpu.Device, rasterizer Rasterizer) *GlyphAtlas {
	return &GlyphAtlas{
		dev:        dev,
		rasterizer: rasterizer,
		faces:      make(map[FontFaceKey]*FontFaceEntry),
	}
}

// SetRasterizer replaces the glyph rasterizer. The caller must Reset
// afterwards; cached glyphs from the old rasterizer stay valid until then.
func (a *GlyphAtlas) SetRasterizer(r Rasterizer) {
	a.rasterizer = r
}

// SetFontMetrics installs the metrics of the current font. Must be
// followed by a Reset before the next glyph is drawn.
func (a *GlyphAtlas) SetFontMetrics(m FontMetrics) {
	a.metrics = m
	a.softFontBitmap = nil
}

// Metrics returns the installed font metrics.
func (a *GlyphAtlas) Metrics() FontMetrics { return a.metrics }

// Texture returns the atlas texture, or gpu.InvalidID before the first
// Reset.
func (a *GlyphAtlas) Texture() gpu.TextureID { return a.texture }

// Size returns the current texture dimensions.
func (a *GlyphAtlas) Size() image.Point {
	return image.Pt(a.packer.Width(), a.packer.Height())
}

// Empty reports whether no rectangle has been packed since the last
// Reset. A pack failure on an empty atlas is the fatal "glyph larger
// than atlas" deadlock.
func (a *GlyphAtlas) Empty() bool { return a.packedRects == 0 }

// Reset reallocates the texture when the size picked by nextSize differs
// from the current one, resets the packer, and drops both cache levels. cellSize and targetSize come from
// the current frame's payload.
func (a *GlyphAtlas) Reset(cellSize, targetSize image.Point) error {
	u, v := a.nextSize(cellSize, targetSize)

	if u != a.packer.Width() || v != a.packer.Height() {
		if a.texture != gpu.InvalidID {
			a.dev.DestroyTexture(a.texture)
			a.texture = gpu.InvalidID
		}
		tex, err := a.dev.CreateTexture(&gpu.TextureDescriptor{
			Label:  "glyph_atlas",
			Width:  u,
			Height: v,
			Format: gpu.TextureFormatBGRA8,
			Usage:  gpu.TextureUsageShaderResource | gpu.TextureUsageRenderTarget,
		})
		if err != nil {
			return fmt.Errorf("atlas: create texture: %w", err)
		}
		a.texture = tex
		a.staging = image.NewRGBA(image.Rect(0, 0, u, v))
	}

	a.packer.Reset(u, v)
	a.faces = make(map[FontFaceKey]*FontFaceEntry)
	a.packedRects = 0

	a.BeginDrawing()
	clearImage(a.staging)
	a.dev.ClearTexture(a.texture)
	a.stagedDirty = image.Rectangle{}
	return nil
}

// nextSize picks the power-of-two texture dimensions for the next reset.
// The area at least doubles relative to the current texture and covers the
// 95 printable ASCII glyphs of the current cell size, capped at 1.25× the
// target area (so a pathological glyph stream costs at most two passes per
// frame) and at the device texture limit.
func (a *GlyphAtlas) nextSize(cellSize, targetSize image.Point) (int, int) {
	maxDim := a.dev.Capabilities().MaxTextureDimension2D
	maxArea := uint64(maxDim) * uint64(maxDim)

	cellArea := uint64(cellSize.X) * uint64(cellSize.Y)
	targetArea := uint64(targetSize.X) * uint64(targetSize.Y)

	minByFont := cellArea * 95
	minByGrowth := uint64(a.packer.Width()) * uint64(a.packer.Height()) * 2
	area := uint64(minArea)
	if minByFont > area {
		area = minByFont
	}
	if minByGrowth > area {
		area = minByGrowth
	}

	maxByFont := targetArea + targetArea/4
	if maxByFont < area {
		area = maxByFont
	}
	if maxArea < area {
		area = maxArea
	}
	if area < 2 {
		area = 2
	}

	// Smallest power-of-two texture with at least the given area, with
	// u = v or u = 2·v. Power-of-two sizes keep resizes to factor-of-two
	// steps instead of tracking the window pixel by pixel.
	index := bits.Len64(area-1) - 1
	u := 1 << ((index + 2) / 2)
	v := 1 << ((index + 1) / 2)
	return u, v
}

// Entry returns the outer cache entry for key, inserting one if absent.
// The pointer is stable until the next Reset.
func (a *GlyphAtlas) Entry(key FontFaceKey) *FontFaceEntry {
	if e, ok := a.faces[key]; ok {
		return e
	}
	e := &FontFaceEntry{
		FontFace:      key.FontFace,
		LineRendition: key.LineRendition,
	}
	a.faces[key] = e
	return e
}

// ForEachEntry calls fn for every cached glyph entry across all font
// faces. Used by diagnostics and tests; insertion during iteration is not
// allowed.
func (a *GlyphAtlas) ForEachEntry(fn func(FontFaceKey, *GlyphEntry)) {
	for key, face := range a.faces {
		face.Glyphs.ForEach(func(e *GlyphEntry) {
			fn(key, e)
		})
	}
}

// BeginDrawing opens the rasterization scope on the staging image.
func (a *GlyphAtlas) BeginDrawing() {
	a.drawing = true
}

// EndDrawing closes the rasterization scope, uploading the staged region
// to the GPU texture. It is idempotent.
func (a *GlyphAtlas) EndDrawing() {
	if !a.drawing {
		return
	}
	a.drawing = false
	if a.stagedDirty.Empty() {
		return
	}
	r := a.stagedDirty
	stride := a.staging.Stride
	off := a.staging.PixOffset(r.Min.X, r.Min.Y)
	a.dev.WriteTexture(a.texture, r, a.staging.Pix[off:], stride)
	a.stagedDirty = image.Rectangle{}
}

// DrawGlyph rasterizes the glyph of glyphEntry into the atlas and fills
// in its placement data. fontFaceEntry must be the owner of glyphEntry.
//
// On ErrAtlasFull the caller must flush pending quads, Reset the atlas and
// restart from the font-face lookup (the entry pointers are invalidated by
// the reset). ErrGlyphTooLarge is fatal.
func (a *GlyphAtlas) DrawGlyph(fontFaceEntry *FontFaceEntry, glyphEntry *GlyphEntry) error {
	if fontFaceEntry.FontFace == nil {
		return a.drawSoftFontGlyph(fontFaceEntry, glyphEntry)
	}

	lineRendition := fontFaceEntry.LineRendition
	if lineRendition != LineRenditionSingleWidth {
		scaleY := float32(1)
		if lineRendition >= LineRenditionDoubleHeightTop {
			scaleY = 2
		}
		a.rasterizer.SetTransform(2, scaleY)
		defer a.rasterizer.SetTransform(1, 1)
	}

	glyphIndices := [1]uint16{glyphEntry.GlyphIndex}
	run := GlyphRun{
		FontFace:     fontFaceEntry.FontFace,
		FontEmSize:   a.metrics.FontEmSize,
		GlyphIndices: glyphIndices[:],
	}

	box, err := a.rasterizer.GlyphRunBlackBox(&run)
	if err != nil {
		return fmt.Errorf("atlas: glyph %d bounds: %w", glyphEntry.GlyphIndex, err)
	}

	// An empty box is whitespace: cache it with zero size so reinsertion
	// stays a pure lookup, and emit no quads for it.
	if box.Empty() {
		return nil
	}

	bl := roundf(box.Left)
	bt := roundf(box.Top)
	br := roundf(box.Right)
	bb := roundf(box.Bottom)

	w := br - bl
	h := bb - bt
	x, y, ok := a.packer.Pack(w, h)
	if !ok {
		return a.packFailure()
	}
	a.packedRects++

	origin := image.Pt(x-bl, y-bt)
	a.BeginDrawing()
	colorGlyph, err := a.rasterizer.DrawGlyphRun(a.staging, origin, &run)
	if err != nil {
		return fmt.Errorf("atlas: draw glyph %d: %w", glyphEntry.GlyphIndex, err)
	}
	a.markStaged(image.Rect(x, y, x+w, y+h))

	shading := ShadingPassthrough
	if !colorGlyph {
		shading = a.textShadingType()
	}

	// Ligatures are drawn with strict cell-wise foreground color, while
	// other text may overhang its cells and keep its color. The width
	// condition excludes diacritics, the trigger pair excludes ordinary
	// wide glyphs that overlap a little.
	if w >= a.metrics.CellSize.X &&
		(bl <= a.metrics.LigatureOverhangTriggerLeft || br >= a.metrics.LigatureOverhangTriggerRight) {
		shading |= LigatureMarker
	}

	glyphEntry.Data = EntryData{
		Shading:   shading,
		OffsetX:   int16(bl),
		OffsetY:   int16(bt),
		SizeX:     uint16(w),
		SizeY:     uint16(h),
		TexcoordX: uint16(x),
		TexcoordY: uint16(y),
	}

	if lineRendition >= LineRenditionDoubleHeightTop {
		a.splitDoubleHeightGlyph(fontFaceEntry, glyphEntry)
	}
	return nil
}

// textShadingType classifies plain text glyphs per antialiasing mode.
func (a *GlyphAtlas) textShadingType() ShadingType {
	if a.metrics.AntialiasingMode == AntialiasingClearType {
		return ShadingTextClearType
	}
	return ShadingTextGrayscale
}

// packFailure distinguishes the recoverable full condition from the fatal
// too-large one.
func (a *GlyphAtlas) packFailure() error {
	if a.Empty() {
		return ErrGlyphTooLarge
	}
	return ErrAtlasFull
}

// drawSoftFontGlyph blits a scaled soft-font (DRCS) pattern instead of
// rasterizing an outline.
func (a *GlyphAtlas) drawSoftFontGlyph(fontFaceEntry *FontFaceEntry, glyphEntry *GlyphEntry) error {
	w := a.metrics.CellSize.X
	h := a.metrics.CellSize.Y
	lineRendition := fontFaceEntry.LineRendition
	if lineRendition != LineRenditionSingleWidth {
		w <<= 1
		if lineRendition >= LineRenditionDoubleHeightTop {
			h <<= 1
		}
	}

	x, y, ok := a.packer.Pack(w, h)
	if !ok {
		return a.packFailure()
	}
	a.packedRects++

	cell := a.metrics.SoftFontCellSize
	patternRows := len(a.metrics.SoftFontPattern)
	glyphIndex := int(glyphEntry.GlyphIndex) - SoftFontGlyphFirst
	from := glyphIndex * cell.Y
	if glyphIndex < 0 || from+cell.Y > patternRows || cell.X <= 0 || cell.X > 16 {
		return fmt.Errorf("atlas: soft font glyph %#x outside pattern", glyphEntry.GlyphIndex)
	}

	if a.softFontBitmap == nil {
		a.softFontBitmap = image.NewRGBA(image.Rect(0, 0, cell.X, cell.Y))
	}
	expandSoftFontPattern(a.softFontBitmap, a.metrics.SoftFontPattern[from:from+cell.Y], cell.X)

	var scaler draw.Scaler = draw.CatmullRom
	if a.metrics.AntialiasingMode == AntialiasingAliased {
		scaler = draw.NearestNeighbor
	}

	a.BeginDrawing()
	dst := image.Rect(x, y, x+w, y+h)
	scaler.Scale(a.staging, dst, a.softFontBitmap, a.softFontBitmap.Bounds(), draw.Src, nil)
	a.markStaged(dst)

	glyphEntry.Data = EntryData{
		Shading:   ShadingTextGrayscale,
		OffsetX:   0,
		OffsetY:   int16(-a.metrics.Baseline),
		SizeX:     uint16(w),
		SizeY:     uint16(h),
		TexcoordX: uint16(x),
		TexcoordY: uint16(y),
	}

	if lineRendition >= LineRenditionDoubleHeightTop {
		glyphEntry.Data.OffsetY -= int16(a.metrics.CellSize.Y)
		a.splitDoubleHeightGlyph(fontFaceEntry, glyphEntry)
	}
	return nil
}

// splitDoubleHeightGlyph splits a double-height (DECDHL) glyph into a top
// and a bottom half. glyphEntry is clipped to the half selected by its
// font-face entry's rendition; the sibling half is inserted under the
// opposite rendition's key, sharing the one rasterization.
func (a *GlyphAtlas) splitDoubleHeightGlyph(fontFaceEntry *FontFaceEntry, glyphEntry *GlyphEntry) {
	// Twice the line height, twice the descender gap. For both halves.
	glyphEntry.Data.OffsetY -= int16(a.metrics.Descender)

	isTop := fontFaceEntry.LineRendition == LineRenditionDoubleHeightTop

	siblingRendition := LineRenditionDoubleHeightTop
	if isTop {
		siblingRendition = LineRenditionDoubleHeightBottom
	}
	sibling := a.Entry(FontFaceKey{
		FontFace:      fontFaceEntry.FontFace,
		LineRendition: siblingRendition,
	})
	entry2, _ := sibling.Glyphs.Entry(glyphEntry.GlyphIndex)
	entry2.Data = glyphEntry.Data

	top, bottom := glyphEntry, entry2
	if !isTop {
		top, bottom = entry2, glyphEntry
	}

	topSize := clamp(int(-glyphEntry.Data.OffsetY)-a.metrics.Baseline, 0, int(glyphEntry.Data.SizeY))
	top.Data.OffsetY += int16(a.metrics.CellSize.Y)
	top.Data.SizeY = uint16(topSize)
	bottom.Data.OffsetY += int16(topSize)
	if int(bottom.Data.SizeY) > topSize {
		bottom.Data.SizeY -= uint16(topSize)
	} else {
		bottom.Data.SizeY = 0
	}
	bottom.Data.TexcoordY += uint16(topSize)

	// Diacritics may be so small they exist on only one half of the
	// double-height row. The other half becomes whitespace.
	if top.Data.SizeY == 0 {
		top.Data.Shading = ShadingDefault
	}
	if bottom.Data.SizeY == 0 {
		bottom.Data.Shading = ShadingDefault
	}
}

func (a *GlyphAtlas) markStaged(r image.Rectangle) {
	if a.stagedDirty.Empty() {
		a.stagedDirty = r
		return
	}
	a.stagedDirty = a.stagedDirty.Union(r)
}

// expandSoftFontPattern expands 16-bit pattern rows into opaque white or
// transparent pixels. The MSB of each row is the leftmost pixel.
func expandSoftFontPattern(dst *image.RGBA, rows []uint16, width int) {
	for y, rowBits := range rows {
		for x := 0; x < width; x++ {
			c := color.RGBA{}
			if rowBits&0x8000 != 0 {
				c = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
			}
			dst.SetRGBA(x, y, c)
			rowBits <<= 1
		}
	}
}

func clearImage(img *image.RGBA) {
	for i := range img.Pix {
		img.Pix[i] = 0
	}
}

func roundf(v float32) int {
	if v < 0 {
		return int(v - 0.5)
	}
	return int(v + 0.5)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
