// Package atlas implements the glyph atlas: a dynamically grown GPU texture
// caching rasterized glyph bitmaps, packed online with a skyline packer and
// indexed by a two-level (font face → glyph index) cache.
package atlas

import (
	"image"
)

// ShadingType tells the quad pixel shader how to interpret an instance.
// The values are part of the wire contract with the shader and must not be
// reordered.
type ShadingType uint16

const (
	// ShadingDefault marks entries that emit no quads (whitespace glyphs,
	// empty double-height halves).
	ShadingDefault ShadingType = 0
	// ShadingBackground samples the background half of the color bitmap.
	ShadingBackground ShadingType = 1
	// ShadingSolidFill fills with the instance color.
	ShadingSolidFill ShadingType = 2
	// ShadingTextGrayscale blends a grayscale glyph with the instance color.
	ShadingTextGrayscale ShadingType = 3
	// ShadingTextClearType blends per-channel ClearType weights.
	ShadingTextClearType ShadingType = 4
	// ShadingPassthrough copies atlas texels untouched (color glyphs).
	ShadingPassthrough ShadingType = 5

	// LigatureMarker is OR'd onto text shading types when a glyph overhangs
	// its cells; the pixel shader then clamps the foreground color per cell.
	LigatureMarker ShadingType = 0x8000
)

// Text reports whether the shading type is one of the glyph text types
// (ignoring the ligature marker bit).
func (s ShadingType) Text() bool {
	switch s &^ LigatureMarker {
	case ShadingTextGrayscale, ShadingTextClearType, ShadingPassthrough:
		return true
	}
	return false
}

// LineRendition selects the per-row glyph scaling (VT DECDWL/DECDHL).
type LineRendition uint8

const (
	LineRenditionSingleWidth LineRendition = iota
	LineRenditionDoubleWidth
	LineRenditionDoubleHeightTop
	LineRenditionDoubleHeightBottom
)

// AntialiasingMode mirrors the font settings' antialiasing selection.
type AntialiasingMode uint8

const (
	AntialiasingGrayscale AntialiasingMode = iota
	AntialiasingClearType
	AntialiasingAliased
)

// FontFace is an opaque, comparable handle for a font face. The atlas only
// uses it as a cache key and passes it back to the rasterizer unchanged.
// Implementations are typically pointers.
type FontFace any

// FontFaceKey identifies one inner glyph table. Double-height top and
// bottom renditions are distinct keys: the two halves of a split glyph
// live in sibling tables.
type FontFaceKey struct {
	FontFace      FontFace
	LineRendition LineRendition
}

// EntryData is the cached placement of one rasterized glyph.
type EntryData struct {
	Shading   ShadingType
	OffsetX   int16
	OffsetY   int16
	SizeX     uint16
	SizeY     uint16
	TexcoordX uint16
	TexcoordY uint16
}

// GlyphRun describes a single-glyph run handed to the rasterizer.
type GlyphRun struct {
	FontFace     FontFace
	FontEmSize   float32
	GlyphIndices []uint16
}

// RectF is a float rectangle, used for glyph black boxes. Top is negative
// for ink above the baseline origin.
type RectF struct {
	Left, Top, Right, Bottom float32
}

// Empty reports whether the rectangle encloses no area.
func (r RectF) Empty() bool {
	return r.Left >= r.Right || r.Top >= r.Bottom
}

// Rasterizer draws single glyph runs into a caller-supplied bitmap region.
// It is dependency-injected; the atlas only relies on this contract:
// DrawGlyphRun renders the run with its baseline origin at origin, writing
// premultiplied BGRA pixels, and reports whether the glyph carried its own
// color (emoji and other color fonts).
type Rasterizer interface {
	// GlyphRunBlackBox returns the tight bounds of the run relative to its
	// baseline origin at (0,0), honoring the current transform.
	GlyphRunBlackBox(run *GlyphRun) (RectF, error)

	// DrawGlyphRun draws the run into dst at the given baseline origin.
	DrawGlyphRun(dst *image.RGBA, origin image.Point, run *GlyphRun) (isColorGlyph bool, err error)

	// SetTransform applies a glyph scale for non-single-width renditions.
	// SetTransform(1, 1) restores the identity.
	SetTransform(scaleX, scaleY float32)
}

// FontMetrics is the subset of the payload font settings the atlas needs to
// rasterize and classify glyphs. It changes only with the font generation.
type FontMetrics struct {
	CellSize   image.Point
	FontEmSize float32
	Baseline   int
	Descender  int

	LigatureOverhangTriggerLeft  int
	LigatureOverhangTriggerRight int

	AntialiasingMode AntialiasingMode

	// Soft font (DRCS) description. Pattern rows are 16-bit masks with the
	// MSB at the leftmost pixel; glyph indices start at SoftFontGlyphFirst.
	SoftFontCellSize image.Point
	SoftFontPattern  []uint16
}

// SoftFontGlyphFirst is the first glyph index of the soft font private range.
const SoftFontGlyphFirst = 0xEF20
