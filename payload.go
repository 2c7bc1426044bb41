package terminal

import (
	"image"

	"github.com/Xrmastrer55/terminal/atlas"
)

// Re-exported atlas types. The payload speaks the same vocabulary as the
// glyph cache; aliasing avoids a parallel set of conversions.
type (
	// LineRendition selects per-row glyph scaling (VT DECDWL/DECDHL).
	LineRendition = atlas.LineRendition
	// AntialiasingMode selects the text antialiasing style.
	AntialiasingMode = atlas.AntialiasingMode
	// FontFace is an opaque, comparable font face handle.
	FontFace = atlas.FontFace
	// ShadingType tells the pixel shader how to treat a quad instance.
	ShadingType = atlas.ShadingType
)

// Line rendition values.
const (
	LineRenditionSingleWidth        = atlas.LineRenditionSingleWidth
	LineRenditionDoubleWidth        = atlas.LineRenditionDoubleWidth
	LineRenditionDoubleHeightTop    = atlas.LineRenditionDoubleHeightTop
	LineRenditionDoubleHeightBottom = atlas.LineRenditionDoubleHeightBottom
)

// Antialiasing modes.
const (
	AntialiasingGrayscale = atlas.AntialiasingGrayscale
	AntialiasingClearType = atlas.AntialiasingClearType
	AntialiasingAliased   = atlas.AntialiasingAliased
)

// Shading types.
const (
	ShadingDefault       = atlas.ShadingDefault
	ShadingBackground    = atlas.ShadingBackground
	ShadingSolidFill     = atlas.ShadingSolidFill
	ShadingTextGrayscale = atlas.ShadingTextGrayscale
	ShadingTextClearType = atlas.ShadingTextClearType
	ShadingPassthrough   = atlas.ShadingPassthrough
	LigatureMarker       = atlas.LigatureMarker
)

// GridLines is a bitset of the line decorations of a gridline range.
type GridLines uint16

const (
	GridLinesLeft GridLines = 1 << iota
	GridLinesTop
	GridLinesRight
	GridLinesBottom
	GridLinesUnderline
	GridLinesHyperlinkUnderline
	GridLinesDoubleUnderline
	GridLinesStrikethrough
)

// GridLineRange decorates the cells [From, To) of a row with the enabled
// line bits in the given color.
type GridLineRange struct {
	From  int
	To    int
	Lines GridLines
	Color uint32
}

// GlyphOffset positions one glyph relative to the advancing baseline.
type GlyphOffset struct {
	AdvanceOffset  float32
	AscenderOffset float32
}

// FontMapping maps the glyph span [GlyphsFrom, GlyphsTo) of a row onto one
// font face. A nil FontFace selects the soft font path.
type FontMapping struct {
	FontFace   FontFace
	GlyphsFrom int
	GlyphsTo   int
}

// ShapedRow is one cell-row of shaped output. The glyph arrays are
// parallel, indexed by glyph position.
type ShapedRow struct {
	Mappings []FontMapping

	GlyphIndices  []uint16
	GlyphAdvances []float32
	GlyphOffsets  []GlyphOffset
	Colors        []uint32

	GridLineRanges []GridLineRange

	SelectionFrom int
	SelectionTo   int

	LineRendition LineRendition

	// DirtyTop and DirtyBottom are in-out: the renderer widens them to the
	// pixel extent of the glyphs it drew for this row.
	DirtyTop    int
	DirtyBottom int
}

// CursorType selects the shape the cursor rectangle is carved into.
type CursorType uint8

const (
	CursorLegacy CursorType = iota
	CursorVerticalBar
	CursorUnderscore
	CursorEmptyBox
	CursorFullBox
	CursorDoubleUnderscore
)

// CursorColorInvert is the sentinel cursor color that inverts the cells
// underneath instead of painting a fixed color.
const CursorColorInvert = 0xffffffff

// CursorSettings describes the cursor's shape and color.
type CursorSettings struct {
	CursorType       CursorType
	HeightPercentage int
	CursorColor      uint32
}

// FontSettings carries the font metrics the renderer consumes. All pixel
// values are integers at the payload DPI.
type FontSettings struct {
	CellSize   image.Point
	FontEmSize float32
	DPI        int

	Baseline  int
	Descender int

	ThinLineWidth int

	UnderlinePos       int
	UnderlineWidth     int
	DoubleUnderlinePos image.Point
	StrikethroughPos   int
	StrikethroughWidth int

	LigatureOverhangTriggerLeft  int
	LigatureOverhangTriggerRight int

	AntialiasingMode AntialiasingMode

	SoftFontCellSize image.Point
	SoftFontPattern  []uint16
}

// MiscSettings carries the remaining user-facing knobs.
type MiscSettings struct {
	BackgroundColor        uint32
	SelectionColor         uint32
	CustomPixelShaderPath  string
	UseRetroTerminalEffect bool
}

// RowRange is a half-open range of row indices.
type RowRange struct {
	From int
	To   int
}

// Contains reports whether y lies in the range.
func (r RowRange) Contains(y int) bool {
	return y >= r.From && y < r.To
}

// RenderingPayload is the per-frame input to Backend.Render. The caller
// owns all slices; the renderer reads them during Render only and writes
// back nothing except DirtyRectInPx and the rows' dirty extents.
//
// Generations detect structural change: the renderer re-runs its settings
// update path whenever Generation differs from the previous frame, and
// uses the font/misc/cell-count generations to limit the work done there.
// Generations must start at a non-zero value.
type RenderingPayload struct {
	Generation          uint32
	FontGeneration      uint32
	MiscGeneration      uint32
	CellCountGeneration uint32

	TargetSize image.Point
	CellCount  image.Point

	Rows []*ShapedRow

	// CursorRect is the cursor's cell rectangle, inclusive-exclusive.
	// An empty rectangle hides the cursor.
	CursorRect image.Rectangle
	Cursor     CursorSettings

	Font *FontSettings
	Misc *MiscSettings

	// ColorBitmap holds per-cell colors: CellCount.Y rows of background
	// colors followed by CellCount.Y rows of foreground colors, each row
	// ColorBitmapRowStride u32s wide. The two generation counters identify
	// the contents of the two halves independently.
	ColorBitmap            []uint32
	ColorBitmapRowStride   int
	ColorBitmapGenerations [2]uint32

	// InvalidatedRows is the row range whose dirty extents contribute to
	// the frame dirty rectangle.
	InvalidatedRows RowRange

	// DirtyRectInPx is in-out: the renderer expands it and Present
	// consumes it.
	DirtyRectInPx image.Rectangle

	// WarningCallback, when set, receives non-fatal errors such as custom
	// shader compile failures.
	WarningCallback func(error)
}

// fontMetrics projects the payload font settings onto what the atlas needs.
func (p *RenderingPayload) fontMetrics() atlas.FontMetrics {
	return atlas.FontMetrics{
		CellSize:                     p.Font.CellSize,
		FontEmSize:                   p.Font.FontEmSize,
		Baseline:                     p.Font.Baseline,
		Descender:                    p.Font.Descender,
		LigatureOverhangTriggerLeft:  p.Font.LigatureOverhangTriggerLeft,
		LigatureOverhangTriggerRight: p.Font.LigatureOverhangTriggerRight,
		AntialiasingMode:             p.Font.AntialiasingMode,
		SoftFontCellSize:             p.Font.SoftFontCellSize,
		SoftFontPattern:              p.Font.SoftFontPattern,
	}
}
