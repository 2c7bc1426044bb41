package glyph

import (
	"fmt"
	"image"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/image/font"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"github.com/Xrmastrer55/terminal/atlas"
)

// outlineCacheSize bounds the loaded-outline LRU. Outlines are tiny
// (segment slices), so a few thousand cover even CJK-heavy screens.
const outlineCacheSize = 4096

// outlineKey identifies one loaded outline: face, glyph and pixel size.
// The rendition transform is applied after loading, so it is not part of
// the key.
type outlineKey struct {
	faceID     uint64
	glyphIndex uint16
	ppem       fixed.Int26_6
}

// cachedOutline is one loaded outline with its untransformed bounds.
type cachedOutline struct {
	segments []sfnt.Segment
	bounds   fixed.Rectangle26_6
	empty    bool
}

// Rasterizer renders single glyph runs into caller-supplied bitmaps. It
// implements the renderer's rasterizer contract against Face handles.
//
// A Rasterizer is not safe for concurrent use; the renderer drives it
// from its render goroutine only.
type Rasterizer struct {
	outlines *lru.Cache[outlineKey, *cachedOutline]
	buf      sfnt.Buffer

	scaleX float32
	scaleY float32
}

// NewRasterizer creates a rasterizer with the default outline cache size.
func NewRasterizer() *Rasterizer {
	cache, err := lru.New[outlineKey, *cachedOutline](outlineCacheSize)
	if err != nil {
		// lru.New fails only for non-positive sizes.
		panic(err)
	}
	return &Rasterizer{
		outlines: cache,
		scaleX:   1,
		scaleY:   1,
	}
}

// ResetCaches drops all cached outlines. The renderer calls this on font
// changes.
func (r *Rasterizer) ResetCaches() {
	r.outlines.Purge()
}

// SetTransform applies a glyph scale about the baseline origin for
// double-width and double-height renditions.
func (r *Rasterizer) SetTransform(scaleX, scaleY float32) {
	r.scaleX = scaleX
	r.scaleY = scaleY
}

// GlyphRunBlackBox returns the tight bounds of the run relative to its
// baseline origin, honoring the current transform.
func (r *Rasterizer) GlyphRunBlackBox(run *atlas.GlyphRun) (atlas.RectF, error) {
	face, err := runFace(run)
	if err != nil {
		return atlas.RectF{}, err
	}
	ppem := fixed.Int26_6(run.FontEmSize * 64)

	var box atlas.RectF
	first := true
	advanceX := float32(0)

	for _, glyphIndex := range run.GlyphIndices {
		outline, err := r.loadOutline(face, glyphIndex, ppem)
		if err != nil {
			return atlas.RectF{}, err
		}
		if !outline.empty {
			g := atlas.RectF{
				Left:   fixedToFloat(outline.bounds.Min.X) + advanceX,
				Top:    fixedToFloat(outline.bounds.Min.Y),
				Right:  fixedToFloat(outline.bounds.Max.X) + advanceX,
				Bottom: fixedToFloat(outline.bounds.Max.Y),
			}
			if first {
				box = g
				first = false
			} else {
				box = unionRectF(box, g)
			}
		}

		advance, err := face.sfnt.GlyphAdvance(&r.buf, sfnt.GlyphIndex(glyphIndex), ppem, font.HintingNone)
		if err != nil {
			return atlas.RectF{}, fmt.Errorf("glyph: advance of %d: %w", glyphIndex, err)
		}
		advanceX += fixedToFloat(advance)
	}

	if first {
		return atlas.RectF{}, nil
	}
	box.Left *= r.scaleX
	box.Right *= r.scaleX
	box.Top *= r.scaleY
	box.Bottom *= r.scaleY
	return box, nil
}

// DrawGlyphRun fills the run's outlines into dst with the baseline origin
// at origin. Coverage is written as premultiplied white into all four
// channels, which serves both the grayscale path (alpha) and the
// ClearType path (per-channel weights). Color glyphs are reported; only
// their outline data, if any, is drawn, and their color bitmaps or SVG
// documents are not rendered. Their shading is the caller's concern.
func (r *Rasterizer) DrawGlyphRun(dst *image.RGBA, origin image.Point, run *atlas.GlyphRun) (bool, error) {
	face, err := runFace(run)
	if err != nil {
		return false, err
	}
	ppem := fixed.Int26_6(run.FontEmSize * 64)

	isColor := false
	advanceX := float32(0)

	for _, glyphIndex := range run.GlyphIndices {
		if face.isColorGlyph(glyphIndex) {
			isColor = true
		}

		outline, err := r.loadOutline(face, glyphIndex, ppem)
		if err != nil {
			return isColor, err
		}
		if !outline.empty {
			r.fillOutline(dst, origin, advanceX, outline)
		}

		advance, err := face.sfnt.GlyphAdvance(&r.buf, sfnt.GlyphIndex(glyphIndex), ppem, font.HintingNone)
		if err != nil {
			return isColor, fmt.Errorf("glyph: advance of %d: %w", glyphIndex, err)
		}
		advanceX += fixedToFloat(advance)
	}

	return isColor, nil
}

// fillOutline rasterizes one outline into dst. The mask is built at the
// glyph's transformed bounding box and blitted with saturating addition
// so overlapping glyphs accumulate instead of overwriting.
func (r *Rasterizer) fillOutline(dst *image.RGBA, origin image.Point, advanceX float32, outline *cachedOutline) {
	tx := func(v fixed.Int26_6) float32 {
		return (fixedToFloat(v) + advanceX) * r.scaleX
	}
	ty := func(v fixed.Int26_6) float32 {
		return fixedToFloat(v) * r.scaleY
	}

	left := floorf((fixedToFloat(outline.bounds.Min.X) + advanceX) * r.scaleX)
	top := floorf(fixedToFloat(outline.bounds.Min.Y) * r.scaleY)
	right := ceilf((fixedToFloat(outline.bounds.Max.X) + advanceX) * r.scaleX)
	bottom := ceilf(fixedToFloat(outline.bounds.Max.Y) * r.scaleY)

	w := right - left
	h := bottom - top
	if w <= 0 || h <= 0 {
		return
	}

	vr := vector.NewRasterizer(w, h)
	offX := float32(-left)
	offY := float32(-top)
	started := false
	for _, seg := range outline.segments {
		switch seg.Op {
		case sfnt.SegmentOpMoveTo:
			if started {
				vr.ClosePath()
			}
			started = true
			vr.MoveTo(tx(seg.Args[0].X)+offX, ty(seg.Args[0].Y)+offY)
		case sfnt.SegmentOpLineTo:
			vr.LineTo(tx(seg.Args[0].X)+offX, ty(seg.Args[0].Y)+offY)
		case sfnt.SegmentOpQuadTo:
			vr.QuadTo(
				tx(seg.Args[0].X)+offX, ty(seg.Args[0].Y)+offY,
				tx(seg.Args[1].X)+offX, ty(seg.Args[1].Y)+offY)
		case sfnt.SegmentOpCubeTo:
			vr.CubeTo(
				tx(seg.Args[0].X)+offX, ty(seg.Args[0].Y)+offY,
				tx(seg.Args[1].X)+offX, ty(seg.Args[1].Y)+offY,
				tx(seg.Args[2].X)+offX, ty(seg.Args[2].Y)+offY)
		}
	}
	if started {
		vr.ClosePath()
	}

	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	vr.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})

	blitCoverage(dst, origin.X+left, origin.Y+top, mask)
}

// blitCoverage adds a coverage mask into dst as premultiplied white.
func blitCoverage(dst *image.RGBA, dstX, dstY int, mask *image.Alpha) {
	bounds := mask.Bounds()
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			c := mask.Pix[y*mask.Stride+x]
			if c == 0 {
				continue
			}
			px := dstX + x
			py := dstY + y
			if px < 0 || py < 0 || px >= dst.Rect.Max.X || py >= dst.Rect.Max.Y {
				continue
			}
			off := dst.PixOffset(px, py)
			for i := 0; i < 4; i++ {
				v := uint16(dst.Pix[off+i]) + uint16(c)
				if v > 255 {
					v = 255
				}
				dst.Pix[off+i] = uint8(v)
			}
		}
	}
}

// loadOutline loads and caches a glyph's segments and bounds at one size.
func (r *Rasterizer) loadOutline(face *Face, glyphIndex uint16, ppem fixed.Int26_6) (*cachedOutline, error) {
	key := outlineKey{faceID: face.id, glyphIndex: glyphIndex, ppem: ppem}
	if cached, ok := r.outlines.Get(key); ok {
		return cached, nil
	}

	segments, err := face.sfnt.LoadGlyph(&r.buf, sfnt.GlyphIndex(glyphIndex), ppem, nil)
	if err != nil {
		return nil, fmt.Errorf("glyph: load glyph %d: %w", glyphIndex, err)
	}

	outline := &cachedOutline{
		segments: append([]sfnt.Segment(nil), segments...),
	}

	// sfnt already returns segments in the image-space convention the rest
	// of the renderer uses: Y down, ink above the baseline negative. Bounds
	// computed below therefore match atlas.RectF directly.
	outline.bounds, outline.empty = segmentBounds(outline.segments)

	r.outlines.Add(key, outline)
	return outline, nil
}

// segmentBounds computes the control-point bounding box of an outline.
// Control points over-estimate curve extents slightly, which only costs a
// few blank atlas texels.
func segmentBounds(segments []sfnt.Segment) (fixed.Rectangle26_6, bool) {
	if len(segments) == 0 {
		return fixed.Rectangle26_6{}, true
	}

	const maxInt26_6 = fixed.Int26_6(1<<31 - 1)
	bounds := fixed.Rectangle26_6{
		Min: fixed.Point26_6{X: maxInt26_6, Y: maxInt26_6},
		Max: fixed.Point26_6{X: -maxInt26_6, Y: -maxInt26_6},
	}

	args := func(seg sfnt.Segment) int {
		switch seg.Op {
		case sfnt.SegmentOpQuadTo:
			return 2
		case sfnt.SegmentOpCubeTo:
			return 3
		default:
			return 1
		}
	}

	for _, seg := range segments {
		for i := 0; i < args(seg); i++ {
			p := seg.Args[i]
			if p.X < bounds.Min.X {
				bounds.Min.X = p.X
			}
			if p.Y < bounds.Min.Y {
				bounds.Min.Y = p.Y
			}
			if p.X > bounds.Max.X {
				bounds.Max.X = p.X
			}
			if p.Y > bounds.Max.Y {
				bounds.Max.Y = p.Y
			}
		}
	}

	return bounds, bounds.Min.X >= bounds.Max.X || bounds.Min.Y >= bounds.Max.Y
}

func runFace(run *atlas.GlyphRun) (*Face, error) {
	face, ok := run.FontFace.(*Face)
	if !ok {
		return nil, fmt.Errorf("glyph: font face %T is not a glyph.Face", run.FontFace)
	}
	return face, nil
}

func fixedToFloat(v fixed.Int26_6) float32 {
	return float32(v) / 64
}

func unionRectF(a, b atlas.RectF) atlas.RectF {
	if b.Left < a.Left {
		a.Left = b.Left
	}
	if b.Top < a.Top {
		a.Top = b.Top
	}
	if b.Right > a.Right {
		a.Right = b.Right
	}
	if b.Bottom > a.Bottom {
		a.Bottom = b.Bottom
	}
	return a
}

func floorf(v float32) int {
	i := int(v)
	if float32(i) > v {
		i--
	}
	return i
}

func ceilf(v float32) int {
	i := int(v)
	if float32(i) < v {
		i++
	}
	return i
}

var _ atlas.Rasterizer = (*Rasterizer)(nil)
