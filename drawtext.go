package terminal

import (
	"errors"
	"fmt"
	"math"

	"github.com/Xrmastrer55/terminal/atlas"
)

// drawText walks every row's font mappings, pulls each glyph's placement
// out of the atlas (rasterizing on first sight) and appends one quad per
// visible glyph. Atlas exhaustion is recovered in place: the pending quads
// are flushed against the current texture, the atlas is reset (larger unless its size cap is reached), and
// the mapping restarts from the glyph that failed.
func (b *Backend) drawText(p *RenderingPayload) error {
	if b.fontChangedResetGlyphAtlas {
		if err := b.resetGlyphAtlas(p); err != nil {
			return err
		}
	}

	shadingTypeAccumulator := ShadingDefault
	b.skipForegroundBitmapUpload = false

	dirtyTop := math.MaxInt32
	dirtyBottom := math.MinInt32

	for y, row := range p.Rows {
		baselineX := float32(0)
		baselineY := y*p.Font.CellSize.Y + p.Font.Baseline
		lineRenditionScale := 0
		if row.LineRendition != LineRenditionSingleWidth {
			lineRenditionScale = 1
		}

		for _, m := range row.Mappings {
			x := m.GlyphsFrom
			fontFaceKey := atlas.FontFaceKey{
				FontFace:      m.FontFace,
				LineRendition: row.LineRendition,
			}

			// A reset invalidates the font face entry, so a retry restarts
			// at the outer lookup with x and baselineX where they were.
		drawGlyphRetry:
			for {
				fontFaceEntry := b.glyphAtlas.Entry(fontFaceKey)

				for x < m.GlyphsTo {
					glyphEntry, inserted := fontFaceEntry.Glyphs.Entry(row.GlyphIndices[x])

					if inserted {
						if err := b.glyphAtlas.DrawGlyph(fontFaceEntry, glyphEntry); err != nil {
							if errors.Is(err, atlas.ErrAtlasFull) {
								if err := b.drawGlyphPrepareRetry(p); err != nil {
									return err
								}
								continue drawGlyphRetry
							}
							if errors.Is(err, atlas.ErrGlyphTooLarge) {
								return fmt.Errorf("%w (glyph %d)", err, row.GlyphIndices[x])
							}
							return err
						}
					}

					if glyphEntry.Data.Shading != ShadingDefault {
						l := int(roundf(baselineX + row.GlyphOffsets[x].AdvanceOffset))
						t := int(roundf(float32(baselineY) - row.GlyphOffsets[x].AscenderOffset))

						// A non-standard line rendition doubles the glyph
						// width, so the baseline advance scales by 2 before
						// the glyph offset is applied: the offset already
						// carries the 2x scale.
						l <<= lineRenditionScale

						l += int(glyphEntry.Data.OffsetX)
						t += int(glyphEntry.Data.OffsetY)

						if t < row.DirtyTop {
							row.DirtyTop = t
						}
						if bottom := t + int(glyphEntry.Data.SizeY); bottom > row.DirtyBottom {
							row.DirtyBottom = bottom
						}

						q := b.appendQuad()
						q.ShadingType = uint32(glyphEntry.Data.Shading)
						q.PositionX = int16(l)
						q.PositionY = int16(t)
						q.SizeX = glyphEntry.Data.SizeX
						q.SizeY = glyphEntry.Data.SizeY
						q.TexcoordX = glyphEntry.Data.TexcoordX
						q.TexcoordY = glyphEntry.Data.TexcoordY
						q.Color = row.Colors[x]

						shadingTypeAccumulator |= glyphEntry.Data.Shading
					}

					baselineX += row.GlyphAdvances[x]
					x++
				}
				break
			}
		}

		if p.InvalidatedRows.Contains(y) {
			if row.DirtyTop < dirtyTop {
				dirtyTop = row.DirtyTop
			}
			if row.DirtyBottom > dirtyBottom {
				dirtyBottom = row.DirtyBottom
			}
		}
	}

	if dirtyTop < dirtyBottom {
		if dirtyTop < p.DirtyRectInPx.Min.Y {
			p.DirtyRectInPx.Min.Y = dirtyTop
		}
		if dirtyBottom > p.DirtyRectInPx.Max.Y {
			p.DirtyRectInPx.Max.Y = dirtyBottom
		}
	}

	b.glyphAtlas.EndDrawing()

	b.skipForegroundBitmapUpload = shadingTypeAccumulator&LigatureMarker == 0
	return nil
}

// drawGlyphPrepareRetry recovers from a full atlas: the quads emitted so
// far reference only rectangles placed so far, so they are flushed against
// the current texture before the atlas is reset (possibly larger).
func (b *Backend) drawGlyphPrepareRetry(p *RenderingPayload) error {
	b.glyphAtlas.EndDrawing()
	b.flushQuads(p)
	return b.resetGlyphAtlas(p)
}

// drawGridlines emits solid quads for every decorated cell range.
func (b *Backend) drawGridlines(p *RenderingPayload) {
	for y, row := range p.Rows {
		if len(row.GridLineRanges) > 0 {
			b.drawGridlineRow(p, row, y)
		}
	}
}

func (b *Backend) drawGridlineRow(p *RenderingPayload, row *ShapedRow, y int) {
	top := p.Font.CellSize.Y * y

	for _, r := range row.GridLineRanges {
		left := r.From * p.Font.CellSize.X
		width := (r.To - r.From) * p.Font.CellSize.X

		appendHorizontalLine := func(offsetY, height int) {
			q := b.appendQuad()
			q.ShadingType = uint32(ShadingSolidFill)
			q.PositionX = int16(left)
			q.PositionY = int16(top + offsetY)
			q.SizeX = uint16(width)
			q.SizeY = uint16(height)
			q.Color = r.Color
		}
		appendVerticalLine := func(col int) {
			q := b.appendQuad()
			q.ShadingType = uint32(ShadingSolidFill)
			q.PositionX = int16(col * p.Font.CellSize.X)
			q.PositionY = int16(top)
			q.SizeX = uint16(p.Font.ThinLineWidth)
			q.SizeY = uint16(p.Font.CellSize.Y)
			q.Color = r.Color
		}

		if r.Lines&GridLinesLeft != 0 {
			for i := r.From; i < r.To; i++ {
				appendVerticalLine(i)
			}
		}
		if r.Lines&GridLinesTop != 0 {
			appendHorizontalLine(0, p.Font.ThinLineWidth)
		}
		if r.Lines&GridLinesRight != 0 {
			for i := r.To; i > r.From; i-- {
				appendVerticalLine(i)
			}
		}
		if r.Lines&GridLinesBottom != 0 {
			appendHorizontalLine(p.Font.CellSize.Y-p.Font.ThinLineWidth, p.Font.ThinLineWidth)
		}
		if r.Lines&GridLinesUnderline != 0 {
			appendHorizontalLine(p.Font.UnderlinePos, p.Font.UnderlineWidth)
		}
		if r.Lines&GridLinesHyperlinkUnderline != 0 {
			appendHorizontalLine(p.Font.UnderlinePos, p.Font.UnderlineWidth)
		}
		if r.Lines&GridLinesDoubleUnderline != 0 {
			appendHorizontalLine(p.Font.DoubleUnderlinePos.X, p.Font.ThinLineWidth)
			appendHorizontalLine(p.Font.DoubleUnderlinePos.Y, p.Font.ThinLineWidth)
		}
		if r.Lines&GridLinesStrikethrough != 0 {
			appendHorizontalLine(p.Font.StrikethroughPos, p.Font.StrikethroughWidth)
		}
	}
}

// drawSelection emits one solid quad per contiguous selected span. When a
// row selects the same columns as the row directly above it, the previous
// quad is extended downwards instead of emitting a new one.
func (b *Backend) drawSelection(p *RenderingPayload) {
	lastFrom := 0
	lastTo := 0

	for y, row := range p.Rows {
		if row.SelectionTo > row.SelectionFrom {
			if row.SelectionFrom == lastFrom && row.SelectionTo == lastTo {
				b.getLastQuad().SizeY += uint16(p.Font.CellSize.Y)
			} else {
				q := b.appendQuad()
				q.ShadingType = uint32(ShadingSolidFill)
				q.PositionX = int16(p.Font.CellSize.X * row.SelectionFrom)
				q.PositionY = int16(p.Font.CellSize.Y * y)
				q.SizeX = uint16(p.Font.CellSize.X * (row.SelectionTo - row.SelectionFrom))
				q.SizeY = uint16(p.Font.CellSize.Y)
				q.Color = p.Misc.SelectionColor
			}
		}
		lastFrom = row.SelectionFrom
		lastTo = row.SelectionTo
	}
}

func roundf(v float32) float32 {
	return float32(math.Round(float64(v)))
}
