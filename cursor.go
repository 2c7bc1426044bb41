package terminal

import (
	"github.com/Xrmastrer55/terminal/gpu"
)

// cursorRect is one shaped cursor rectangle with its effective color.
type cursorRect struct {
	positionX int16
	positionY int16
	sizeX     uint16
	sizeY     uint16
	color     uint32
}

// drawCursorPart1 shapes the cursor into rectangles and, for the
// inverting cursor, draws them immediately as a backdrop under the text.
// The cursor cell range is split into runs of equal background color so
// the inversion result is well defined per run.
func (b *Backend) drawCursorPart1(p *RenderingPayload) {
	b.cursorRects = b.cursorRects[:0]

	if p.CursorRect.Empty() {
		return
	}

	cursorColor := p.Cursor.CursorColor
	offset := p.CursorRect.Min.Y * p.ColorBitmapRowStride

	for x1 := p.CursorRect.Min.X; x1 < p.CursorRect.Max.X; {
		x0 := x1
		bg := p.ColorBitmap[offset+x1] | 0xff000000

		for x1 < p.CursorRect.Max.X && (p.ColorBitmap[offset+x1]|0xff000000) == bg {
			x1++
		}

		color := cursorColor
		if cursorColor == CursorColorInvert {
			color = bg ^ 0x3f3f3f
		}

		c0 := cursorRect{
			positionX: int16(p.Font.CellSize.X * x0),
			positionY: int16(p.Font.CellSize.Y * p.CursorRect.Min.Y),
			sizeX:     uint16(p.Font.CellSize.X * (x1 - x0)),
			sizeY:     uint16(p.Font.CellSize.Y),
			color:     color,
		}

		switch p.Cursor.CursorType {
		case CursorLegacy:
			height := (int(c0.sizeY)*p.Cursor.HeightPercentage + 50) / 100
			c0.positionY += int16(int(c0.sizeY) - height)
			c0.sizeY = uint16(height)
			b.cursorRects = append(b.cursorRects, c0)

		case CursorVerticalBar:
			c0.sizeX = uint16(p.Font.ThinLineWidth)
			b.cursorRects = append(b.cursorRects, c0)

		case CursorUnderscore:
			c0.positionY += int16(p.Font.UnderlinePos)
			c0.sizeY = uint16(p.Font.UnderlineWidth)
			b.cursorRects = append(b.cursorRects, c0)

		case CursorEmptyBox:
			thin := p.Font.ThinLineWidth
			top := c0
			top.sizeY = uint16(thin)
			bottom := c0
			bottom.positionY += int16(int(c0.sizeY) - thin)
			bottom.sizeY = uint16(thin)
			b.cursorRects = append(b.cursorRects, top, bottom)
			if x0 == p.CursorRect.Min.X {
				left := c0
				// Shorten the vertical line so it doesn't overlap the
				// top and bottom horizontal lines.
				left.positionY += int16(thin)
				left.sizeY -= uint16(2 * thin)
				left.sizeX = uint16(thin)
				b.cursorRects = append(b.cursorRects, left)
			}
			if x1 == p.CursorRect.Max.X {
				right := c0
				right.positionY += int16(thin)
				right.sizeY -= uint16(2 * thin)
				right.positionX += int16(int(c0.sizeX) - thin)
				right.sizeX = uint16(thin)
				b.cursorRects = append(b.cursorRects, right)
			}

		case CursorFullBox:
			b.cursorRects = append(b.cursorRects, c0)

		case CursorDoubleUnderscore:
			c1 := c0
			c0.positionY += int16(p.Font.DoubleUnderlinePos.X)
			c0.sizeY = uint16(p.Font.ThinLineWidth)
			c1.positionY += int16(p.Font.DoubleUnderlinePos.Y)
			c1.sizeY = uint16(p.Font.ThinLineWidth)
			b.cursorRects = append(b.cursorRects, c0, c1)

		default:
			b.cursorRects = append(b.cursorRects, c0)
		}
	}

	// The inverting cursor draws its backdrop now, under the glyphs, and
	// leaves 0xffffffff behind for the invert-blend pass after the text.
	if cursorColor == CursorColorInvert {
		for i := range b.cursorRects {
			c := &b.cursorRects[i]
			q := b.appendQuad()
			q.ShadingType = uint32(ShadingSolidFill)
			q.PositionX = c.positionX
			q.PositionY = c.positionY
			q.SizeX = c.sizeX
			q.SizeY = c.sizeY
			q.Color = c.color
			c.color = 0xffffffff
		}
	}
}

// drawCursorPart2 draws the cursor over the text. The inverting cursor is
// sandwiched between blend state changes so the subtractive blend flips
// the glyph pixels underneath.
func (b *Backend) drawCursorPart2(p *RenderingPayload) {
	if len(b.cursorRects) == 0 {
		return
	}

	invert := p.Cursor.CursorColor == CursorColorInvert

	if invert {
		b.markStateChange(gpu.BlendInvert)
	}

	for _, c := range b.cursorRects {
		q := b.appendQuad()
		q.ShadingType = uint32(ShadingSolidFill)
		q.PositionX = c.positionX
		q.PositionY = c.positionY
		q.SizeX = c.sizeX
		q.SizeY = c.sizeY
		q.Color = c.color
	}

	if invert {
		b.markStateChange(gpu.BlendDefault)
	}
}
