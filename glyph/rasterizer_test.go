package glyph

import (
	"image"
	"testing"

	"golang.org/x/image/font/gofont/goregular"

	"github.com/Xrmastrer55/terminal/atlas"
)

func testFace(t *testing.T) *Face {
	t.Helper()
	face, err := NewFace(goregular.TTF)
	if err != nil {
		t.Fatalf("NewFace(goregular) error = %v", err)
	}
	return face
}

func runFor(face *Face, r rune) *atlas.GlyphRun {
	return &atlas.GlyphRun{
		FontFace:     face,
		FontEmSize:   16,
		GlyphIndices: []uint16{face.GlyphIndex(r)},
	}
}

func TestRasterizer_BlackBox(t *testing.T) {
	face := testFace(t)
	r := NewRasterizer()

	box, err := r.GlyphRunBlackBox(runFor(face, 'A'))
	if err != nil {
		t.Fatalf("GlyphRunBlackBox('A') error = %v", err)
	}
	if box.Empty() {
		t.Fatal("black box of 'A' is empty")
	}
	if box.Top >= 0 {
		t.Errorf("box top = %v, want negative (ink above the baseline)", box.Top)
	}
	if box.Bottom < box.Top || box.Right <= box.Left {
		t.Errorf("degenerate box %+v", box)
	}
}

func TestRasterizer_WhitespaceIsEmpty(t *testing.T) {
	face := testFace(t)
	r := NewRasterizer()

	box, err := r.GlyphRunBlackBox(runFor(face, ' '))
	if err != nil {
		t.Fatalf("GlyphRunBlackBox(' ') error = %v", err)
	}
	if !box.Empty() {
		t.Errorf("space black box = %+v, want empty", box)
	}
}

func TestRasterizer_DrawGlyphRun(t *testing.T) {
	face := testFace(t)
	r := NewRasterizer()

	run := runFor(face, 'A')
	box, err := r.GlyphRunBlackBox(run)
	if err != nil {
		t.Fatalf("GlyphRunBlackBox() error = %v", err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, 64, 64))
	origin := image.Pt(32, 40)
	isColor, err := r.DrawGlyphRun(dst, origin, run)
	if err != nil {
		t.Fatalf("DrawGlyphRun() error = %v", err)
	}
	if isColor {
		t.Error("goregular 'A' reported as a color glyph")
	}

	covered := 0
	for y := origin.Y + int(box.Top) - 1; y < origin.Y+int(box.Bottom)+1; y++ {
		for x := origin.X + int(box.Left) - 1; x < origin.X+int(box.Right)+1; x++ {
			if x < 0 || y < 0 || x >= 64 || y >= 64 {
				continue
			}
			if dst.Pix[dst.PixOffset(x, y)+3] != 0 {
				covered++
			}
		}
	}
	if covered == 0 {
		t.Error("DrawGlyphRun produced no coverage inside the black box")
	}

	// Nothing may leak outside the box (plus a 1px rounding margin).
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			inBox := x >= origin.X+int(box.Left)-1 && x <= origin.X+int(box.Right)+1 &&
				y >= origin.Y+int(box.Top)-1 && y <= origin.Y+int(box.Bottom)+1
			if inBox {
				continue
			}
			if dst.Pix[dst.PixOffset(x, y)+3] != 0 {
				t.Fatalf("coverage outside the black box at (%d, %d)", x, y)
			}
		}
	}
}

func TestRasterizer_DoubleWidthTransform(t *testing.T) {
	face := testFace(t)
	r := NewRasterizer()

	run := runFor(face, 'M')
	single, err := r.GlyphRunBlackBox(run)
	if err != nil {
		t.Fatalf("GlyphRunBlackBox() error = %v", err)
	}

	r.SetTransform(2, 1)
	double, err := r.GlyphRunBlackBox(run)
	if err != nil {
		t.Fatalf("GlyphRunBlackBox() with transform error = %v", err)
	}
	r.SetTransform(1, 1)

	singleW := single.Right - single.Left
	doubleW := double.Right - double.Left
	if doubleW < singleW*1.9 || doubleW > singleW*2.1 {
		t.Errorf("double-width box = %v px, want about twice %v px", doubleW, singleW)
	}
	if double.Top != single.Top || double.Bottom != single.Bottom {
		t.Errorf("y extent changed under x-only scaling: %+v vs %+v", double, single)
	}
}

func TestRasterizer_OutlineCache(t *testing.T) {
	face := testFace(t)
	r := NewRasterizer()

	if _, err := r.GlyphRunBlackBox(runFor(face, 'A')); err != nil {
		t.Fatalf("GlyphRunBlackBox() error = %v", err)
	}
	if r.outlines.Len() != 1 {
		t.Fatalf("cache holds %d outlines, want 1", r.outlines.Len())
	}

	// Same glyph at the same size is a cache hit.
	if _, err := r.GlyphRunBlackBox(runFor(face, 'A')); err != nil {
		t.Fatalf("GlyphRunBlackBox() error = %v", err)
	}
	if r.outlines.Len() != 1 {
		t.Errorf("cache grew to %d on a repeat lookup", r.outlines.Len())
	}

	r.ResetCaches()
	if r.outlines.Len() != 0 {
		t.Errorf("cache holds %d outlines after ResetCaches, want 0", r.outlines.Len())
	}
}

func TestFace_GlyphIndex(t *testing.T) {
	face := testFace(t)

	if gid := face.GlyphIndex('A'); gid == 0 {
		t.Error("GlyphIndex('A') = 0, want a real glyph")
	}
	if gid := face.GlyphIndex('￿'); gid != 0 {
		t.Errorf("GlyphIndex of an unmapped rune = %d, want 0", gid)
	}
}
