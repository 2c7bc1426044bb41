package atlas

import (
	"math/rand"
	"testing"
)

func TestSkylinePacker_Basic(t *testing.T) {
	p := NewSkylinePacker(64, 64)

	x, y, ok := p.Pack(16, 16)
	if !ok {
		t.Fatal("Pack(16, 16) failed on an empty packer")
	}
	if x != 0 || y != 0 {
		t.Errorf("first placement = (%d, %d), want (0, 0)", x, y)
	}

	x2, y2, ok := p.Pack(16, 16)
	if !ok {
		t.Fatal("second Pack(16, 16) failed")
	}
	if x2 == x && y2 == y {
		t.Error("second placement overlaps the first")
	}
}

func TestSkylinePacker_RejectsOversized(t *testing.T) {
	p := NewSkylinePacker(64, 64)

	if _, _, ok := p.Pack(65, 8); ok {
		t.Error("Pack(65, 8) should not fit a 64-wide packer")
	}
	if _, _, ok := p.Pack(8, 65); ok {
		t.Error("Pack(8, 65) should not fit a 64-tall packer")
	}
	if _, _, ok := p.Pack(0, 8); ok {
		t.Error("Pack(0, 8) should fail")
	}
}

func TestSkylinePacker_FillsUp(t *testing.T) {
	p := NewSkylinePacker(32, 32)

	placed := 0
	for {
		_, _, ok := p.Pack(8, 8)
		if !ok {
			break
		}
		placed++
		if placed > 16 {
			t.Fatal("packed more 8x8 rects than a 32x32 area holds")
		}
	}
	if placed != 16 {
		t.Errorf("placed %d rects, want 16", placed)
	}
}

// TestSkylinePacker_NonOverlap packs random rectangles and verifies that
// all successful placements are pairwise disjoint and in bounds.
func TestSkylinePacker_NonOverlap(t *testing.T) {
	const side = 256
	p := NewSkylinePacker(side, side)
	rng := rand.New(rand.NewSource(1))

	type rect struct{ x, y, w, h int }
	var placed []rect

	for i := 0; i < 1000; i++ {
		w := 1 + rng.Intn(40)
		h := 1 + rng.Intn(24)
		x, y, ok := p.Pack(w, h)
		if !ok {
			continue
		}
		if x < 0 || y < 0 || x+w > side || y+h > side {
			t.Fatalf("placement (%d,%d %dx%d) out of bounds", x, y, w, h)
		}
		for _, r := range placed {
			if x < r.x+r.w && r.x < x+w && y < r.y+r.h && r.y < y+h {
				t.Fatalf("placement (%d,%d %dx%d) overlaps (%d,%d %dx%d)",
					x, y, w, h, r.x, r.y, r.w, r.h)
			}
		}
		placed = append(placed, rect{x, y, w, h})
	}

	if len(placed) == 0 {
		t.Fatal("no rectangles were placed")
	}
}

// TestSkylinePacker_Deterministic verifies that identical insertion orders
// produce identical placements.
func TestSkylinePacker_Deterministic(t *testing.T) {
	sizes := [][2]int{{10, 12}, {30, 8}, {7, 20}, {64, 4}, {5, 5}, {40, 40}, {12, 12}}

	run := func() [][2]int {
		p := NewSkylinePacker(128, 128)
		var out [][2]int
		for _, s := range sizes {
			x, y, ok := p.Pack(s[0], s[1])
			if !ok {
				out = append(out, [2]int{-1, -1})
				continue
			}
			out = append(out, [2]int{x, y})
		}
		return out
	}

	a := run()
	b := run()
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("placement %d differs between runs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestSkylinePacker_Reset(t *testing.T) {
	p := NewSkylinePacker(32, 32)
	for {
		if _, _, ok := p.Pack(8, 8); !ok {
			break
		}
	}

	p.Reset(64, 64)
	if p.Width() != 64 || p.Height() != 64 {
		t.Errorf("size after reset = %dx%d, want 64x64", p.Width(), p.Height())
	}
	x, y, ok := p.Pack(8, 8)
	if !ok {
		t.Fatal("Pack failed after Reset")
	}
	if x != 0 || y != 0 {
		t.Errorf("first placement after reset = (%d, %d), want (0, 0)", x, y)
	}
}
