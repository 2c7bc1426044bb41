package atlas

// SkylinePacker implements online skyline rectangle packing for the glyph
// atlas. Rectangles are placed at the bottom-left-most position that fits,
// and the skyline (the upper envelope of all placed rectangles) is updated
// in place. There is no free or coalesce operation: when the packer cannot
// fit a rectangle the caller resets the whole atlas.
//
// Packing is deterministic: two packers fed the same sequence of Pack calls
// produce identical placements.
type SkylinePacker struct {
	width  int
	height int

	// nodes is the skyline, sorted by x. Each node spans [x, x+width)
	// at height y (the first free scanline above placed rectangles).
	nodes []skylineNode
}

type skylineNode struct {
	x     int
	y     int
	width int
}

// NewSkylinePacker creates a packer over an empty width×height region.
func NewSkylinePacker(width, height int) *SkylinePacker {
	p := &SkylinePacker{}
	p.Reset(width, height)
	return p
}

// Reset discards all placements and resizes the packing region.
func (p *SkylinePacker) Reset(width, height int) {
	p.width = width
	p.height = height
	p.nodes = append(p.nodes[:0], skylineNode{x: 0, y: 0, width: width})
}

// Width returns the width of the packing region.
func (p *SkylinePacker) Width() int { return p.width }

// Height returns the height of the packing region.
func (p *SkylinePacker) Height() int { return p.height }

// Pack finds a position for a w×h rectangle. It returns the top-left
// corner of the placement, or ok=false if the rectangle does not fit.
// Zero-sized rectangles never fit.
func (p *SkylinePacker) Pack(w, h int) (x, y int, ok bool) {
	if w <= 0 || h <= 0 || w > p.width || h > p.height {
		return 0, 0, false
	}

	bestY := p.height + 1
	bestX := 0
	bestIndex := -1

	for i := range p.nodes {
		nx := p.nodes[i].x
		if nx+w > p.width {
			break
		}
		fitY, fits := p.fitY(i, w)
		if !fits || fitY+h > p.height {
			continue
		}
		// Lowest placement wins; ties go to the leftmost candidate,
		// which keeps the result independent of node iteration quirks.
		if fitY < bestY || (fitY == bestY && nx < bestX) {
			bestY = fitY
			bestX = nx
			bestIndex = i
		}
	}

	if bestIndex < 0 {
		return 0, 0, false
	}

	p.place(bestIndex, bestX, bestY, w, h)
	return bestX, bestY, true
}

// fitY computes the y coordinate a rectangle of the given width would rest
// at when its left edge is aligned with node i.
func (p *SkylinePacker) fitY(i, w int) (int, bool) {
	x := p.nodes[i].x
	remaining := w
	y := 0
	for remaining > 0 {
		if i >= len(p.nodes) {
			return 0, false
		}
		if p.nodes[i].y > y {
			y = p.nodes[i].y
		}
		remaining -= p.nodes[i].width - (x - p.nodes[i].x)
		x = p.nodes[i].x + p.nodes[i].width
		i++
	}
	return y, true
}

// place inserts the rectangle into the skyline and merges nodes of equal
// height afterwards.
func (p *SkylinePacker) place(index, x, y, w, h int) {
	node := skylineNode{x: x, y: y + h, width: w}

	p.nodes = append(p.nodes, skylineNode{})
	copy(p.nodes[index+1:], p.nodes[index:])
	p.nodes[index] = node

	// Shrink or drop the nodes shadowed by the new one.
	for i := index + 1; i < len(p.nodes); {
		prev := &p.nodes[i-1]
		cur := &p.nodes[i]
		if cur.x >= prev.x+prev.width {
			break
		}
		shrink := prev.x + prev.width - cur.x
		if shrink >= cur.width {
			p.nodes = append(p.nodes[:i], p.nodes[i+1:]...)
			continue
		}
		cur.x += shrink
		cur.width -= shrink
		break
	}

	// Merge runs of nodes at the same height.
	for i := 0; i < len(p.nodes)-1; {
		if p.nodes[i].y == p.nodes[i+1].y {
			p.nodes[i].width += p.nodes[i+1].width
			p.nodes = append(p.nodes[:i+1], p.nodes[i+2:]...)
			continue
		}
		i++
	}
}
