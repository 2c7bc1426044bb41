// Package glyph provides the default glyph rasterizer: font faces parsed
// with x/image/font/sfnt and go-text/typesetting, outlines filled with the
// x/image/vector scanline rasterizer, and an LRU cache over loaded
// outlines.
package glyph

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"

	tsfont "github.com/go-text/typesetting/font"
	"golang.org/x/image/font/sfnt"
)

// faceIDCounter hands out process-unique face identities for cache keys.
var faceIDCounter atomic.Uint64

// Face is a parsed font face. It satisfies the renderer's opaque
// font-face handle contract: comparable (by pointer) and only ever
// interpreted by this package.
//
// The same font bytes are parsed twice on purpose: sfnt drives outline
// loading and metrics, typesetting classifies color glyphs (those whose
// glyph data is a bitmap or an SVG document) which have no meaningful
// outline.
type Face struct {
	id uint64

	sfnt *sfnt.Font
	ts   *tsfont.Face
}

// NewFace parses a TTF/OTF font from memory.
func NewFace(data []byte) (*Face, error) {
	parsed, err := sfnt.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("glyph: parse font: %w", err)
	}
	tsFace, err := tsfont.ParseTTF(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("glyph: parse font tables: %w", err)
	}
	return &Face{
		id:   faceIDCounter.Add(1),
		sfnt: parsed,
		ts:   tsFace,
	}, nil
}

// NewFaceFromFile parses a TTF/OTF font file.
func NewFaceFromFile(path string) (*Face, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("glyph: read font: %w", err)
	}
	return NewFace(data)
}

// NumGlyphs returns the number of glyphs in the face.
func (f *Face) NumGlyphs() int {
	return f.sfnt.NumGlyphs()
}

// GlyphIndex returns the glyph index of a rune, or 0 (.notdef) when the
// face does not cover it.
func (f *Face) GlyphIndex(r rune) uint16 {
	var buf sfnt.Buffer
	gid, err := f.sfnt.GlyphIndex(&buf, r)
	if err != nil {
		return 0
	}
	return uint16(gid)
}

// isColorGlyph reports whether the glyph is backed by color data rather
// than an outline.
func (f *Face) isColorGlyph(glyphIndex uint16) bool {
	data := f.ts.GlyphData(tsfont.GID(glyphIndex))
	switch data.(type) {
	case tsfont.GlyphBitmap, tsfont.GlyphSVG:
		return true
	}
	return false
}
