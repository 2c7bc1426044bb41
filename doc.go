// Package terminal is a GPU-accelerated text renderer for a terminal.
//
// Each frame the caller hands Backend.Render a RenderingPayload: a grid of
// cells described as shaped glyph rows, per-cell colors, cursor, selection
// and gridline state. The renderer turns that into a minimal stream of
// textured quad instances, drawn in a handful of batched
// indexed-instanced calls through the gpu.Device abstraction.
//
// Three subsystems do the heavy lifting:
//
//   - the glyph atlas (package atlas): a dynamically grown texture caching
//     rasterized glyphs, packed online with a skyline packer, with a
//     full → flush → repack retry protocol;
//   - the quad stream: an append-only buffer of packed 20-byte instance
//     records, batched into draws punctuated by blend state changes;
//   - frame assembly: the ordered composition of background, cursor
//     underlay, text, gridlines, cursor overlay and selection, followed by
//     an optional user post-process shader.
//
// Font discovery, shaping, terminal emulation and window management are
// out of scope: the payload arrives already shaped, and the gpu.Device
// and glyph rasterizer are injected.
//
// A Backend runs on one render goroutine; Render is not reentrant.
//
// Example:
//
//	dev, err := wgpu.NewDevice(...)     // or gpu.NewSoftwareDevice()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	face, _ := glyph.NewFaceFromFile("DejaVuSansMono.ttf")
//	backend, err := terminal.NewBackend(dev, glyph.NewRasterizer())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for {
//	    backend.WaitUntilCanRender()
//	    payload := buildPayload(face)   // from the terminal emulator
//	    if err := backend.Render(payload); err != nil {
//	        log.Printf("frame skipped: %v", err)
//	    }
//	}
package terminal
