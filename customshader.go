package terminal

import (
	_ "embed"
	"fmt"
	"image"
	"math"
	"os"
	"time"

	"github.com/gogpu/naga"

	"github.com/Xrmastrer55/terminal/gpu"
)

// Embedded WGSL sources. The prelude declares the bindings a user pixel
// shader sees (offscreen texture, sampler, constants) plus the fullscreen
// vertex stage; user sources are appended after it.
//
//go:embed shaders/quad.wgsl
var quadShaderWGSL string

//go:embed shaders/custom_prelude.wgsl
var customPreludeWGSL string

//go:embed shaders/retro.wgsl
var retroShaderWGSL string

// customShader is the optional post-process stage: the quad passes render
// into an offscreen texture and this stage draws it to the backbuffer
// through a user-provided (or the builtin retro) pixel shader.
type customShader struct {
	dev gpu.Device

	shader    gpu.ShaderID
	pipeline  gpu.PipelineID
	offscreen gpu.TextureID
	sampler   gpu.SamplerID
	uniform   gpu.BufferID

	sourcePath string
	targetSize image.Point
	startTime  time.Time

	requiresContinuousRedraw bool

	watcher *shaderWatcher
}

// customConstBufferSize matches CustomConstants in custom_prelude.wgsl:
// time f32, scale f32, resolution vec2f, background vec4f.
const customConstBufferSize = 32

func (c *customShader) active() bool {
	return c.pipeline != gpu.InvalidID
}

// recreate tears the stage down and rebuilds it from the misc settings.
// A compile failure is non-fatal: the renderer logs it, notifies the
// warning callback and continues without the stage.
func (c *customShader) recreate(p *RenderingPayload) {
	c.destroy()
	c.requiresContinuousRedraw = false
	c.sourcePath = p.Misc.CustomPixelShaderPath

	switch {
	case c.sourcePath != "":
		// Unless we can determine otherwise, assume the shader needs a
		// frame on every vsync.
		c.requiresContinuousRedraw = true
		if !c.compileFromFile(p) {
			return
		}
		c.watcher = newShaderWatcher(c.sourcePath)
	case p.Misc.UseRetroTerminalEffect:
		if !c.createPipeline(p, retroShaderWGSL, "retro_shader") {
			return
		}
		// The builtin retro shader is known not to sample the time.
		c.requiresContinuousRedraw = false
	default:
		return
	}

	c.createStageResources()
	c.startTime = time.Now()
}

// compileFromFile reads, validates and builds the user shader. All create
// calls must succeed before any handle is swapped in, so a failure leaves
// the previous state fully functional.
func (c *customShader) compileFromFile(p *RenderingPayload) bool {
	source, err := os.ReadFile(c.sourcePath)
	if err != nil {
		c.compileFailed(p, err)
		return false
	}

	combined := customPreludeWGSL + "\n" + string(source)

	// naga validates the WGSL before the device sees it; its diagnostics
	// are the ones worth logging.
	if _, err := naga.Compile(combined); err != nil {
		c.compileFailed(p, err)
		return false
	}

	if !c.createPipeline(p, combined, "custom_shader") {
		return false
	}

	c.requiresContinuousRedraw = shaderUsesTime(string(source))
	logger().Info("custom shader loaded",
		"path", c.sourcePath, "continuous", c.requiresContinuousRedraw)
	return true
}

func (c *customShader) createPipeline(p *RenderingPayload, wgsl, label string) bool {
	shader, err := c.dev.CreateShader(&gpu.ShaderDescriptor{Label: label, WGSL: wgsl})
	if err != nil {
		c.compileFailed(p, err)
		return false
	}
	pipeline, err := c.dev.CreatePipeline(&gpu.PipelineDescriptor{
		Label:         label,
		Shader:        shader,
		VertexEntry:   "vs_main",
		FragmentEntry: "fs_main",
		TargetFormat:  gpu.TextureFormatBGRA8,
		Blend:         gpu.BlendNone,
	})
	if err != nil {
		c.dev.DestroyShader(shader)
		c.compileFailed(p, err)
		return false
	}
	c.shader = shader
	c.pipeline = pipeline
	return true
}

func (c *customShader) compileFailed(p *RenderingPayload, err error) {
	c.requiresContinuousRedraw = false
	logger().Warn("custom shader compilation failed", "path", c.sourcePath, "err", err)
	if p.WarningCallback != nil {
		p.WarningCallback(fmt.Errorf("%w: %v", ErrShaderCompileFailed, err))
	}
}

// createStageResources builds the sampler and constant buffer shared by
// all custom pipelines.
func (c *customShader) createStageResources() {
	sampler, err := c.dev.CreateSampler(&gpu.SamplerDescriptor{
		Label:   "custom_shader_sampler",
		Filter:  gpu.FilterLinear,
		Address: gpu.AddressBorder,
	})
	if err != nil {
		c.destroy()
		return
	}
	uniform, err := c.dev.CreateBuffer(&gpu.BufferDescriptor{
		Label: "custom_shader_constants",
		Size:  customConstBufferSize,
		Usage: gpu.BufferUsageUniform | gpu.BufferUsageDynamic,
	})
	if err != nil {
		c.destroy()
		return
	}
	c.sampler = sampler
	c.uniform = uniform
}

// recreateOffscreen sizes the offscreen quad target to the render target.
func (c *customShader) recreateOffscreen(targetSize image.Point) error {
	if c.offscreen != gpu.InvalidID {
		c.dev.DestroyTexture(c.offscreen)
		c.offscreen = gpu.InvalidID
	}
	tex, err := c.dev.CreateTexture(&gpu.TextureDescriptor{
		Label:  "custom_shader_offscreen",
		Width:  targetSize.X,
		Height: targetSize.Y,
		Format: gpu.TextureFormatBGRA8,
		Usage:  gpu.TextureUsageShaderResource | gpu.TextureUsageRenderTarget,
	})
	if err != nil {
		return err
	}
	c.offscreen = tex
	c.targetSize = targetSize
	return nil
}

// execute draws the offscreen texture to the backbuffer through the
// custom pipeline. Per-pixel post-processing invalidates partial
// presentation, so the dirty rect becomes the full target.
func (c *customShader) execute(p *RenderingPayload) {
	data := make([]byte, 0, customConstBufferSize)
	data = appendF32(data, float32(time.Since(c.startTime).Seconds()))
	data = appendF32(data, float32(p.Font.DPI)/96)
	data = appendF32(data,
		float32(p.CellCount.X*p.Font.CellSize.X),
		float32(p.CellCount.Y*p.Font.CellSize.Y))
	r, g, b, a := premultiply(p.Misc.BackgroundColor)
	data = appendF32(data, r, g, b, a)
	c.dev.WriteBuffer(c.uniform, 0, data)

	c.dev.BeginFrame(gpu.Backbuffer)
	c.dev.SetPipeline(c.pipeline)
	c.dev.SetTextures(c.offscreen)
	c.dev.SetSampler(c.sampler)
	c.dev.SetUniformBuffer(0, c.uniform)
	c.dev.Draw(4, 0)
	c.dev.EndFrame()

	p.DirtyRectInPx = image.Rect(0, 0, p.TargetSize.X, p.TargetSize.Y)
}

// pollReload checks the watcher's invalidation timestamp and recompiles
// the user shader once the debounce window has passed. Handles are only
// swapped after the whole rebuild succeeded, so a broken intermediate
// save leaves the stage fully functional.
func (c *customShader) pollReload(p *RenderingPayload) {
	if c.watcher == nil {
		return
	}
	invalidation := c.watcher.invalidationTime.Load()
	if invalidation == math.MaxInt64 || time.Now().UnixNano() < invalidation {
		return
	}
	c.watcher.invalidationTime.Store(math.MaxInt64)

	old := *c
	c.shader = gpu.InvalidID
	c.pipeline = gpu.InvalidID
	if !c.compileFromFile(p) {
		c.shader = old.shader
		c.pipeline = old.pipeline
		c.requiresContinuousRedraw = old.requiresContinuousRedraw
		return
	}
	if old.shader != gpu.InvalidID {
		c.dev.DestroyPipeline(old.pipeline)
		c.dev.DestroyShader(old.shader)
	}
}

func (c *customShader) destroy() {
	if c.pipeline != gpu.InvalidID {
		c.dev.DestroyPipeline(c.pipeline)
		c.pipeline = gpu.InvalidID
	}
	if c.shader != gpu.InvalidID {
		c.dev.DestroyShader(c.shader)
		c.shader = gpu.InvalidID
	}
	if c.offscreen != gpu.InvalidID {
		c.dev.DestroyTexture(c.offscreen)
		c.offscreen = gpu.InvalidID
	}
	if c.sampler != gpu.InvalidID {
		c.dev.DestroySampler(c.sampler)
		c.sampler = gpu.InvalidID
	}
	if c.uniform != gpu.InvalidID {
		c.dev.DestroyBuffer(c.uniform)
		c.uniform = gpu.InvalidID
	}
	c.stopWatcher()
}

func (c *customShader) stopWatcher() {
	if c.watcher != nil {
		c.watcher.stop()
		c.watcher = nil
	}
}

// shaderUsesTime reports whether the user source contains the standalone
// identifier time, which is taken as a use of the constant buffer's time
// member; any other identifier named time counts too. The prelude's
// declaration is excluded
// because only the user source is scanned; comments are stripped first.
// This is the WGSL analogue of reflecting the "variable used" flag out of
// a compiled shader.
func shaderUsesTime(source string) bool {
	src := stripWGSLComments(source)
	for i := 0; i+4 <= len(src); i++ {
		if src[i:i+4] != "time" {
			continue
		}
		if i > 0 && isIdentByte(src[i-1]) {
			continue
		}
		if i+4 < len(src) && isIdentByte(src[i+4]) {
			continue
		}
		return true
	}
	return false
}

func stripWGSLComments(src string) string {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); {
		if i+1 < len(src) && src[i] == '/' && src[i+1] == '/' {
			for i < len(src) && src[i] != '\n' {
				i++
			}
			continue
		}
		if i+1 < len(src) && src[i] == '/' && src[i+1] == '*' {
			i += 2
			for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
				i++
			}
			i += 2
			out = append(out, ' ')
			continue
		}
		out = append(out, src[i])
		i++
	}
	return string(out)
}

func isIdentByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}
