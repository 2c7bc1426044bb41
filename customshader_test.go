package terminal

import (
	"image"
	"testing"

	"github.com/Xrmastrer55/terminal/gpu"
)

func TestShaderUsesTime(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   bool
	}{
		{
			name:   "uses time",
			source: "@fragment fn fs_main(in: VertexOutput) -> @location(0) vec4f { return vec4f(sin(constants.time)); }",
			want:   true,
		},
		{
			name:   "ignores time",
			source: "@fragment fn fs_main(in: VertexOutput) -> @location(0) vec4f { return textureSample(frame_texture, frame_sampler, in.texcoord); }",
			want:   false,
		},
		{
			name:   "time only in comment",
			source: "// fade with time later\n@fragment fn fs_main(in: VertexOutput) -> @location(0) vec4f { return vec4f(1.0); }",
			want:   false,
		},
		{
			name:   "time only in block comment",
			source: "/* constants.time is unused */ fn fs_main() -> vec4f { return vec4f(0.0); }",
			want:   false,
		},
		{
			name:   "identifier containing time",
			source: "fn fs_main() -> vec4f { let lifetime = 1.0; return vec4f(lifetime); }",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shaderUsesTime(tt.source); got != tt.want {
				t.Errorf("shaderUsesTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRender_RetroShaderStage(t *testing.T) {
	b, dev, _ := newTestBackend(t)
	p := makePayload(80, 24)
	p.Misc.UseRetroTerminalEffect = true

	if err := b.Render(p); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if !b.custom.active() {
		t.Fatal("retro effect should activate the custom shader stage")
	}
	if b.RequiresContinuousRedraw() {
		t.Error("the builtin retro shader must not require continuous redraw")
	}

	if len(dev.Frames) != 2 {
		t.Fatalf("recorded %d frames, want quad pass + custom pass", len(dev.Frames))
	}
	quadPass, customPass := dev.Frames[0], dev.Frames[1]
	if quadPass.Target == gpu.Backbuffer {
		t.Error("quad pass should target the offscreen texture")
	}
	if customPass.Target != gpu.Backbuffer {
		t.Error("custom pass should target the backbuffer")
	}
	if len(customPass.Draws) != 1 || customPass.Draws[0].VertexCount != 4 {
		t.Errorf("custom pass draws = %+v, want one 4-vertex draw", customPass.Draws)
	}

	// Post-processing forces a full-surface present.
	want := image.Rect(0, 0, p.TargetSize.X, p.TargetSize.Y)
	if p.DirtyRectInPx != want {
		t.Errorf("dirty rect = %v, want full target %v", p.DirtyRectInPx, want)
	}
}

func TestRender_MissingCustomShaderIsNonFatal(t *testing.T) {
	b, dev, _ := newTestBackend(t)
	p := makePayload(80, 24)
	p.Misc.CustomPixelShaderPath = "/nonexistent/shader.wgsl"

	var warned error
	p.WarningCallback = func(err error) { warned = err }

	if err := b.Render(p); err != nil {
		t.Fatalf("Render() error = %v, want frame without custom shader", err)
	}
	if warned == nil {
		t.Error("warning callback was not invoked for the failed shader")
	}
	if b.custom.active() {
		t.Error("failed shader must leave the stage inactive")
	}
	if len(dev.Frames) != 1 {
		t.Errorf("recorded %d frames, want 1 (no custom pass)", len(dev.Frames))
	}
}
