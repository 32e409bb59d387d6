package processes

import (
	"fmt"
	"math/rand/v2"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/anima-deferred/engine/config"
	"github.com/spaghettifunk/anima-deferred/engine/math"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
)

const (
	ssaoShader     = "ssao.occlusion"
	ssaoBlurShader = "ssao.blur"
	// ssaoNoiseSize is the edge of the tiled rotation noise texture.
	ssaoNoiseSize = 4
)

var ssaoModes = []config.SSAOMode{config.SSAOBlur, config.SSAONoBlur, config.SSAODisabled}

var white = [4]float32{1, 1, 1, 1}

/**
 * @brief Screen space ambient occlusion from the geometry buffer, optionally
 * blurred. When disabled the raw target is cleared to white so that lighting
 * can sample it unconditionally.
 */
type SSAO struct {
	base
	mode    config.SSAOMode
	params  config.SSAOConfig
	width   uint32
	height  uint32
	kernel  *resource.Handle[*device.Buffer]
	noise   *resource.Handle[*device.Texture]
	raw     target
	blurred target
	warned  bool
}

func NewSSAO() *SSAO {
	return &SSAO{}
}

func (s *SSAO) Type() Type { return TypeSSAO }

func (s *SSAO) Mode() config.SSAOMode {
	return s.mode
}

// SetMode switches between blurred, unblurred and disabled occlusion.
func (s *SSAO) SetMode(mode config.SSAOMode) error {
	switch mode {
	case config.SSAOBlur, config.SSAONoBlur, config.SSAODisabled:
		s.mode = mode
		return nil
	}
	return fmt.Errorf("unknown ssao mode %q", mode)
}

// Kernel generates size hemisphere samples, denser close to the origin.
func Kernel(size int, seed uint64) []math.Vec4 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	samples := make([]math.Vec4, size)
	for i := range samples {
		v := math.Vec3{
			X: r.Float32()*2 - 1,
			Y: r.Float32()*2 - 1,
			Z: r.Float32(),
		}.Normalized().MulScalar(r.Float32())
		scale := float32(i) / float32(size)
		v = v.MulScalar(math.Lerp(0.1, 1, scale*scale))
		samples[i] = v.ToVec4(0)
	}
	return samples
}

func (s *SSAO) init(ctx *Context) error {
	s.params = ctx.Config.SSAO
	if err := s.SetMode(s.params.Mode); err != nil {
		return err
	}

	err := s.register(ctx, ssaoShader, device.ShaderDescription{
		Vertex:   "shaders/fullscreen.vert",
		Fragment: "shaders/ssao.frag",
		Macros:   map[string]string{"KERNEL_SIZE": fmt.Sprint(s.params.KernelSize)},
		Bindings: []device.BindingSlot{
			{Name: "g_position", Kind: device.SlotTexture},
			{Name: "g_normal", Kind: device.SlotTexture},
			{Name: "noise", Kind: device.SlotTexture},
			{Name: "kernel", Kind: device.SlotStorageBuffer},
		},
		Properties: []device.Property{
			{Name: "view", Size: 64},
			{Name: "projection", Size: 64},
			{Name: "params", Size: 16},
		},
	}, device.DefaultPipelineState())
	if err != nil {
		return err
	}
	blur := fullscreenShader("", "shaders/ssao_blur.frag")
	blur.Bindings = []device.BindingSlot{{Name: "ssao_input", Kind: device.SlotTexture}}
	blur.Properties = []device.Property{{Name: "texel", Size: 16}}
	if err := s.register(ctx, ssaoBlurShader, blur, device.DefaultPipelineState()); err != nil {
		return err
	}

	samples := Kernel(s.params.KernelSize, 1)
	data := make([]byte, 0, len(samples)*16)
	for _, v := range samples {
		data = append(data, math.PackFloats(v.X, v.Y, v.Z, v.W)...)
	}
	s.kernel, err = ctx.Device.CreateBuffer(device.BufferDescription{
		Label:       "ssao_kernel",
		Size:        uint64(len(data)),
		Usage:       gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
		HostVisible: true,
	})
	if err != nil {
		return err
	}
	if err := ctx.Device.WriteBuffer(s.kernel, 0, data); err != nil {
		return err
	}

	// Random rotations around the normal, tiled across the screen.
	r := rand.New(rand.NewPCG(2, 3))
	texels := make([]float32, 0, ssaoNoiseSize*ssaoNoiseSize*4)
	for i := 0; i < ssaoNoiseSize*ssaoNoiseSize; i++ {
		texels = append(texels, r.Float32()*2-1, r.Float32()*2-1, 0, 1)
	}
	s.noise, err = ctx.Device.CreateTexture(device.TextureDescription{
		Label:  "ssao_noise",
		Width:  ssaoNoiseSize,
		Height: ssaoNoiseSize,
		Format: gputypes.TextureFormatRGBA32Float,
	})
	if err != nil {
		return err
	}
	if err := ctx.Device.WriteTexture(s.noise, device.Subresource{}, texels); err != nil {
		return err
	}
	return s.createTargets(ctx, ctx.Config.Width, ctx.Config.Height)
}

func (s *SSAO) createTargets(ctx *Context, width, height uint32) error {
	var err error
	s.raw, err = newColorTarget(ctx, "ssao", width, height, gputypes.TextureFormatR8Unorm, gputypes.LoadOpClear, white)
	if err != nil {
		return err
	}
	s.blurred, err = newColorTarget(ctx, "ssao_blurred", width, height, gputypes.TextureFormatR8Unorm, gputypes.LoadOpClear, white)
	if err != nil {
		s.raw.release()
		return err
	}
	s.width, s.height = width, height
	return nil
}

func (s *SSAO) draw(ctx *Context) error {
	if err := ctx.Device.SetRenderTarget(s.raw.rt); err != nil {
		return err
	}
	if s.mode == config.SSAODisabled {
		return nil
	}

	position := lookupTexture(ctx, TypeGBuffer, 0, int(GBufferPosition))
	normal := lookupTexture(ctx, TypeGBuffer, 0, int(GBufferNormal))
	if position == nil || normal == nil {
		if !s.warned {
			s.log.Warn("no geometry buffer, occlusion disabled")
			s.warned = true
		}
		// The output must read as unoccluded too, not as stale texels.
		if s.mode == config.SSAOBlur {
			return ctx.Device.SetRenderTarget(s.blurred.rt)
		}
		return nil
	}

	if err := s.bind(ctx, ssaoShader); err != nil {
		return err
	}
	camera := ctx.scene().camera()
	b := newBinder(ctx)
	b.texture("g_position", position)
	b.texture("g_normal", normal)
	b.texture("noise", s.noise)
	b.buffer("kernel", s.kernel)
	b.matrix("view", camera.GetView())
	b.matrix("projection", camera.Projection(s.width, s.height))
	b.floats("params", s.params.Radius, s.params.Bias, float32(s.width)/ssaoNoiseSize, float32(s.height)/ssaoNoiseSize)
	if b.err != nil {
		return b.err
	}
	if err := ctx.Device.Draw(fullscreenVertices, 1); err != nil {
		return err
	}

	if s.mode != config.SSAOBlur {
		return nil
	}
	if err := ctx.Device.SetRenderTarget(s.blurred.rt); err != nil {
		return err
	}
	if err := s.bind(ctx, ssaoBlurShader); err != nil {
		return err
	}
	b = newBinder(ctx)
	b.texture("ssao_input", s.raw.texture)
	b.floats("texel", 1/float32(s.width), 1/float32(s.height), 0, 0)
	if b.err != nil {
		return b.err
	}
	return ctx.Device.Draw(fullscreenVertices, 1)
}

func (s *SSAO) imguiDraw(ui DebugUI) {
	current := 0
	items := make([]string, len(ssaoModes))
	for i, m := range ssaoModes {
		items[i] = string(m)
		if m == s.mode {
			current = i
		}
	}
	if ui.Combo("mode", &current, items) {
		s.mode = ssaoModes[current]
	}
	ui.SliderFloat("radius", &s.params.Radius, 0.05, 4)
	ui.SliderFloat("bias", &s.params.Bias, 0, 0.1)
	ui.Image("occlusion", s.output().texture)
}

// output is the target lighting samples: the blurred one unless blurring is off.
func (s *SSAO) output() *target {
	if s.mode == config.SSAOBlur {
		return &s.blurred
	}
	return &s.raw
}

func (s *SSAO) renderTarget(index int) *resource.Handle[*device.RenderTarget] {
	if index != 0 {
		return nil
	}
	return s.output().rt
}

func (s *SSAO) resize(ctx *Context, width, height uint32) error {
	s.raw.release()
	s.blurred.release()
	return s.createTargets(ctx, width, height)
}

func (s *SSAO) destroy() {
	s.blurred.release()
	s.raw.release()
	resource.ReleaseAll(s.noise, s.kernel)
	s.noise, s.kernel = nil, nil
}
