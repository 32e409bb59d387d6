package processes

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/anima-deferred/engine/config"
	"github.com/spaghettifunk/anima-deferred/engine/containers"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
	"github.com/spaghettifunk/anima-deferred/engine/systems"
)

const (
	lightingShader  = "lighting.deferred"
	thresholdShader = "lighting.bloom_threshold"
	downShader      = "lighting.bloom_downsample"
	upShader        = "lighting.bloom_upsample"
	tonemapShader   = "lighting.tonemap"
)

// Lighting render targets.
const (
	LightingOutput = iota
	LightingHDR
	LightingBloom
)

// DebugView selects what the tonemapped output shows.
type DebugView int

const (
	DebugViewFinal DebugView = iota
	DebugViewAlbedo
	DebugViewNormal
	DebugViewOcclusion
	DebugViewBloom
)

var debugViewNames = []string{"final", "albedo", "normal", "occlusion", "bloom"}

// bloomMip is one level of the bloom chain. down clears the level, up
// accumulates the level below it on top.
type bloomMip struct {
	texture *resource.Handle[*device.Texture]
	down    *resource.Handle[*device.RenderTarget]
	up      *resource.Handle[*device.RenderTarget]
	width   uint32
	height  uint32
}

func (m *bloomMip) release() {
	resource.ReleaseAll(m.up, m.down, m.texture)
}

/**
 * @brief Shades the geometry buffer with every light, occlusion, shadows and
 * image based lighting into an HDR target, then adds bloom and tonemaps the
 * result to an 8 bit output.
 */
type Lighting struct {
	base
	width   uint32
	height  uint32
	shadows int
	bloom   config.BloomConfig
	tonemap config.TonemapConfig
	hdr     target
	ldr     target
	mips    *containers.FixedArray[*bloomMip]
	// environment stands in for missing image based lighting maps.
	environment *resource.Handle[*device.Texture]

	lights      []byte
	lightCount  int
	lightSpaces []byte
	shadowCount int

	debugView  DebugView
	debugInput *resource.Handle[*device.Texture]
	warned     bool
}

func NewLighting() *Lighting {
	return &Lighting{}
}

func (l *Lighting) Type() Type { return TypeDeferredLighting }

// SetDebugView selects a debug visualisation of the output.
func (l *Lighting) SetDebugView(view DebugView) {
	l.debugView = view
}

func (l *Lighting) init(ctx *Context) error {
	l.bloom = ctx.Config.Bloom
	l.tonemap = ctx.Config.Tonemap
	l.shadows = ctx.Config.Shadows.MaxAttachments
	if l.bloom.MipCount < 1 || l.bloom.MipCount > config.MaxBloomMips {
		return fmt.Errorf("%d bloom mips: %w", l.bloom.MipCount, core.ErrCapacityExceeded)
	}
	if err := l.registerShaders(ctx); err != nil {
		return err
	}

	cube, err := ctx.Device.CreateTexture(device.TextureDescription{
		Label:  "lighting_empty_environment",
		Width:  1,
		Height: 1,
		Cube:   true,
		Format: gputypes.TextureFormatRGBA16Float,
	})
	if err != nil {
		return err
	}
	l.environment = cube
	black := []float32{0, 0, 0, 1}
	for face := uint32(0); face < 6; face++ {
		if err := ctx.Device.WriteTexture(cube, device.Subresource{ArrayLayer: face}, black); err != nil {
			return err
		}
	}
	return l.createTargets(ctx, ctx.Config.Width, ctx.Config.Height)
}

func (l *Lighting) registerShaders(ctx *Context) error {
	deferred := fullscreenShader("", "shaders/lighting.frag")
	deferred.Macros = map[string]string{
		"MAX_LIGHTS":       fmt.Sprint(MaxLights),
		"SHADOW_MAP_COUNT": fmt.Sprint(l.shadows),
	}
	if l.shadows > 0 {
		deferred.Macros["SHADOWS"] = "1"
	}
	deferred.Bindings = []device.BindingSlot{
		{Name: "g_position", Kind: device.SlotTexture},
		{Name: "g_normal", Kind: device.SlotTexture},
		{Name: "g_albedo", Kind: device.SlotTexture},
		{Name: "g_emissive", Kind: device.SlotTexture},
		{Name: "ssao", Kind: device.SlotTexture},
		{Name: "irradiance_map", Kind: device.SlotTexture},
		{Name: "specular_map", Kind: device.SlotTexture},
		{Name: "brdf_lut", Kind: device.SlotTexture},
	}
	for i := 0; i < l.shadows; i++ {
		deferred.Bindings = append(deferred.Bindings, device.BindingSlot{Name: shadowSlotName(i), Kind: device.SlotTexture})
	}
	deferred.Properties = []device.Property{
		{Name: "camera", Size: 16},
		{Name: "params", Size: 16},
		{Name: "lights", Size: MaxLights * lightStride},
	}
	if l.shadows > 0 {
		deferred.Properties = append(deferred.Properties, device.Property{Name: "light_spaces", Size: uint32(l.shadows) * 64})
	}

	source := []device.BindingSlot{{Name: "source", Kind: device.SlotTexture}}
	threshold := fullscreenShader("", "shaders/bloom_threshold.frag")
	threshold.Bindings = source
	threshold.Properties = []device.Property{{Name: "params", Size: 16}}
	down := fullscreenShader("", "shaders/bloom_downsample.frag")
	down.Bindings = source
	down.Properties = []device.Property{{Name: "texel", Size: 16}}
	up := fullscreenShader("", "shaders/bloom_upsample.frag")
	up.Bindings = source
	up.Properties = []device.Property{{Name: "texel", Size: 16}}
	tonemap := fullscreenShader("", "shaders/tonemap.frag")
	tonemap.Bindings = []device.BindingSlot{
		{Name: "hdr", Kind: device.SlotTexture},
		{Name: "bloom", Kind: device.SlotTexture},
		{Name: "debug_input", Kind: device.SlotTexture},
	}
	tonemap.Properties = []device.Property{{Name: "params", Size: 16}}

	additive := device.DefaultPipelineState()
	additive.Blend = device.AdditiveBlend()

	for _, s := range []struct {
		name  string
		desc  device.ShaderDescription
		state device.PipelineState
	}{
		{lightingShader, deferred, device.DefaultPipelineState()},
		{thresholdShader, threshold, device.DefaultPipelineState()},
		{downShader, down, device.DefaultPipelineState()},
		{upShader, up, additive},
		{tonemapShader, tonemap, device.DefaultPipelineState()},
	} {
		if err := l.register(ctx, s.name, s.desc, s.state); err != nil {
			return err
		}
	}
	return nil
}

func shadowSlotName(i int) string {
	return fmt.Sprintf("shadow_map_%d", i)
}

func (l *Lighting) createTargets(ctx *Context, width, height uint32) error {
	var err error
	l.hdr, err = newColorTarget(ctx, "lighting_hdr", width, height, gputypes.TextureFormatRGBA16Float, gputypes.LoadOpClear, [4]float32{0, 0, 0, 1})
	if err != nil {
		return err
	}
	l.ldr, err = newColorTarget(ctx, "lighting_output", width, height, gputypes.TextureFormatRGBA8Unorm, gputypes.LoadOpClear, ctx.Config.ClearColor)
	if err != nil {
		return err
	}

	l.mips = containers.NewFixedArray[*bloomMip](l.bloom.MipCount)
	w, h := width, height
	for i := 0; i < l.bloom.MipCount; i++ {
		w, h = max(w/2, 1), max(h/2, 1)
		mip, err := newBloomMip(ctx, i, w, h)
		if err != nil {
			return err
		}
		if err := l.mips.Append(mip); err != nil {
			mip.release()
			return err
		}
	}
	l.width, l.height = width, height
	return nil
}

func newBloomMip(ctx *Context, level int, width, height uint32) (*bloomMip, error) {
	label := fmt.Sprintf("bloom_mip_%d", level)
	tex, err := newTexture(ctx, label, width, height, gputypes.TextureFormatRGBA16Float)
	if err != nil {
		return nil, err
	}
	mip := &bloomMip{texture: tex, width: width, height: height}
	for _, load := range []gputypes.LoadOp{gputypes.LoadOpClear, gputypes.LoadOpLoad} {
		rt, err := ctx.Device.CreateRenderTarget(device.RenderTargetDescription{
			Label:  label,
			Colors: []device.Attachment{{Texture: tex, Load: load}},
		})
		if err != nil {
			mip.release()
			return nil, err
		}
		if load == gputypes.LoadOpClear {
			mip.down = rt
		} else {
			mip.up = rt
		}
	}
	return mip, nil
}

func (l *Lighting) releaseTargets() {
	if l.mips != nil {
		l.mips.Reverse(func(_ int, m *bloomMip) { m.release() })
		l.mips.Clear()
	}
	l.ldr.release()
	l.hdr.release()
}

func (l *Lighting) updateRenderData(ctx *Context) {
	scene := ctx.scene()
	casters, _ := shadowCasters(scene.Lights, l.shadows)
	slots := make(map[int]int, len(casters))
	l.lightSpaces = l.lightSpaces[:0]
	focus := scene.camera().GetPosition()
	for slot, light := range casters {
		slots[light] = slot
		l.lightSpaces = append(l.lightSpaces, LightSpaceMatrix(scene.Lights[light], focus).Bytes()...)
	}
	l.shadowCount = len(casters)
	l.lights, l.lightCount = packLights(scene.Lights, slots)
}

func (l *Lighting) debugDraw(ctx *Context) {
	switch l.debugView {
	case DebugViewAlbedo:
		l.debugInput = lookupTexture(ctx, TypeGBuffer, 0, int(GBufferAlbedo))
	case DebugViewNormal:
		l.debugInput = lookupTexture(ctx, TypeGBuffer, 0, int(GBufferNormal))
	case DebugViewOcclusion:
		l.debugInput = lookupTexture(ctx, TypeSSAO, 0, 0)
	default:
		l.debugInput = nil
	}
}

func (l *Lighting) draw(ctx *Context) error {
	if err := l.shade(ctx); err != nil {
		return err
	}
	if err := l.drawBloom(ctx); err != nil {
		return err
	}
	return l.drawTonemap(ctx)
}

func (l *Lighting) shade(ctx *Context) error {
	if err := ctx.Device.SetRenderTarget(l.hdr.rt); err != nil {
		return err
	}
	var gbuffer [GBufferDepth]*resource.Handle[*device.Texture]
	for i := range gbuffer {
		gbuffer[i] = lookupTexture(ctx, TypeGBuffer, 0, i)
		if gbuffer[i] == nil {
			if !l.warned {
				l.log.Warn("no geometry buffer, nothing to shade")
				l.warned = true
			}
			return nil
		}
	}
	if err := l.bind(ctx, lightingShader); err != nil {
		return err
	}

	scene := ctx.scene()
	b := newBinder(ctx)
	b.texture("g_position", gbuffer[GBufferPosition])
	b.texture("g_normal", gbuffer[GBufferNormal])
	b.texture("g_albedo", gbuffer[GBufferAlbedo])
	b.texture("g_emissive", gbuffer[GBufferEmissive])
	b.texture("ssao", orDefault(ctx, lookupTexture(ctx, TypeSSAO, 0, 0), systems.DefaultTextureWhite))

	ibl := float32(0)
	irradiance, specular := l.environment, l.environment
	brdf := ctx.Textures.Default(systems.DefaultTextureBlack)
	specularMips := float32(1)
	if env := scene.Environment; env != nil && env.Valid() {
		ibl = 1
		irradiance, specular, brdf = env.IrradianceCubemap, env.SpecularCubemap, env.BRDF
		specularMips = float32(env.SpecularCubemap.MustGet().Description.MipLevels)
	}
	b.texture("irradiance_map", irradiance)
	b.texture("specular_map", specular)
	b.texture("brdf_lut", brdf)
	for i := 0; i < l.shadows; i++ {
		b.texture(shadowSlotName(i), orDefault(ctx, lookupTexture(ctx, TypeShadowMap, i, -1), systems.DefaultTextureWhite))
	}

	position := scene.camera().GetPosition()
	b.floats("camera", position.X, position.Y, position.Z, 1)
	b.floats("params", float32(l.lightCount), float32(l.shadowCount), ibl, specularMips)
	b.property("lights", l.lights)
	if l.shadows > 0 {
		b.property("light_spaces", l.lightSpaces)
	}
	if b.err != nil {
		return b.err
	}
	return ctx.Device.Draw(fullscreenVertices, 1)
}

func (l *Lighting) drawPass(ctx *Context, rt *resource.Handle[*device.RenderTarget], shader string, source *resource.Handle[*device.Texture], property string, values ...float32) error {
	if err := ctx.Device.SetRenderTarget(rt); err != nil {
		return err
	}
	if err := l.bind(ctx, shader); err != nil {
		return err
	}
	b := newBinder(ctx)
	b.texture("source", source)
	b.floats(property, values...)
	if b.err != nil {
		return b.err
	}
	return ctx.Device.Draw(fullscreenVertices, 1)
}

/**
 * @brief Extracts the bright parts of the HDR image into the first mip,
 * downsamples them along the chain and accumulates the chain back up with
 * additive blending. The result lives in the first mip.
 */
func (l *Lighting) drawBloom(ctx *Context) error {
	first, err := l.mips.Get(0)
	if err != nil {
		return err
	}
	knee := l.bloom.Threshold * 0.5
	if err := l.drawPass(ctx, first.down, thresholdShader, l.hdr.texture, "params", l.bloom.Threshold, knee, 0, 0); err != nil {
		return err
	}
	for i := 1; i < l.mips.Len(); i++ {
		src, _ := l.mips.Get(i - 1)
		dst, _ := l.mips.Get(i)
		if err := l.drawPass(ctx, dst.down, downShader, src.texture, "texel", 1/float32(src.width), 1/float32(src.height), 0, 0); err != nil {
			return err
		}
	}
	for i := l.mips.Len() - 1; i > 0; i-- {
		src, _ := l.mips.Get(i)
		dst, _ := l.mips.Get(i - 1)
		if err := l.drawPass(ctx, dst.up, upShader, src.texture, "texel", 1/float32(src.width), 1/float32(src.height), 0, 0); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lighting) drawTonemap(ctx *Context) error {
	if err := ctx.Device.SetRenderTarget(l.ldr.rt); err != nil {
		return err
	}
	if err := l.bind(ctx, tonemapShader); err != nil {
		return err
	}
	first, err := l.mips.Get(0)
	if err != nil {
		return err
	}
	view := l.debugView
	debug := l.debugInput
	if !debug.Valid() {
		debug = ctx.Textures.Default(systems.DefaultTextureBlack)
		if view != DebugViewBloom {
			view = DebugViewFinal
		}
	}
	b := newBinder(ctx)
	b.texture("hdr", l.hdr.texture)
	b.texture("bloom", first.texture)
	b.texture("debug_input", debug)
	b.floats("params", l.tonemap.Exposure, l.tonemap.Gamma, l.bloom.Intensity, float32(view))
	if b.err != nil {
		return b.err
	}
	return ctx.Device.Draw(fullscreenVertices, 1)
}

func (l *Lighting) imguiDraw(ui DebugUI) {
	ui.Text("lights: %d, shadowed: %d", l.lightCount, l.shadowCount)
	ui.SliderFloat("exposure", &l.tonemap.Exposure, 0.1, 8)
	ui.SliderFloat("gamma", &l.tonemap.Gamma, 1, 3)
	ui.SliderFloat("bloom threshold", &l.bloom.Threshold, 0, 8)
	ui.SliderFloat("bloom intensity", &l.bloom.Intensity, 0, 1)
	view := int(l.debugView)
	if ui.Combo("debug view", &view, debugViewNames) {
		l.debugView = DebugView(view)
	}
	ui.Image("output", l.ldr.texture)
}

func (l *Lighting) renderTarget(index int) *resource.Handle[*device.RenderTarget] {
	switch index {
	case LightingOutput:
		return l.ldr.rt
	case LightingHDR:
		return l.hdr.rt
	case LightingBloom:
		if l.mips == nil {
			return nil
		}
		first, err := l.mips.Get(0)
		if err != nil {
			return nil
		}
		return first.down
	}
	return nil
}

func (l *Lighting) resize(ctx *Context, width, height uint32) error {
	l.releaseTargets()
	return l.createTargets(ctx, width, height)
}

func (l *Lighting) destroy() {
	l.releaseTargets()
	l.environment.Release()
	l.environment = nil
	l.debugInput = nil
}
