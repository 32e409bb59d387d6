package processes

import (
	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
	"github.com/spaghettifunk/anima-deferred/engine/systems"
)

// GBufferTexture names an attachment of the geometry buffer.
type GBufferTexture int

const (
	GBufferPosition GBufferTexture = iota
	GBufferNormal
	GBufferAlbedo
	GBufferEmissive
	GBufferDepth
	gbufferTextureCount
)

const gbufferShader = "gbuffer.mrt"

var gbufferAttachments = [...]struct {
	label  string
	format gputypes.TextureFormat
}{
	GBufferPosition: {"gbuffer_position", gputypes.TextureFormatRGBA16Float},
	GBufferNormal:   {"gbuffer_normal", gputypes.TextureFormatRGBA16Float},
	GBufferAlbedo:   {"gbuffer_albedo", gputypes.TextureFormatRGBA8Unorm},
	GBufferEmissive: {"gbuffer_emissive", gputypes.TextureFormatRGBA16Float},
	GBufferDepth:    {"gbuffer_depth", gputypes.TextureFormatDepth24PlusStencil8},
}

/**
 * @brief The geometry pass. Opaque meshes write world position, normal,
 * albedo and emission into four colour attachments sharing one depth/stencil
 * attachment.
 */
type GBuffer struct {
	base
	width    uint32
	height   uint32
	textures [gbufferTextureCount]*resource.Handle[*device.Texture]
	target   *resource.Handle[*device.RenderTarget]
	drawn    int
}

func NewGBuffer() *GBuffer {
	return &GBuffer{}
}

func (g *GBuffer) Type() Type { return TypeGBuffer }

// Texture returns one attachment. The handle is owned by the pass.
func (g *GBuffer) Texture(which GBufferTexture) *resource.Handle[*device.Texture] {
	if which < 0 || which >= gbufferTextureCount {
		return nil
	}
	return g.textures[which]
}

func (g *GBuffer) init(ctx *Context) error {
	err := g.register(ctx, gbufferShader, device.ShaderDescription{
		Vertex:   "shaders/gbuffer.vert",
		Fragment: "shaders/gbuffer.frag",
		Bindings: []device.BindingSlot{
			{Name: "albedo_map", Kind: device.SlotTexture},
			{Name: "normal_map", Kind: device.SlotTexture},
			{Name: "metallic_roughness_map", Kind: device.SlotTexture},
			{Name: "emissive_map", Kind: device.SlotTexture},
		},
		Properties: []device.Property{
			{Name: "view_projection", Size: 64},
			{Name: "model", Size: 64},
			{Name: "base_colour", Size: 16},
			{Name: "material", Size: 16},
		},
	}, device.PipelineState{
		Blend:        gputypes.BlendStateReplace(),
		DepthTest:    true,
		DepthWrite:   true,
		DepthCompare: gputypes.CompareFunctionLess,
		Cull:         gputypes.CullModeBack,
		Vertex:       device.VertexLayoutMesh,
	})
	if err != nil {
		return err
	}
	return g.createTargets(ctx, ctx.Config.Width, ctx.Config.Height)
}

func (g *GBuffer) createTargets(ctx *Context, width, height uint32) error {
	for i, a := range gbufferAttachments {
		tex, err := newTexture(ctx, a.label, width, height, a.format)
		if err != nil {
			g.releaseTargets()
			return err
		}
		g.textures[i] = tex
	}

	colors := make([]device.Attachment, 0, GBufferDepth)
	for i := GBufferPosition; i < GBufferDepth; i++ {
		a := device.Attachment{Texture: g.textures[i], Load: gputypes.LoadOpClear}
		if i == GBufferAlbedo {
			a.ClearColor = ctx.Config.ClearColor
		}
		colors = append(colors, a)
	}
	rt, err := ctx.Device.CreateRenderTarget(device.RenderTargetDescription{
		Label:  "gbuffer",
		Colors: colors,
		DepthStencil: &device.Attachment{
			Texture:    g.textures[GBufferDepth],
			Load:       gputypes.LoadOpClear,
			ClearDepth: 1,
		},
	})
	if err != nil {
		g.releaseTargets()
		return err
	}
	g.target = rt
	g.width, g.height = width, height
	return nil
}

func (g *GBuffer) releaseTargets() {
	g.target.Release()
	g.target = nil
	for i := range g.textures {
		g.textures[i].Release()
		g.textures[i] = nil
	}
}

func (g *GBuffer) draw(ctx *Context) error {
	if err := ctx.Device.SetRenderTarget(g.target); err != nil {
		return err
	}
	scene := ctx.scene()
	g.drawn = 0
	if len(scene.Meshes) == 0 {
		return nil
	}
	if err := g.bind(ctx, gbufferShader); err != nil {
		return err
	}

	viewProjection := scene.camera().ViewProjection(g.width, g.height)
	for _, mesh := range scene.Meshes {
		if mesh.Forward {
			continue
		}
		m := mesh.Material
		b := newBinder(ctx)
		b.texture("albedo_map", orDefault(ctx, m.Albedo, systems.DefaultTextureWhite))
		b.texture("normal_map", orDefault(ctx, m.Normal, systems.DefaultTextureNormal))
		b.texture("metallic_roughness_map", orDefault(ctx, m.MetallicRoughness, systems.DefaultTextureWhite))
		b.texture("emissive_map", orDefault(ctx, m.Emissive, systems.DefaultTextureBlack))
		b.matrix("view_projection", viewProjection)
		b.matrix("model", mesh.Model)
		b.floats("base_colour", m.BaseColour.X, m.BaseColour.Y, m.BaseColour.Z, m.BaseColour.W)
		b.floats("material", m.Metallic, m.Roughness, m.EmissiveStrength, 0)
		if b.err != nil {
			return b.err
		}
		if err := drawMesh(ctx, mesh); err != nil {
			return err
		}
		g.drawn++
	}
	return nil
}

func drawMesh(ctx *Context, mesh Mesh) error {
	if err := ctx.Device.SetVertexBuffer(mesh.Vertices); err != nil {
		return err
	}
	if err := ctx.Device.SetIndexBuffer(mesh.Indices); err != nil {
		return err
	}
	return ctx.Device.DrawIndexed(mesh.IndexCount, 1, 0)
}

func (g *GBuffer) renderTarget(index int) *resource.Handle[*device.RenderTarget] {
	if index != 0 {
		return nil
	}
	return g.target
}

func (g *GBuffer) resize(ctx *Context, width, height uint32) error {
	g.releaseTargets()
	return g.createTargets(ctx, width, height)
}

func (g *GBuffer) destroy() {
	g.releaseTargets()
}
