package processes

import (
	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
	"github.com/spaghettifunk/anima-deferred/engine/systems"
)

const forwardShader = "forward.mesh"

/**
 * @brief Blends forward meshes on top of the lit image. The pass starts
 * from a copy of the lighting output and tests against the depth written by
 * the geometry buffer, which it shares rather than clears.
 */
type Forward struct {
	base
	width  uint32
	height uint32
	color  *resource.Handle[*device.Texture]
	depth  *resource.Handle[*device.Texture]
	target *resource.Handle[*device.RenderTarget]
	// copyLit is set when a lighting pass runs before this one.
	copyLit     bool
	sharedDepth bool
	drawn       int
}

func NewForward() *Forward {
	return &Forward{}
}

func (f *Forward) Type() Type { return TypeForward }

// SharesDepth reports whether the pass tests against the geometry buffer depth.
func (f *Forward) SharesDepth() bool {
	return f.sharedDepth
}

func (f *Forward) init(ctx *Context) error {
	err := f.register(ctx, forwardShader, device.ShaderDescription{
		Vertex:   "shaders/forward.vert",
		Fragment: "shaders/forward.frag",
		Bindings: []device.BindingSlot{
			{Name: "albedo_map", Kind: device.SlotTexture},
		},
		Properties: []device.Property{
			{Name: "view_projection", Size: 64},
			{Name: "model", Size: 64},
			{Name: "base_colour", Size: 16},
		},
	}, device.PipelineState{
		Blend:        gputypes.BlendStateAlpha(),
		DepthTest:    true,
		DepthWrite:   false,
		DepthCompare: gputypes.CompareFunctionLessEqual,
		Cull:         gputypes.CullModeNone,
		Vertex:       device.VertexLayoutMesh,
	})
	if err != nil {
		return err
	}
	return f.createTargets(ctx, ctx.Config.Width, ctx.Config.Height)
}

func (f *Forward) createTargets(ctx *Context, width, height uint32) error {
	color, err := newTexture(ctx, "forward_color", width, height, gputypes.TextureFormatRGBA8Unorm)
	if err != nil {
		return err
	}
	f.color = color

	colorLoad := gputypes.LoadOpClear
	f.copyLit = lookupTexture(ctx, TypeDeferredLighting, LightingOutput, 0) != nil
	if f.copyLit {
		colorLoad = gputypes.LoadOpLoad
	}

	depthLoad := gputypes.LoadOpLoad
	if shared := lookupTexture(ctx, TypeGBuffer, 0, -1); shared != nil {
		f.depth = shared.Retain()
		f.sharedDepth = true
	} else {
		f.sharedDepth = false
		depthLoad = gputypes.LoadOpClear
		f.depth, err = newTexture(ctx, "forward_depth", width, height, gputypes.TextureFormatDepth24PlusStencil8)
		if err != nil {
			return err
		}
	}

	f.target, err = ctx.Device.CreateRenderTarget(device.RenderTargetDescription{
		Label:        "forward",
		Colors:       []device.Attachment{{Texture: f.color, Load: colorLoad, ClearColor: ctx.Config.ClearColor}},
		DepthStencil: &device.Attachment{Texture: f.depth, Load: depthLoad, ClearDepth: 1},
	})
	if err != nil {
		return err
	}
	f.width, f.height = width, height
	return nil
}

func (f *Forward) releaseTargets() {
	resource.ReleaseAll(f.target, f.depth, f.color)
	f.target, f.depth, f.color = nil, nil, nil
}

func (f *Forward) draw(ctx *Context) error {
	if f.copyLit {
		lit := lookupTexture(ctx, TypeDeferredLighting, LightingOutput, 0)
		if lit == nil {
			return nil
		}
		if err := ctx.Device.CopyTextureToTexture(lit, device.Subresource{}, f.color, device.Subresource{}); err != nil {
			return err
		}
	}
	if err := ctx.Device.SetRenderTarget(f.target); err != nil {
		return err
	}

	scene := ctx.scene()
	f.drawn = 0
	bound := false
	viewProjection := scene.camera().ViewProjection(f.width, f.height)
	for _, mesh := range scene.Meshes {
		if !mesh.Forward {
			continue
		}
		if !bound {
			if err := f.bind(ctx, forwardShader); err != nil {
				return err
			}
			bound = true
		}
		c := mesh.Material.BaseColour
		b := newBinder(ctx)
		b.texture("albedo_map", orDefault(ctx, mesh.Material.Albedo, systems.DefaultTextureWhite))
		b.matrix("view_projection", viewProjection)
		b.matrix("model", mesh.Model)
		b.floats("base_colour", c.X, c.Y, c.Z, c.W)
		if b.err != nil {
			return b.err
		}
		if err := drawMesh(ctx, mesh); err != nil {
			return err
		}
		f.drawn++
	}
	return nil
}

func (f *Forward) renderTarget(index int) *resource.Handle[*device.RenderTarget] {
	if index != 0 {
		return nil
	}
	return f.target
}

func (f *Forward) resize(ctx *Context, width, height uint32) error {
	f.releaseTargets()
	return f.createTargets(ctx, width, height)
}

func (f *Forward) destroy() {
	f.releaseTargets()
}
