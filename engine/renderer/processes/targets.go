package processes

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/anima-deferred/engine/math"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
	"github.com/spaghettifunk/anima-deferred/engine/systems"
)

const targetUsage = gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding |
	gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst

// fullscreenVertices is the vertex count of the procedural full screen triangle.
const fullscreenVertices = 3

// cubeVertices is the vertex count of the procedural unit cube.
const cubeVertices = 36

// target is a texture together with a render target drawing into it.
type target struct {
	texture *resource.Handle[*device.Texture]
	rt      *resource.Handle[*device.RenderTarget]
}

func (t *target) release() {
	resource.ReleaseAll(t.rt, t.texture)
	t.rt, t.texture = nil, nil
}

func newTexture(ctx *Context, label string, width, height uint32, format gputypes.TextureFormat) (*resource.Handle[*device.Texture], error) {
	return ctx.Device.CreateTexture(device.TextureDescription{
		Label:  label,
		Width:  width,
		Height: height,
		Format: format,
		Usage:  targetUsage,
	})
}

// newColorTarget creates a single colour attachment target.
func newColorTarget(ctx *Context, label string, width, height uint32, format gputypes.TextureFormat, load gputypes.LoadOp, clear [4]float32) (target, error) {
	tex, err := newTexture(ctx, label, width, height, format)
	if err != nil {
		return target{}, err
	}
	rt, err := ctx.Device.CreateRenderTarget(device.RenderTargetDescription{
		Label:  label,
		Colors: []device.Attachment{{Texture: tex, Load: load, ClearColor: clear}},
	})
	if err != nil {
		tex.Release()
		return target{}, err
	}
	return target{texture: tex, rt: rt}, nil
}

// faceTarget creates a transient target on one face and mip of a cubemap. It
// is released once the frame using it retired.
func faceTarget(ctx *Context, cube *resource.Handle[*device.Texture], face, mip uint32) (*resource.Handle[*device.RenderTarget], error) {
	rt, err := ctx.Device.CreateRenderTarget(device.RenderTargetDescription{
		Label: fmt.Sprintf("%s_face%d_mip%d", cube.Label(), face, mip),
		Colors: []device.Attachment{{
			Texture:     cube,
			Subresource: device.Subresource{MipLevel: mip, ArrayLayer: face},
			Load:        gputypes.LoadOpClear,
		}},
	})
	if err != nil {
		return nil, err
	}
	if ctx.Frame != nil {
		ctx.Frame.Defer(rt)
	}
	return rt, nil
}

// binder sets slots and properties on the bound shader, keeping the first error.
type binder struct {
	dev *device.Device
	err error
}

func newBinder(ctx *Context) *binder {
	return &binder{dev: ctx.Device}
}

func (b *binder) texture(slot string, tex *resource.Handle[*device.Texture]) {
	if b.err == nil {
		b.err = b.dev.SetTextureSlot(slot, tex)
	}
}

func (b *binder) buffer(slot string, buf *resource.Handle[*device.Buffer]) {
	if b.err == nil {
		b.err = b.dev.SetBufferSlot(slot, buf)
	}
}

func (b *binder) property(name string, data []byte) {
	if b.err == nil {
		b.err = b.dev.SetShaderProperty(name, data)
	}
}

func (b *binder) floats(name string, values ...float32) {
	b.property(name, math.PackFloats(values...))
}

func (b *binder) matrix(name string, m math.Mat4) {
	b.property(name, m.Bytes())
}

// orDefault returns tex when it is alive, else the default texture which.
func orDefault(ctx *Context, tex *resource.Handle[*device.Texture], which systems.DefaultTexture) *resource.Handle[*device.Texture] {
	if tex.Valid() {
		return tex
	}
	return ctx.Textures.Default(which)
}

// lookupTexture returns colour attachment color of render target index of an
// earlier process, or nil when that process is not part of the pipeline.
func lookupTexture(ctx *Context, t Type, index, color int) *resource.Handle[*device.Texture] {
	if ctx.Lookup == nil {
		return nil
	}
	h, err := ctx.Lookup.RenderTarget(t, index)
	if err != nil {
		return nil
	}
	rt, err := h.Get()
	if err != nil {
		return nil
	}
	if color < 0 {
		return rt.DepthTexture()
	}
	return rt.ColorTexture(color)
}

func fullscreenShader(label, fragment string) device.ShaderDescription {
	return device.ShaderDescription{
		Label:    label,
		Vertex:   "shaders/fullscreen.vert",
		Fragment: fragment,
	}
}
