package device

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
)

// Subresource addresses one mip level of one array layer of a texture.
type Subresource struct {
	MipLevel   uint32
	ArrayLayer uint32
}

type TextureDescription struct {
	Label  string
	Width  uint32
	Height uint32
	// MipLevels defaults to 1.
	MipLevels uint32
	// ArrayLayers defaults to 1, or 6 for cubemaps.
	ArrayLayers uint32
	Cube        bool
	Format      gputypes.TextureFormat
	Usage       gputypes.TextureUsage
}

func (d *TextureDescription) normalize() error {
	if d.Width == 0 || d.Height == 0 {
		return fmt.Errorf("texture %q has zero extent: %w", d.Label, core.ErrResourceCreationFailure)
	}
	if d.Format == gputypes.TextureFormatUndefined {
		return fmt.Errorf("texture %q has no format: %w", d.Label, core.ErrResourceCreationFailure)
	}
	if d.MipLevels == 0 {
		d.MipLevels = 1
	}
	if d.ArrayLayers == 0 {
		d.ArrayLayers = 1
		if d.Cube {
			d.ArrayLayers = 6
		}
	}
	if d.Cube && (d.ArrayLayers != 6 || d.Width != d.Height) {
		return fmt.Errorf("cubemap %q must be square with 6 layers: %w", d.Label, core.ErrResourceCreationFailure)
	}
	if d.Usage == gputypes.TextureUsageNone {
		d.Usage = gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst
	}
	return nil
}

// MipExtent returns the size of mip level.
func (d TextureDescription) MipExtent(level uint32) (uint32, uint32) {
	return max(d.Width>>level, 1), max(d.Height>>level, 1)
}

// Contains reports whether sub addresses an existing subresource.
func (d TextureDescription) Contains(sub Subresource) bool {
	return sub.MipLevel < d.MipLevels && sub.ArrayLayer < d.ArrayLayers
}

type BufferDescription struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage
	// HostVisible buffers are mapped and written directly by the CPU.
	HostVisible bool
}

// Attachment is one colour or depth/stencil output of a render target.
type Attachment struct {
	Texture      *resource.Handle[*Texture]
	Subresource  Subresource
	Load         gputypes.LoadOp
	ClearColor   [4]float32
	ClearDepth   float32
	ClearStencil uint32
}

type RenderTargetDescription struct {
	Label        string
	Colors       []Attachment
	DepthStencil *Attachment
}

// SlotKind is the kind of resource a shader binding slot accepts.
type SlotKind uint8

const (
	SlotTexture SlotKind = iota
	SlotStorageBuffer
	SlotUniformBuffer
)

// BindingSlot declares a named resource binding of a shader. Slots are bound
// in declaration order starting at binding 1; binding 0 is reserved for the
// shader properties block.
type BindingSlot struct {
	Name string
	Kind SlotKind
}

// Property declares a member of the shader properties block. Sizes are
// multiples of 16 bytes and members are packed in declaration order.
type Property struct {
	Name string
	Size uint32
}

type ShaderDescription struct {
	Label string
	// Logical source paths, resolved through the device SourceResolver.
	Vertex   string
	Fragment string
	Compute  string
	Macros   map[string]string
	Bindings []BindingSlot
	// Properties is the layout of the uniform block at binding 0.
	Properties []Property
}

// IsCompute reports whether the description builds a compute shader.
func (d ShaderDescription) IsCompute() bool {
	return d.Compute != ""
}

// VertexLayout selects the vertex input of a graphics pipeline.
type VertexLayout uint8

const (
	// VertexLayoutNone draws procedural geometry from gl_VertexIndex.
	VertexLayoutNone VertexLayout = iota
	// VertexLayoutMesh reads interleaved math.Vertex3D vertices.
	VertexLayoutMesh
)

// PipelineState is the fixed function state paired with a shader.
type PipelineState struct {
	Blend        gputypes.BlendState
	DepthTest    bool
	DepthWrite   bool
	DepthCompare gputypes.CompareFunction
	Cull         gputypes.CullMode
	Vertex       VertexLayout
}

// DefaultPipelineState is opaque, depth-less full screen state.
func DefaultPipelineState() PipelineState {
	return PipelineState{
		Blend:        gputypes.BlendStateReplace(),
		DepthCompare: gputypes.CompareFunctionLessEqual,
		Cull:         gputypes.CullModeNone,
		Vertex:       VertexLayoutNone,
	}
}

// AdditiveBlend accumulates the source on top of the destination.
func AdditiveBlend() gputypes.BlendState {
	add := gputypes.BlendComponent{
		SrcFactor: gputypes.BlendFactorOne,
		DstFactor: gputypes.BlendFactorOne,
		Operation: gputypes.BlendOperationAdd,
	}
	return gputypes.BlendState{Color: add, Alpha: add}
}

type PipelineDescription struct {
	Label  string
	Shader *resource.Handle[*Shader]
	State  PipelineState
}

type Viewport struct {
	X, Y          float32
	Width, Height float32
}
