package device

import (
	"time"
)

// Native is a backend object. Destroy releases the underlying API object; the
// device calls it exactly once, when the last handle owner releases it.
type Native interface {
	Destroy()
}

// ShaderSources holds preprocessed source text per stage.
type ShaderSources struct {
	Vertex   string
	Fragment string
	Compute  string
}

// ResolvedBinding is a binding of a set with its native resource.
type ResolvedBinding struct {
	Binding int
	Kind    SlotKind
	Texture Native
	Buffer  Native
	// Range of a buffer binding. Zero means the whole buffer.
	Range uint64
}

// Backend is the native graphics API behind the device. Implementations are
// not safe for concurrent use unless they say otherwise.
type Backend interface {
	Name() string

	CreateTexture(desc TextureDescription) (Native, error)
	CreateBuffer(desc BufferDescription) (Native, error)
	// CreateRenderTarget receives the natives of every attachment in description order.
	CreateRenderTarget(desc RenderTargetDescription, colors []Native, depth Native) (Native, error)
	CompileShader(desc ShaderDescription, sources ShaderSources) (Native, error)
	CreateBindingSet(shader Native, bindings []ResolvedBinding) (Native, error)

	WriteBuffer(buffer Native, offset uint64, data []byte) error
	// WriteTexture uploads RGBA float texels of one subresource.
	WriteTexture(texture Native, sub Subresource, texels []float32) error
	// ReadTexture returns RGBA float texels of one subresource. Callers must
	// make sure the GPU finished writing it.
	ReadTexture(texture Native, sub Subresource) ([]float32, error)

	Begin() (CommandList, error)
	// Submit queues the command list and returns its timeline value. Values
	// increase by one per submission.
	Submit(cl CommandList) (uint64, error)
	// CompletedValue returns the highest timeline value the GPU has retired.
	CompletedValue() uint64
	// Wait blocks until value retired or timeout elapsed.
	Wait(value uint64, timeout time.Duration) error
	WaitIdle() error
	Destroy()
}

// CommandList records GPU work for one submission.
type CommandList interface {
	BeginRenderPass(target Native, viewport Viewport) error
	EndRenderPass()
	SetViewport(viewport Viewport) error
	BindShader(shader Native, state PipelineState) error
	BindSet(set Native, dynamicOffset uint32) error
	BindVertexBuffer(buffer Native, offset uint64) error
	BindIndexBuffer(buffer Native, offset uint64) error
	Draw(vertexCount, instanceCount uint32) error
	DrawIndexed(indexCount, instanceCount, firstIndex uint32) error
	Dispatch(x, y, z uint32) error
	CopyTexture(src Native, srcSub Subresource, dst Native, dstSub Subresource) error
	// BlitTexture copies with linear filtering between subresources of any extent.
	BlitTexture(src Native, srcSub Subresource, dst Native, dstSub Subresource) error
}
