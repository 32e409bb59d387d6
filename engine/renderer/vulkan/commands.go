//go:build vulkan

package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
)

// commandList records into one primary command buffer. The first recording
// error sticks and fails the submission.
type commandList struct {
	backend *Backend
	buffer  *VulkanCommandBuffer
	err     error

	pass   *VulkanRenderpass
	shader *VulkanShader
	state  device.PipelineState
	bound  bool
}

func (b *Backend) Begin() (device.CommandList, error) {
	var cb *VulkanCommandBuffer
	err := b.locks.SafeCall(QueueManagement, func() error {
		var err error
		cb, err = NewVulkanCommandBuffer(b.device)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := cb.Begin(true); err != nil {
		_ = b.locks.SafeCall(QueueManagement, func() error {
			cb.Free(b.device)
			return nil
		})
		return nil, err
	}
	return &commandList{backend: b, buffer: cb}, nil
}

func (cl *commandList) free() {
	_ = cl.backend.locks.SafeCall(QueueManagement, func() error {
		cl.buffer.Free(cl.backend.device)
		return nil
	})
}

func (cl *commandList) fail(err error) error {
	if cl.err == nil {
		cl.err = err
	}
	return err
}

func (cl *commandList) cmd() vk.CommandBuffer {
	return cl.buffer.Handle
}

func (cl *commandList) BeginRenderPass(native device.Native, viewport device.Viewport) error {
	rp, ok := native.(*VulkanRenderpass)
	if !ok || rp.Handle == nil {
		return cl.fail(fmt.Errorf("begin a destroyed render target: %w", core.ErrInvalidHandleUse))
	}
	if cl.pass != nil {
		return cl.fail(fmt.Errorf("render pass begun inside another"))
	}
	fullBarrier(cl.cmd())
	rp.Begin(cl.buffer)
	cl.pass, cl.shader, cl.bound = rp, nil, false
	return cl.SetViewport(viewport)
}

func (cl *commandList) EndRenderPass() {
	if cl.pass == nil {
		return
	}
	cl.pass.End(cl.buffer)
	cl.pass, cl.shader, cl.bound = nil, nil, false
}

// SetViewport keeps Vulkan's downward Y: NDC -1 maps to texel row 0, the
// convention the full screen shaders reconstruct positions with.
func (cl *commandList) SetViewport(viewport device.Viewport) error {
	if cl.pass == nil {
		return cl.fail(fmt.Errorf("viewport set outside a render pass"))
	}
	vk.CmdSetViewport(cl.cmd(), 0, 1, []vk.Viewport{{
		X:        viewport.X,
		Y:        viewport.Y,
		Width:    viewport.Width,
		Height:   viewport.Height,
		MinDepth: 0,
		MaxDepth: 1,
	}})
	vk.CmdSetScissor(cl.cmd(), 0, 1, []vk.Rect2D{{
		Offset: vk.Offset2D{X: int32(viewport.X), Y: int32(viewport.Y)},
		Extent: vk.Extent2D{Width: uint32(viewport.Width), Height: uint32(viewport.Height)},
	}})
	return nil
}

func (cl *commandList) BindShader(native device.Native, state device.PipelineState) error {
	s, ok := native.(*VulkanShader)
	if !ok || s.PipelineLayout == nil {
		return cl.fail(fmt.Errorf("bind a destroyed shader: %w", core.ErrInvalidHandleUse))
	}
	if s.compute != nil {
		if cl.pass != nil {
			return cl.fail(fmt.Errorf("compute shader %q bound inside a render pass", s.desc.Label))
		}
		fullBarrier(cl.cmd())
		s.compute.Bind(cl.buffer)
	} else {
		if cl.pass == nil {
			return cl.fail(fmt.Errorf("graphics shader %q bound outside a render pass", s.desc.Label))
		}
		p, err := s.pipeline(state, cl.pass)
		if err != nil {
			return cl.fail(err)
		}
		p.Bind(cl.buffer)
	}
	cl.shader, cl.state, cl.bound = s, state, false
	return nil
}

func (cl *commandList) BindSet(native device.Native, dynamicOffset uint32) error {
	set, ok := native.(*VulkanDescriptorSet)
	if !ok || set.Handle == nil {
		return cl.fail(fmt.Errorf("bind a destroyed binding set: %w", core.ErrInvalidHandleUse))
	}
	if cl.shader == nil || set.shader != cl.shader {
		return cl.fail(fmt.Errorf("binding set does not belong to the bound shader"))
	}
	var offsets []uint32
	if set.uniform != nil {
		if uint64(dynamicOffset)+set.uniformSize > set.uniform.size {
			return cl.fail(fmt.Errorf("dynamic offset %d overruns %q: %w", dynamicOffset, set.uniform.label, core.ErrCapacityExceeded))
		}
		offsets = []uint32{dynamicOffset}
	}
	bindPoint := vk.PipelineBindPointGraphics
	if cl.shader.compute != nil {
		bindPoint = vk.PipelineBindPointCompute
	}
	vk.CmdBindDescriptorSets(cl.cmd(), bindPoint, cl.shader.PipelineLayout, 0, 1, []vk.DescriptorSet{set.Handle}, uint32(len(offsets)), offsets)
	cl.bound = true
	return nil
}

func (cl *commandList) vertexBuffer(native device.Native) (*buffer, error) {
	buf, ok := native.(*buffer)
	if !ok || buf.handle == nil {
		return nil, cl.fail(fmt.Errorf("bind a destroyed buffer: %w", core.ErrInvalidHandleUse))
	}
	return buf, nil
}

func (cl *commandList) BindVertexBuffer(native device.Native, offset uint64) error {
	buf, err := cl.vertexBuffer(native)
	if err != nil {
		return err
	}
	vk.CmdBindVertexBuffers(cl.cmd(), 0, 1, []vk.Buffer{buf.handle}, []vk.DeviceSize{vk.DeviceSize(offset)})
	return nil
}

func (cl *commandList) BindIndexBuffer(native device.Native, offset uint64) error {
	buf, err := cl.vertexBuffer(native)
	if err != nil {
		return err
	}
	vk.CmdBindIndexBuffer(cl.cmd(), buf.handle, vk.DeviceSize(offset), vk.IndexTypeUint32)
	return nil
}

func (cl *commandList) validateDraw() error {
	if cl.pass == nil || cl.shader == nil || cl.shader.compute != nil {
		return cl.fail(fmt.Errorf("draw without a graphics shader in a render pass"))
	}
	if !cl.bound && len(cl.shader.desc.Bindings)+len(cl.shader.desc.Properties) > 0 {
		return cl.fail(fmt.Errorf("draw with shader %q before its binding set", cl.shader.desc.Label))
	}
	return nil
}

func (cl *commandList) Draw(vertexCount, instanceCount uint32) error {
	if err := cl.validateDraw(); err != nil {
		return err
	}
	vk.CmdDraw(cl.cmd(), vertexCount, instanceCount, 0, 0)
	return nil
}

func (cl *commandList) DrawIndexed(indexCount, instanceCount, firstIndex uint32) error {
	if err := cl.validateDraw(); err != nil {
		return err
	}
	vk.CmdDrawIndexed(cl.cmd(), indexCount, instanceCount, firstIndex, 0, 0)
	return nil
}

func (cl *commandList) Dispatch(x, y, z uint32) error {
	if cl.shader == nil || cl.shader.compute == nil {
		return cl.fail(fmt.Errorf("dispatch without a compute shader"))
	}
	vk.CmdDispatch(cl.cmd(), x, y, z)
	fullBarrier(cl.cmd())
	return nil
}

func (cl *commandList) transferImages(srcNative device.Native, srcSub device.Subresource, dstNative device.Native, dstSub device.Subresource) (*VulkanImage, *VulkanImage, error) {
	if cl.pass != nil {
		return nil, nil, cl.fail(fmt.Errorf("texture transfer inside a render pass"))
	}
	src, err := cl.backend.image(srcNative)
	if err != nil {
		return nil, nil, cl.fail(err)
	}
	dst, err := cl.backend.image(dstNative)
	if err != nil {
		return nil, nil, cl.fail(err)
	}
	if !src.desc.Contains(srcSub) || !dst.desc.Contains(dstSub) {
		return nil, nil, cl.fail(fmt.Errorf("transfer %q to %q out of range: %w", src.desc.Label, dst.desc.Label, core.ErrInvalidHandleUse))
	}
	if src.layout.depth != dst.layout.depth {
		return nil, nil, cl.fail(fmt.Errorf("transfer %q to %q mixes depth and colour", src.desc.Label, dst.desc.Label))
	}
	return src, dst, nil
}

func (cl *commandList) CopyTexture(srcNative device.Native, srcSub device.Subresource, dstNative device.Native, dstSub device.Subresource) error {
	src, dst, err := cl.transferImages(srcNative, srcSub, dstNative, dstSub)
	if err != nil {
		return err
	}
	sw, sh := src.desc.MipExtent(srcSub.MipLevel)
	dw, dh := dst.desc.MipExtent(dstSub.MipLevel)
	if sw != dw || sh != dh || src.layout.format != dst.layout.format {
		return cl.fail(fmt.Errorf("copy %q to %q needs matching extent and format", src.desc.Label, dst.desc.Label))
	}
	fullBarrier(cl.cmd())
	vk.CmdCopyImage(cl.cmd(), src.Handle, vk.ImageLayoutGeneral, dst.Handle, vk.ImageLayoutGeneral, 1, []vk.ImageCopy{{
		SrcSubresource: src.layers(srcSub),
		DstSubresource: dst.layers(dstSub),
		Extent:         vk.Extent3D{Width: sw, Height: sh, Depth: 1},
	}})
	fullBarrier(cl.cmd())
	return nil
}

func (cl *commandList) BlitTexture(srcNative device.Native, srcSub device.Subresource, dstNative device.Native, dstSub device.Subresource) error {
	src, dst, err := cl.transferImages(srcNative, srcSub, dstNative, dstSub)
	if err != nil {
		return err
	}
	sw, sh := src.desc.MipExtent(srcSub.MipLevel)
	dw, dh := dst.desc.MipExtent(dstSub.MipLevel)
	filter := vk.FilterLinear
	if src.layout.depth {
		filter = vk.FilterNearest
	}
	fullBarrier(cl.cmd())
	vk.CmdBlitImage(cl.cmd(), src.Handle, vk.ImageLayoutGeneral, dst.Handle, vk.ImageLayoutGeneral, 1, []vk.ImageBlit{{
		SrcSubresource: src.layers(srcSub),
		SrcOffsets:     [2]vk.Offset3D{{}, {X: int32(sw), Y: int32(sh), Z: 1}},
		DstSubresource: dst.layers(dstSub),
		DstOffsets:     [2]vk.Offset3D{{}, {X: int32(dw), Y: int32(dh), Z: 1}},
	}}, filter)
	fullBarrier(cl.cmd())
	return nil
}
