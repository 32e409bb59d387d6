//go:build vulkan

package vulkan

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
)

/**
 * @brief A render pass over a fixed set of attachments. Attachments enter
 * and leave in VK_IMAGE_LAYOUT_GENERAL.
 */
type VulkanRenderpass struct {
	Handle      vk.RenderPass
	Width       uint32
	Height      uint32
	ClearValues []vk.ClearValue
	// Key identifies pass compatibility for pipeline caching.
	Key         string
	ColorCount  int
	HasDepth    bool
	framebuffer *VulkanFramebuffer
	backend     *Backend
}

func loadOp(op gputypes.LoadOp) vk.AttachmentLoadOp {
	if op == gputypes.LoadOpLoad {
		return vk.AttachmentLoadOpLoad
	}
	return vk.AttachmentLoadOpClear
}

func (b *Backend) CreateRenderTarget(desc device.RenderTargetDescription, colors []device.Native, depth device.Native) (device.Native, error) {
	if len(colors) != len(desc.Colors) || (depth == nil) != (desc.DepthStencil == nil) {
		return nil, fmt.Errorf("render target %q attachment mismatch: %w", desc.Label, core.ErrResourceCreationFailure)
	}
	rp := &VulkanRenderpass{backend: b, ColorCount: len(colors), HasDepth: depth != nil}

	var (
		descriptions []vk.AttachmentDescription
		views        []vk.ImageView
		colorRefs    []vk.AttachmentReference
		key          strings.Builder
	)
	add := func(native device.Native, att device.Attachment) (*VulkanImage, error) {
		img, err := b.image(native)
		if err != nil {
			return nil, err
		}
		view, err := img.attachmentView(att.Subresource)
		if err != nil {
			return nil, err
		}
		w, h := img.desc.MipExtent(att.Subresource.MipLevel)
		if rp.Width == 0 {
			rp.Width, rp.Height = w, h
		} else if w != rp.Width || h != rp.Height {
			return nil, fmt.Errorf("render target %q mixes %dx%d and %dx%d attachments: %w", desc.Label, rp.Width, rp.Height, w, h, core.ErrResourceCreationFailure)
		}
		description := vk.AttachmentDescription{
			Format:         img.layout.format,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         loadOp(att.Load),
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutGeneral,
			FinalLayout:    vk.ImageLayoutGeneral,
		}
		if img.layout.depth {
			description.StencilLoadOp = description.LoadOp
			description.StencilStoreOp = vk.AttachmentStoreOpStore
		}
		descriptions = append(descriptions, description)
		views = append(views, view)
		fmt.Fprintf(&key, "%d;", img.layout.format)
		return img, nil
	}

	for i, native := range colors {
		img, err := add(native, desc.Colors[i])
		if err != nil {
			return nil, err
		}
		if img.layout.depth {
			return nil, fmt.Errorf("render target %q has a depth format colour attachment: %w", desc.Label, core.ErrResourceCreationFailure)
		}
		colorRefs = append(colorRefs, vk.AttachmentReference{Attachment: uint32(i), Layout: vk.ImageLayoutGeneral})
		var clear vk.ClearValue
		clear.SetColor(desc.Colors[i].ClearColor[:])
		rp.ClearValues = append(rp.ClearValues, clear)
	}

	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(colorRefs)),
		PColorAttachments:    colorRefs,
	}
	if depth != nil {
		img, err := add(depth, *desc.DepthStencil)
		if err != nil {
			return nil, err
		}
		if !img.layout.depth {
			return nil, fmt.Errorf("render target %q depth attachment has colour format: %w", desc.Label, core.ErrResourceCreationFailure)
		}
		subpass.PDepthStencilAttachment = &vk.AttachmentReference{Attachment: uint32(len(colors)), Layout: vk.ImageLayoutGeneral}
		var clear vk.ClearValue
		clear.SetDepthStencil(desc.DepthStencil.ClearDepth, desc.DepthStencil.ClearStencil)
		rp.ClearValues = append(rp.ClearValues, clear)
	}
	rp.Key = key.String()

	// Work before and after the pass is ordered by full barriers in the
	// command list, so the subpass needs no external dependencies.
	renderpassCreateInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(descriptions)),
		PAttachments:    descriptions,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
	}
	var handle vk.RenderPass
	if err := resultError("vkCreateRenderPass", vk.CreateRenderPass(b.device.LogicalDevice, &renderpassCreateInfo, nil, &handle)); err != nil {
		return nil, fmt.Errorf("render target %q: %w", desc.Label, err)
	}
	rp.Handle = handle

	fb, err := FramebufferCreate(b.device, rp, views)
	if err != nil {
		rp.Destroy()
		return nil, fmt.Errorf("render target %q: %w", desc.Label, err)
	}
	rp.framebuffer = fb
	return rp, nil
}

func (rp *VulkanRenderpass) Destroy() {
	if rp.Handle == nil {
		return
	}
	if rp.framebuffer != nil {
		rp.framebuffer.Destroy(rp.backend.device)
		rp.framebuffer = nil
	}
	vk.DestroyRenderPass(rp.backend.device.LogicalDevice, rp.Handle, nil)
	rp.Handle = nil
}

// Begin records the pass start over the full attachment extent.
func (rp *VulkanRenderpass) Begin(commandBuffer *VulkanCommandBuffer) {
	beginInfo := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  rp.Handle,
		Framebuffer: rp.framebuffer.Handle,
		RenderArea: vk.Rect2D{
			Extent: vk.Extent2D{Width: rp.Width, Height: rp.Height},
		},
		ClearValueCount: uint32(len(rp.ClearValues)),
		PClearValues:    rp.ClearValues,
	}
	vk.CmdBeginRenderPass(commandBuffer.Handle, &beginInfo, vk.SubpassContentsInline)
	commandBuffer.State = COMMAND_BUFFER_STATE_IN_RENDER_PASS
}

func (rp *VulkanRenderpass) End(commandBuffer *VulkanCommandBuffer) {
	vk.CmdEndRenderPass(commandBuffer.Handle)
	commandBuffer.State = COMMAND_BUFFER_STATE_RECORDING
}
