//go:build vulkan

package vulkan

import (
	vk "github.com/goki/vulkan"
)

type VulkanFramebuffer struct {
	Handle      vk.Framebuffer
	Attachments []vk.ImageView
	Renderpass  *VulkanRenderpass
}

// FramebufferCreate binds views to the pass. The views stay owned by their
// textures.
func FramebufferCreate(dev *VulkanDevice, renderpass *VulkanRenderpass, attachments []vk.ImageView) (*VulkanFramebuffer, error) {
	outFramebuffer := &VulkanFramebuffer{
		Attachments: append([]vk.ImageView(nil), attachments...),
		Renderpass:  renderpass,
	}

	framebufferCreateInfo := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      renderpass.Handle,
		AttachmentCount: uint32(len(outFramebuffer.Attachments)),
		PAttachments:    outFramebuffer.Attachments,
		Width:           renderpass.Width,
		Height:          renderpass.Height,
		Layers:          1,
	}

	var pFramebuffer vk.Framebuffer
	if err := resultError("vkCreateFramebuffer", vk.CreateFramebuffer(dev.LogicalDevice, &framebufferCreateInfo, nil, &pFramebuffer)); err != nil {
		return nil, err
	}
	outFramebuffer.Handle = pFramebuffer
	return outFramebuffer, nil
}

func (vfb *VulkanFramebuffer) Destroy(dev *VulkanDevice) {
	if vfb.Handle != nil {
		vk.DestroyFramebuffer(dev.LogicalDevice, vfb.Handle, nil)
	}
	vfb.Attachments = nil
	vfb.Handle = nil
	vfb.Renderpass = nil
}
