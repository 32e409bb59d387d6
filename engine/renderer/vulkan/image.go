//go:build vulkan

package vulkan

import (
	"fmt"

	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
)

/**
 * @brief A texture and its views. Every subresource stays in
 * VK_IMAGE_LAYOUT_GENERAL for its whole life.
 */
type VulkanImage struct {
	backend *Backend
	desc    device.TextureDescription
	layout  texelLayout

	Handle vk.Image
	Memory vk.DeviceMemory
	// View covers every mip and layer; it is what shaders sample.
	View    vk.ImageView
	Sampler vk.Sampler
	// attachment views, one per subresource, created on first use.
	views map[device.Subresource]vk.ImageView
}

func imageUsage(u gputypes.TextureUsage, depth bool) vk.ImageUsageFlags {
	flags := vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit | vk.ImageUsageSampledBit
	if u&gputypes.TextureUsageRenderAttachment != 0 {
		if depth {
			flags |= vk.ImageUsageDepthStencilAttachmentBit
		} else {
			flags |= vk.ImageUsageColorAttachmentBit
		}
	}
	if u&gputypes.TextureUsageStorageBinding != 0 {
		flags |= vk.ImageUsageStorageBit
	}
	return vk.ImageUsageFlags(flags)
}

func (b *Backend) CreateTexture(desc device.TextureDescription) (device.Native, error) {
	layout, err := layoutOf(desc.Format, b.device.DepthStencilFormat)
	if err != nil {
		return nil, fmt.Errorf("texture %q: %w", desc.Label, err)
	}
	dev := b.device.LogicalDevice
	img := &VulkanImage{backend: b, desc: desc, layout: layout, views: map[device.Subresource]vk.ImageView{}}

	imageInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  1,
		},
		MipLevels:     desc.MipLevels,
		ArrayLayers:   desc.ArrayLayers,
		Format:        layout.format,
		Tiling:        vk.ImageTilingOptimal,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         imageUsage(desc.Usage, layout.depth),
		Samples:       vk.SampleCount1Bit,
		SharingMode:   vk.SharingModeExclusive,
	}
	if desc.Cube {
		imageInfo.Flags = vk.ImageCreateFlags(vk.ImageCreateCubeCompatibleBit)
	}
	if err := resultError("vkCreateImage", vk.CreateImage(dev, &imageInfo, nil, &img.Handle)); err != nil {
		return nil, fmt.Errorf("texture %q: %w", desc.Label, err)
	}

	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(dev, img.Handle, &reqs)
	img.Memory, err = b.device.allocate(desc.Label, reqs, vk.MemoryPropertyDeviceLocalBit)
	if err != nil {
		img.Destroy()
		return nil, err
	}
	if err := resultError("vkBindImageMemory", vk.BindImageMemory(dev, img.Handle, img.Memory, 0)); err != nil {
		img.Destroy()
		return nil, err
	}

	viewType := vk.ImageViewType2d
	switch {
	case desc.Cube:
		viewType = vk.ImageViewTypeCube
	case desc.ArrayLayers > 1:
		viewType = vk.ImageViewType2dArray
	}
	if img.View, err = img.createView(viewType, 0, desc.MipLevels, 0, desc.ArrayLayers); err != nil {
		img.Destroy()
		return nil, err
	}
	if img.Sampler, err = b.createSampler(desc.MipLevels, layout.depth); err != nil {
		img.Destroy()
		return nil, err
	}

	// Move the whole image to GENERAL and clear it, so unwritten textures
	// read back as zero like freshly created ones elsewhere.
	err = b.singleUse(func(cmd vk.CommandBuffer) {
		img.transition(cmd, vk.ImageLayoutUndefined, vk.ImageLayoutGeneral)
		img.clear(cmd)
	})
	if err != nil {
		img.Destroy()
		return nil, err
	}
	return img, nil
}

func (img *VulkanImage) fullRange() vk.ImageSubresourceRange {
	return vk.ImageSubresourceRange{
		AspectMask: img.layout.aspect(),
		LevelCount: img.desc.MipLevels,
		LayerCount: img.desc.ArrayLayers,
	}
}

func (img *VulkanImage) layers(sub device.Subresource) vk.ImageSubresourceLayers {
	return vk.ImageSubresourceLayers{
		AspectMask:     img.layout.aspect(),
		MipLevel:       sub.MipLevel,
		BaseArrayLayer: sub.ArrayLayer,
		LayerCount:     1,
	}
}

func (img *VulkanImage) transition(cmd vk.CommandBuffer, from, to vk.ImageLayout) {
	vk.CmdPipelineBarrier(cmd,
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(vk.AccessMemoryWriteBit),
			DstAccessMask:       vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit),
			OldLayout:           from,
			NewLayout:           to,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               img.Handle,
			SubresourceRange:    img.fullRange(),
		}})
}

func (img *VulkanImage) clear(cmd vk.CommandBuffer) {
	ranges := []vk.ImageSubresourceRange{img.fullRange()}
	if img.layout.depth {
		value := vk.ClearDepthStencilValue{Depth: 0}
		vk.CmdClearDepthStencilImage(cmd, img.Handle, vk.ImageLayoutGeneral, &value, 1, ranges)
		return
	}
	// The zero value clears every channel to 0.
	var value vk.ClearColorValue
	vk.CmdClearColorImage(cmd, img.Handle, vk.ImageLayoutGeneral, &value, 1, ranges)
}

func (img *VulkanImage) createView(viewType vk.ImageViewType, baseMip, mips, baseLayer, layers uint32) (vk.ImageView, error) {
	var view vk.ImageView
	err := resultError("vkCreateImageView", vk.CreateImageView(img.backend.device.LogicalDevice, &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    img.Handle,
		ViewType: viewType,
		Format:   img.layout.format,
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleIdentity,
			G: vk.ComponentSwizzleIdentity,
			B: vk.ComponentSwizzleIdentity,
			A: vk.ComponentSwizzleIdentity,
		},
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     img.layout.aspect(),
			BaseMipLevel:   baseMip,
			LevelCount:     mips,
			BaseArrayLayer: baseLayer,
			LayerCount:     layers,
		},
	}, nil, &view))
	if err != nil {
		return nil, fmt.Errorf("texture %q: %w", img.desc.Label, err)
	}
	return view, nil
}

// attachmentView returns the single subresource view used by framebuffers.
func (img *VulkanImage) attachmentView(sub device.Subresource) (vk.ImageView, error) {
	if v, ok := img.views[sub]; ok {
		return v, nil
	}
	if !img.desc.Contains(sub) {
		return nil, fmt.Errorf("texture %q has no subresource %+v: %w", img.desc.Label, sub, core.ErrInvalidHandleUse)
	}
	v, err := img.createView(vk.ImageViewType2d, sub.MipLevel, 1, sub.ArrayLayer, 1)
	if err != nil {
		return nil, err
	}
	img.views[sub] = v
	return v, nil
}

func (b *Backend) createSampler(mips uint32, depth bool) (vk.Sampler, error) {
	filter := vk.FilterLinear
	if depth {
		filter = vk.FilterNearest
	}
	var sampler vk.Sampler
	err := resultError("vkCreateSampler", vk.CreateSampler(b.device.LogicalDevice, &vk.SamplerCreateInfo{
		SType:        vk.StructureTypeSamplerCreateInfo,
		MagFilter:    filter,
		MinFilter:    filter,
		MipmapMode:   vk.SamplerMipmapModeLinear,
		AddressModeU: vk.SamplerAddressModeClampToEdge,
		AddressModeV: vk.SamplerAddressModeClampToEdge,
		AddressModeW: vk.SamplerAddressModeClampToEdge,
		MaxLod:       float32(mips),
		BorderColor:  vk.BorderColorFloatOpaqueWhite,
	}, nil, &sampler))
	return sampler, err
}

func (img *VulkanImage) Destroy() {
	if img.Handle == nil {
		return
	}
	dev := img.backend.device.LogicalDevice
	for sub, v := range img.views {
		vk.DestroyImageView(dev, v, nil)
		delete(img.views, sub)
	}
	if img.Sampler != nil {
		vk.DestroySampler(dev, img.Sampler, nil)
		img.Sampler = nil
	}
	if img.View != nil {
		vk.DestroyImageView(dev, img.View, nil)
		img.View = nil
	}
	vk.DestroyImage(dev, img.Handle, nil)
	if img.Memory != nil {
		vk.FreeMemory(dev, img.Memory, nil)
		img.Memory = nil
	}
	img.Handle = nil
}

func (b *Backend) image(native device.Native) (*VulkanImage, error) {
	img, ok := native.(*VulkanImage)
	if !ok || img.Handle == nil {
		return nil, fmt.Errorf("use of a destroyed texture: %w", core.ErrInvalidHandleUse)
	}
	return img, nil
}

func (img *VulkanImage) copyRegion(sub device.Subresource) vk.BufferImageCopy {
	w, h := img.desc.MipExtent(sub.MipLevel)
	return vk.BufferImageCopy{
		ImageSubresource: img.layers(sub),
		ImageExtent:      vk.Extent3D{Width: w, Height: h, Depth: 1},
	}
}

// WriteTexture uploads through a staging buffer and waits for the copy.
func (b *Backend) WriteTexture(native device.Native, sub device.Subresource, texels []float32) error {
	img, err := b.image(native)
	if err != nil {
		return err
	}
	if !img.desc.Contains(sub) {
		return fmt.Errorf("texture %q has no subresource %+v: %w", img.desc.Label, sub, core.ErrInvalidHandleUse)
	}
	w, h := img.desc.MipExtent(sub.MipLevel)
	if want := int(w * h * 4); len(texels) < want {
		return fmt.Errorf("texture %q needs %d texel floats, got %d: %w", img.desc.Label, want, len(texels), core.ErrCapacityExceeded)
	}
	data := img.layout.encode(texels[:w*h*4])
	staging, err := b.newBuffer(img.desc.Label+"_staging", uint64(len(data)), vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit))
	if err != nil {
		return err
	}
	defer staging.Destroy()
	copy(staging.bytes(), data)

	return b.singleUse(func(cmd vk.CommandBuffer) {
		fullBarrier(cmd)
		vk.CmdCopyBufferToImage(cmd, staging.handle, img.Handle, vk.ImageLayoutGeneral, 1, []vk.BufferImageCopy{img.copyRegion(sub)})
		fullBarrier(cmd)
	})
}

// ReadTexture copies one subresource into a staging buffer and decodes it.
func (b *Backend) ReadTexture(native device.Native, sub device.Subresource) ([]float32, error) {
	img, err := b.image(native)
	if err != nil {
		return nil, err
	}
	if !img.desc.Contains(sub) {
		return nil, fmt.Errorf("texture %q has no subresource %+v: %w", img.desc.Label, sub, core.ErrInvalidHandleUse)
	}
	w, h := img.desc.MipExtent(sub.MipLevel)
	size := uint64(w*h) * uint64(img.layout.stride())
	staging, err := b.newBuffer(img.desc.Label+"_readback", size, vk.BufferUsageFlags(vk.BufferUsageTransferDstBit))
	if err != nil {
		return nil, err
	}
	defer staging.Destroy()

	err = b.singleUse(func(cmd vk.CommandBuffer) {
		fullBarrier(cmd)
		vk.CmdCopyImageToBuffer(cmd, img.Handle, vk.ImageLayoutGeneral, staging.handle, 1, []vk.BufferImageCopy{img.copyRegion(sub)})
		fullBarrier(cmd)
	})
	if err != nil {
		return nil, err
	}
	return img.layout.decode(staging.bytes()), nil
}
