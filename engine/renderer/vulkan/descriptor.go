//go:build vulkan

package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
)

/**
 * @brief A written descriptor set with its own pool. Sets are immutable once
 * created, the device builds a new one when any binding changes.
 */
type VulkanDescriptorSet struct {
	backend *Backend
	shader  *VulkanShader
	Pool    vk.DescriptorPool
	Handle  vk.DescriptorSet
	// uniform range at binding 0, checked against dynamic offsets.
	uniform     *buffer
	uniformSize uint64
}

func (b *Backend) CreateBindingSet(native device.Native, bindings []device.ResolvedBinding) (device.Native, error) {
	if b.opts.MaxBindingSets > 0 && b.bindingSets >= b.opts.MaxBindingSets {
		return nil, fmt.Errorf("binding set pool exhausted (%d): %w", b.opts.MaxBindingSets, core.ErrResourceCreationFailure)
	}
	s, ok := native.(*VulkanShader)
	if !ok || s.SetLayout == nil {
		return nil, fmt.Errorf("binding set for a destroyed shader: %w", core.ErrInvalidHandleUse)
	}
	dev := b.device.LogicalDevice
	set := &VulkanDescriptorSet{backend: b, shader: s}

	counts := map[vk.DescriptorType]uint32{}
	writes := make([]vk.WriteDescriptorSet, 0, len(bindings))
	for _, rb := range bindings {
		write := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstBinding:      uint32(rb.Binding),
			DescriptorCount: 1,
		}
		switch {
		case rb.Binding == 0:
			buf, ok := rb.Buffer.(*buffer)
			if !ok || buf.handle == nil {
				return nil, fmt.Errorf("shader %q properties buffer: %w", s.desc.Label, core.ErrInvalidHandleUse)
			}
			set.uniform, set.uniformSize = buf, rb.Range
			write.DescriptorType = vk.DescriptorTypeUniformBufferDynamic
			write.PBufferInfo = []vk.DescriptorBufferInfo{{Buffer: buf.handle, Range: vk.DeviceSize(rb.Range)}}
		case rb.Kind == device.SlotTexture:
			img, err := b.image(rb.Texture)
			if err != nil {
				return nil, err
			}
			write.DescriptorType = vk.DescriptorTypeCombinedImageSampler
			write.PImageInfo = []vk.DescriptorImageInfo{{
				Sampler:     img.Sampler,
				ImageView:   img.View,
				ImageLayout: vk.ImageLayoutGeneral,
			}}
		default:
			buf, ok := rb.Buffer.(*buffer)
			if !ok || buf.handle == nil {
				return nil, fmt.Errorf("shader %q binding %d: %w", s.desc.Label, rb.Binding, core.ErrInvalidHandleUse)
			}
			size := vk.DeviceSize(vk.WholeSize)
			if rb.Range > 0 {
				size = vk.DeviceSize(rb.Range)
			}
			write.DescriptorType = descriptorType(rb.Kind)
			write.PBufferInfo = []vk.DescriptorBufferInfo{{Buffer: buf.handle, Range: size}}
		}
		counts[write.DescriptorType]++
		writes = append(writes, write)
	}

	poolSizes := make([]vk.DescriptorPoolSize, 0, len(counts))
	for kind, n := range counts {
		poolSizes = append(poolSizes, vk.DescriptorPoolSize{Type: kind, DescriptorCount: n})
	}
	if len(poolSizes) == 0 {
		// An empty pool is invalid; reserve a slot nothing uses.
		poolSizes = append(poolSizes, vk.DescriptorPoolSize{Type: vk.DescriptorTypeCombinedImageSampler, DescriptorCount: 1})
	}

	err := b.locks.SafeCall(DescriptorManagement, func() error {
		poolInfo := vk.DescriptorPoolCreateInfo{
			SType:         vk.StructureTypeDescriptorPoolCreateInfo,
			MaxSets:       1,
			PoolSizeCount: uint32(len(poolSizes)),
			PPoolSizes:    poolSizes,
		}
		if err := resultError("vkCreateDescriptorPool", vk.CreateDescriptorPool(dev, &poolInfo, nil, &set.Pool)); err != nil {
			return err
		}
		allocInfo := vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     set.Pool,
			DescriptorSetCount: 1,
			PSetLayouts:        []vk.DescriptorSetLayout{s.SetLayout},
		}
		if err := resultError("vkAllocateDescriptorSets", vk.AllocateDescriptorSets(dev, &allocInfo, &set.Handle)); err != nil {
			return err
		}
		for i := range writes {
			writes[i].DstSet = set.Handle
		}
		vk.UpdateDescriptorSets(dev, uint32(len(writes)), writes, 0, nil)
		return nil
	})
	if err != nil {
		set.Destroy()
		return nil, fmt.Errorf("binding set for shader %q: %w", s.desc.Label, err)
	}
	b.bindingSets++
	return set, nil
}

func (set *VulkanDescriptorSet) Destroy() {
	if set.Pool == nil {
		return
	}
	b := set.backend
	_ = b.locks.SafeCall(DescriptorManagement, func() error {
		// Destroying the pool frees the set.
		vk.DestroyDescriptorPool(b.device.LogicalDevice, set.Pool, nil)
		return nil
	})
	if set.Handle != nil {
		b.bindingSets--
	}
	set.Pool = nil
	set.Handle = nil
}
