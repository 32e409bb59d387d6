//go:build vulkan

package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
)

type VulkanCommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY VulkanCommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_IN_RENDER_PASS
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

type VulkanCommandBuffer struct {
	Handle vk.CommandBuffer
	// Command buffer state.
	State VulkanCommandBufferState
}

// NewVulkanCommandBuffer allocates a primary command buffer from the graphics
// command pool. The caller holds the queue lock.
func NewVulkanCommandBuffer(dev *VulkanDevice) (*VulkanCommandBuffer, error) {
	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        dev.GraphicsCommandPool,
		CommandBufferCount: 1,
		Level:              vk.CommandBufferLevelPrimary,
	}
	handles := make([]vk.CommandBuffer, 1)
	if err := resultError("vkAllocateCommandBuffers", vk.AllocateCommandBuffers(dev.LogicalDevice, &allocateInfo, handles)); err != nil {
		return nil, err
	}
	return &VulkanCommandBuffer{Handle: handles[0], State: COMMAND_BUFFER_STATE_READY}, nil
}

func (v *VulkanCommandBuffer) Free(dev *VulkanDevice) {
	if v.Handle == nil {
		return
	}
	vk.FreeCommandBuffers(dev.LogicalDevice, dev.GraphicsCommandPool, 1, []vk.CommandBuffer{v.Handle})
	v.Handle = nil
	v.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
}

func (v *VulkanCommandBuffer) Begin(isSingleUse bool) error {
	beginInfo := &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
	}
	if isSingleUse {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	if err := resultError("vkBeginCommandBuffer", vk.BeginCommandBuffer(v.Handle, beginInfo)); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

func (v *VulkanCommandBuffer) End() error {
	if err := resultError("vkEndCommandBuffer", vk.EndCommandBuffer(v.Handle)); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

func (v *VulkanCommandBuffer) UpdateSubmitted() {
	v.State = COMMAND_BUFFER_STATE_SUBMITTED
}

/**
 * @brief Allocates a command buffer, records fn into it, submits it and
 * waits for the queue to drain. Used for uploads, readbacks and layout setup
 * outside of the frame timeline.
 */
func (b *Backend) singleUse(fn func(cmd vk.CommandBuffer)) error {
	return b.locks.SafeCall(QueueManagement, func() error {
		cb, err := NewVulkanCommandBuffer(b.device)
		if err != nil {
			return err
		}
		defer cb.Free(b.device)
		if err := cb.Begin(true); err != nil {
			return err
		}
		fn(cb.Handle)
		if err := cb.End(); err != nil {
			return err
		}

		submitInfo := vk.SubmitInfo{
			SType:              vk.StructureTypeSubmitInfo,
			CommandBufferCount: 1,
			PCommandBuffers:    []vk.CommandBuffer{cb.Handle},
		}
		if err := resultError("vkQueueSubmit", vk.QueueSubmit(b.device.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, nil)); err != nil {
			return err
		}
		if err := resultError("vkQueueWaitIdle", vk.QueueWaitIdle(b.device.GraphicsQueue)); err != nil {
			return fmt.Errorf("single use submission: %w", err)
		}
		// The queue drained, so frame submissions retired too.
		for _, s := range b.timeline.pending {
			s.fence.IsSignaled = true
		}
		b.timeline.retire()
		return nil
	})
}

// fullBarrier orders every prior command before every later one. All images
// live in VK_IMAGE_LAYOUT_GENERAL, so passes only need memory dependencies.
func fullBarrier(cmd vk.CommandBuffer) {
	access := vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit)
	vk.CmdPipelineBarrier(cmd,
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		0, 1, []vk.MemoryBarrier{{
			SType:         vk.StructureTypeMemoryBarrier,
			SrcAccessMask: access,
			DstAccessMask: access,
		}}, 0, nil, 0, nil)
}
