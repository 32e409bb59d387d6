//go:build vulkan

package vulkan

import (
	"fmt"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/anima-deferred/engine/core"
)

type VulkanFence struct {
	Handle     vk.Fence
	IsSignaled bool
}

func NewFence(dev *VulkanDevice, createSignaled bool) (*VulkanFence, error) {
	fence := &VulkanFence{IsSignaled: createSignaled}
	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if createSignaled {
		fenceCreateInfo.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var handle vk.Fence
	if err := resultError("vkCreateFence", vk.CreateFence(dev.LogicalDevice, &fenceCreateInfo, nil, &handle)); err != nil {
		return nil, err
	}
	fence.Handle = handle
	return fence, nil
}

func (vf *VulkanFence) Destroy(dev *VulkanDevice) {
	if vf.Handle != nil {
		vk.DestroyFence(dev.LogicalDevice, vf.Handle, nil)
		vf.Handle = nil
	}
	vf.IsSignaled = false
}

// Wait blocks up to timeout. It returns ErrFenceTimeout when the fence is
// still unsignaled and ErrDeviceFailure on any other failure.
func (vf *VulkanFence) Wait(dev *VulkanDevice, timeout time.Duration) error {
	if vf.IsSignaled {
		return nil
	}
	result := vk.WaitForFences(dev.LogicalDevice, 1, []vk.Fence{vf.Handle}, vk.True, uint64(timeout.Nanoseconds()))
	switch result {
	case vk.Success:
		vf.IsSignaled = true
		return nil
	case vk.Timeout:
		return fmt.Errorf("fence not signaled after %s: %w", timeout, core.ErrFenceTimeout)
	}
	return fmt.Errorf("vkWaitForFences failed with %s: %w", VulkanResultString(result), core.ErrDeviceFailure)
}

// Poll reports whether the fence is signaled without blocking.
func (vf *VulkanFence) Poll(dev *VulkanDevice) bool {
	if !vf.IsSignaled && vk.GetFenceStatus(dev.LogicalDevice, vf.Handle) == vk.Success {
		vf.IsSignaled = true
	}
	return vf.IsSignaled
}

type submission struct {
	value  uint64
	fence  *VulkanFence
	buffer *VulkanCommandBuffer
}

// timeline turns per submission fences into the monotonically increasing
// value the device waits on. Callers hold the queue lock.
type timeline struct {
	dev       *VulkanDevice
	submitted uint64
	completed uint64
	pending   []submission
}

func newTimeline(dev *VulkanDevice) *timeline {
	return &timeline{dev: dev}
}

func (t *timeline) submit(buffer *VulkanCommandBuffer) (uint64, error) {
	fence, err := NewFence(t.dev, false)
	if err != nil {
		buffer.Free(t.dev)
		return 0, err
	}
	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{buffer.Handle},
	}
	if res := vk.QueueSubmit(t.dev.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, fence.Handle); res != vk.Success {
		fence.Destroy(t.dev)
		buffer.Free(t.dev)
		return 0, fmt.Errorf("vkQueueSubmit failed with %s: %w", VulkanResultString(res), core.ErrDeviceFailure)
	}
	buffer.UpdateSubmitted()
	t.submitted++
	t.pending = append(t.pending, submission{value: t.submitted, fence: fence, buffer: buffer})
	return t.submitted, nil
}

// retire releases every leading submission whose fence signaled and returns
// the completed value.
func (t *timeline) retire() uint64 {
	n := 0
	for _, s := range t.pending {
		if !s.fence.Poll(t.dev) {
			break
		}
		t.release(s)
		n++
	}
	t.pending = t.pending[n:]
	return t.completed
}

func (t *timeline) release(s submission) {
	s.fence.Destroy(t.dev)
	s.buffer.Free(t.dev)
	t.completed = max(t.completed, s.value)
}

func (t *timeline) wait(value uint64, timeout time.Duration) error {
	if value <= t.retire() {
		return nil
	}
	for _, s := range t.pending {
		if s.value < value {
			continue
		}
		if err := s.fence.Wait(t.dev, timeout); err != nil {
			return fmt.Errorf("submission %d: %w", value, err)
		}
		break
	}
	t.retire()
	return nil
}

func (t *timeline) waitIdle() error {
	if res := vk.QueueWaitIdle(t.dev.GraphicsQueue); res != vk.Success {
		return fmt.Errorf("vkQueueWaitIdle failed with %s: %w", VulkanResultString(res), core.ErrDeviceFailure)
	}
	for _, s := range t.pending {
		s.fence.IsSignaled = true
		t.release(s)
	}
	t.pending = nil
	return nil
}

func (t *timeline) destroy() {
	for _, s := range t.pending {
		t.release(s)
	}
	t.pending = nil
}
