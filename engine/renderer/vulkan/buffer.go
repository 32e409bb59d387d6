//go:build vulkan

package vulkan

import (
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
)

// buffer is host visible and coherent: the shader memory pool and the mesh
// uploads write it directly through a persistent mapping.
type buffer struct {
	backend *Backend
	label   string
	size    uint64
	handle  vk.Buffer
	memory  vk.DeviceMemory
	mapped  unsafe.Pointer
}

func bufferUsage(u gputypes.BufferUsage) vk.BufferUsageFlags {
	flags := vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit
	if u&gputypes.BufferUsageVertex != 0 {
		flags |= vk.BufferUsageVertexBufferBit
	}
	if u&gputypes.BufferUsageIndex != 0 {
		flags |= vk.BufferUsageIndexBufferBit
	}
	if u&gputypes.BufferUsageUniform != 0 {
		flags |= vk.BufferUsageUniformBufferBit
	}
	if u&gputypes.BufferUsageStorage != 0 {
		flags |= vk.BufferUsageStorageBufferBit
	}
	return vk.BufferUsageFlags(flags)
}

func (b *Backend) newBuffer(label string, size uint64, usage vk.BufferUsageFlags) (*buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("buffer %q has zero size: %w", label, core.ErrResourceCreationFailure)
	}
	dev := b.device.LogicalDevice
	buf := &buffer{backend: b, label: label, size: size}
	err := resultError("vkCreateBuffer", vk.CreateBuffer(dev, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Usage:       usage,
		Size:        vk.DeviceSize(size),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &buf.handle))
	if err != nil {
		return nil, fmt.Errorf("buffer %q: %w", label, err)
	}

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(dev, buf.handle, &reqs)
	buf.memory, err = b.device.allocate(label, reqs, vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit)
	if err != nil {
		vk.DestroyBuffer(dev, buf.handle, nil)
		return nil, err
	}
	if err := resultError("vkBindBufferMemory", vk.BindBufferMemory(dev, buf.handle, buf.memory, 0)); err != nil {
		buf.Destroy()
		return nil, err
	}
	if err := resultError("vkMapMemory", vk.MapMemory(dev, buf.memory, 0, vk.DeviceSize(vk.WholeSize), 0, &buf.mapped)); err != nil {
		buf.Destroy()
		return nil, err
	}
	return buf, nil
}

func (buf *buffer) bytes() []byte {
	return unsafe.Slice((*byte)(buf.mapped), buf.size)
}

func (buf *buffer) Destroy() {
	if buf.handle == nil {
		return
	}
	dev := buf.backend.device.LogicalDevice
	if buf.mapped != nil {
		vk.UnmapMemory(dev, buf.memory)
		buf.mapped = nil
	}
	vk.DestroyBuffer(dev, buf.handle, nil)
	vk.FreeMemory(dev, buf.memory, nil)
	buf.handle = nil
	buf.memory = nil
}

func (b *Backend) CreateBuffer(desc device.BufferDescription) (device.Native, error) {
	return b.newBuffer(desc.Label, desc.Size, bufferUsage(desc.Usage))
}

func (b *Backend) WriteBuffer(native device.Native, offset uint64, data []byte) error {
	buf, ok := native.(*buffer)
	if !ok || buf.handle == nil {
		return fmt.Errorf("write to a destroyed buffer: %w", core.ErrInvalidHandleUse)
	}
	if offset+uint64(len(data)) > buf.size {
		return fmt.Errorf("write of %d bytes at %d overruns buffer %q of %d: %w", len(data), offset, buf.label, buf.size, core.ErrCapacityExceeded)
	}
	copy(buf.bytes()[offset:], data)
	return nil
}
