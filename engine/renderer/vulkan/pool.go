//go:build vulkan

package vulkan

import "sync"

type LockGroup string

const (
	// QueueManagement guards the graphics queue, the command pool and the
	// submission timeline.
	QueueManagement LockGroup = "queue_management"
	// PipelineManagement guards the lazily built pipeline caches of shaders.
	PipelineManagement LockGroup = "pipeline_management"
	// DescriptorManagement guards descriptor pool accounting.
	DescriptorManagement LockGroup = "descriptor_management"
)

// VulkanLockPool hands out one mutex per group of externally synchronised
// Vulkan objects.
type VulkanLockPool struct {
	mu    sync.Mutex
	locks map[LockGroup]*sync.Mutex
}

func NewVulkanLockPool() *VulkanLockPool {
	return &VulkanLockPool{locks: make(map[LockGroup]*sync.Mutex)}
}

func (vs *VulkanLockPool) lock(group LockGroup) *sync.Mutex {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	l, exists := vs.locks[group]
	if !exists {
		l = &sync.Mutex{}
		vs.locks[group] = l
	}
	return l
}

// SafeCall runs fn while holding the lock of group.
func (vs *VulkanLockPool) SafeCall(group LockGroup, fn func() error) error {
	l := vs.lock(group)
	l.Lock()
	defer l.Unlock()

	return fn()
}
