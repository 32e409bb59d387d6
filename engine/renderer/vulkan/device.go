//go:build vulkan

package vulkan

import (
	"fmt"

	"github.com/charmbracelet/log"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/anima-deferred/engine/core"
)

type VulkanDevice struct {
	PhysicalDevice     vk.PhysicalDevice
	LogicalDevice      vk.Device
	GraphicsQueueIndex uint32
	GraphicsQueue      vk.Queue

	GraphicsCommandPool vk.CommandPool

	Properties vk.PhysicalDeviceProperties
	Features   vk.PhysicalDeviceFeatures
	Memory     vk.PhysicalDeviceMemoryProperties

	// DepthStencilFormat backs Depth24PlusStencil8 textures.
	DepthStencilFormat vk.Format
	Name               string
}

type physicalDeviceCandidate struct {
	device     vk.PhysicalDevice
	properties vk.PhysicalDeviceProperties
	queueIndex uint32
}

// DeviceCreate picks a physical device with a graphics queue, preferring
// discrete GPUs, and creates the logical device and its command pool.
func DeviceCreate(instance vk.Instance, logger *log.Logger) (*VulkanDevice, error) {
	candidate, err := SelectPhysicalDevice(instance, logger)
	if err != nil {
		return nil, err
	}
	dev := &VulkanDevice{
		PhysicalDevice:     candidate.device,
		GraphicsQueueIndex: candidate.queueIndex,
		Properties:         candidate.properties,
		Name:               cString(candidate.properties.DeviceName[:]),
	}
	vk.GetPhysicalDeviceFeatures(dev.PhysicalDevice, &dev.Features)
	dev.Features.Deref()
	vk.GetPhysicalDeviceMemoryProperties(dev.PhysicalDevice, &dev.Memory)
	dev.Memory.Deref()

	if !DeviceDetectDepthFormat(dev) {
		return nil, fmt.Errorf("device %s has no depth stencil format: %w", dev.Name, core.ErrDeviceFailure)
	}

	queueCreateInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: dev.GraphicsQueueIndex,
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}}

	var extensions []string
	if hasDeviceExtension(dev.PhysicalDevice, "VK_KHR_portability_subset") {
		logger.Info("Adding required extension 'VK_KHR_portability_subset'.")
		extensions = append(extensions, "VK_KHR_portability_subset")
	}

	deviceFeatures := vk.PhysicalDeviceFeatures{}
	deviceFeatures.SamplerAnisotropy = dev.Features.SamplerAnisotropy

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueCreateInfos)),
		PQueueCreateInfos:       queueCreateInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{deviceFeatures},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensions),
	}
	var logical vk.Device
	if err := resultError("vkCreateDevice", vk.CreateDevice(dev.PhysicalDevice, &deviceCreateInfo, nil, &logical)); err != nil {
		return nil, err
	}
	dev.LogicalDevice = logical
	logger.Info("Logical device created", "device", dev.Name)

	var queue vk.Queue
	vk.GetDeviceQueue(dev.LogicalDevice, dev.GraphicsQueueIndex, 0, &queue)
	dev.GraphicsQueue = queue

	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: dev.GraphicsQueueIndex,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	var pool vk.CommandPool
	if err := resultError("vkCreateCommandPool", vk.CreateCommandPool(dev.LogicalDevice, &poolCreateInfo, nil, &pool)); err != nil {
		vk.DestroyDevice(dev.LogicalDevice, nil)
		return nil, err
	}
	dev.GraphicsCommandPool = pool
	return dev, nil
}

func DeviceDestroy(dev *VulkanDevice) {
	if dev.GraphicsCommandPool != nil {
		vk.DestroyCommandPool(dev.LogicalDevice, dev.GraphicsCommandPool, nil)
		dev.GraphicsCommandPool = nil
	}
	if dev.LogicalDevice != nil {
		vk.DestroyDevice(dev.LogicalDevice, nil)
		dev.LogicalDevice = nil
	}
	// Physical devices are not destroyed.
	dev.PhysicalDevice = nil
	dev.GraphicsQueue = nil
}

// DeviceDetectDepthFormat picks the first depth stencil format the device can
// render to with optimal tiling.
func DeviceDetectDepthFormat(dev *VulkanDevice) bool {
	candidates := []vk.Format{
		vk.FormatD24UnormS8Uint,
		vk.FormatD32SfloatS8Uint,
	}
	flags := vk.FormatFeatureFlags(vk.FormatFeatureDepthStencilAttachmentBit | vk.FormatFeatureSampledImageBit)
	for _, format := range candidates {
		var properties vk.FormatProperties
		vk.GetPhysicalDeviceFormatProperties(dev.PhysicalDevice, format, &properties)
		properties.Deref()
		if properties.OptimalTilingFeatures&flags == flags {
			dev.DepthStencilFormat = format
			return true
		}
	}
	return false
}

func SelectPhysicalDevice(instance vk.Instance, logger *log.Logger) (physicalDeviceCandidate, error) {
	var count uint32
	if err := resultError("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(instance, &count, nil)); err != nil {
		return physicalDeviceCandidate{}, err
	}
	if count == 0 {
		return physicalDeviceCandidate{}, fmt.Errorf("no devices which support Vulkan were found: %w", core.ErrDeviceFailure)
	}
	devices := make([]vk.PhysicalDevice, count)
	if err := resultError("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(instance, &count, devices)); err != nil {
		return physicalDeviceCandidate{}, err
	}

	var best *physicalDeviceCandidate
	for _, pd := range devices {
		var properties vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(pd, &properties)
		properties.Deref()

		index, ok := graphicsQueueFamily(pd)
		if !ok {
			logger.Debug("device has no graphics queue, skipping", "device", cString(properties.DeviceName[:]))
			continue
		}
		c := physicalDeviceCandidate{device: pd, properties: properties, queueIndex: index}
		if best == nil || (properties.DeviceType == vk.PhysicalDeviceTypeDiscreteGpu && best.properties.DeviceType != vk.PhysicalDeviceTypeDiscreteGpu) {
			best = &c
		}
	}
	if best == nil {
		return physicalDeviceCandidate{}, fmt.Errorf("no physical devices were found which meet the requirements: %w", core.ErrDeviceFailure)
	}

	version := vk.Version(best.properties.ApiVersion)
	logger.Info("Selected device",
		"name", cString(best.properties.DeviceName[:]),
		"type", deviceTypeName(best.properties.DeviceType),
		"api", fmt.Sprintf("%d.%d.%d", version.Major(), version.Minor(), version.Patch()),
	)
	return *best, nil
}

func graphicsQueueFamily(pd vk.PhysicalDevice) (uint32, bool) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, families)
	for i := range families {
		families[i].Deref()
		if vk.QueueFlagBits(families[i].QueueFlags)&vk.QueueGraphicsBit != 0 {
			return uint32(i), true
		}
	}
	return 0, false
}

func hasDeviceExtension(pd vk.PhysicalDevice, name string) bool {
	var count uint32
	if res := vk.EnumerateDeviceExtensionProperties(pd, "", &count, nil); res != vk.Success || count == 0 {
		return false
	}
	available := make([]vk.ExtensionProperties, count)
	if res := vk.EnumerateDeviceExtensionProperties(pd, "", &count, available); res != vk.Success {
		return false
	}
	for i := range available {
		available[i].Deref()
		if cString(available[i].ExtensionName[:]) == name {
			return true
		}
	}
	return false
}

func deviceTypeName(t vk.PhysicalDeviceType) string {
	switch t {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return "integrated"
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return "discrete"
	case vk.PhysicalDeviceTypeVirtualGpu:
		return "virtual"
	case vk.PhysicalDeviceTypeCpu:
		return "cpu"
	}
	return "unknown"
}

// FindMemoryIndex returns the first memory type allowed by typeFilter that has
// every bit of propertyFlags.
func (dev *VulkanDevice) FindMemoryIndex(typeFilter uint32, propertyFlags vk.MemoryPropertyFlagBits) (uint32, bool) {
	want := vk.MemoryPropertyFlags(propertyFlags)
	for i := uint32(0); i < dev.Memory.MemoryTypeCount; i++ {
		dev.Memory.MemoryTypes[i].Deref()
		if typeFilter&(1<<i) != 0 && dev.Memory.MemoryTypes[i].PropertyFlags&want == want {
			return i, true
		}
	}
	return 0, false
}

// allocate binds fresh memory of the requested properties to reqs.
func (dev *VulkanDevice) allocate(label string, reqs vk.MemoryRequirements, props vk.MemoryPropertyFlagBits) (vk.DeviceMemory, error) {
	reqs.Deref()
	index, ok := dev.FindMemoryIndex(reqs.MemoryTypeBits, props)
	if !ok {
		return nil, fmt.Errorf("%s: no suitable memory type: %w", label, core.ErrResourceCreationFailure)
	}
	var memory vk.DeviceMemory
	err := resultError("vkAllocateMemory", vk.AllocateMemory(dev.LogicalDevice, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: index,
	}, nil, &memory))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	return memory, nil
}
