//go:build vulkan

package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/anima-deferred/engine/core"
)

var resultNames = map[vk.Result]string{
	vk.Success:                    "VK_SUCCESS",
	vk.NotReady:                   "VK_NOT_READY",
	vk.Timeout:                    "VK_TIMEOUT",
	vk.EventSet:                   "VK_EVENT_SET",
	vk.EventReset:                 "VK_EVENT_RESET",
	vk.Incomplete:                 "VK_INCOMPLETE",
	vk.ErrorOutOfHostMemory:       "VK_ERROR_OUT_OF_HOST_MEMORY",
	vk.ErrorOutOfDeviceMemory:     "VK_ERROR_OUT_OF_DEVICE_MEMORY",
	vk.ErrorInitializationFailed:  "VK_ERROR_INITIALIZATION_FAILED",
	vk.ErrorDeviceLost:            "VK_ERROR_DEVICE_LOST",
	vk.ErrorMemoryMapFailed:       "VK_ERROR_MEMORY_MAP_FAILED",
	vk.ErrorLayerNotPresent:       "VK_ERROR_LAYER_NOT_PRESENT",
	vk.ErrorExtensionNotPresent:   "VK_ERROR_EXTENSION_NOT_PRESENT",
	vk.ErrorFeatureNotPresent:     "VK_ERROR_FEATURE_NOT_PRESENT",
	vk.ErrorIncompatibleDriver:    "VK_ERROR_INCOMPATIBLE_DRIVER",
	vk.ErrorTooManyObjects:        "VK_ERROR_TOO_MANY_OBJECTS",
	vk.ErrorFormatNotSupported:    "VK_ERROR_FORMAT_NOT_SUPPORTED",
	vk.ErrorFragmentedPool:        "VK_ERROR_FRAGMENTED_POOL",
	vk.ErrorOutOfPoolMemory:       "VK_ERROR_OUT_OF_POOL_MEMORY",
	vk.ErrorInvalidExternalHandle: "VK_ERROR_INVALID_EXTERNAL_HANDLE",
	vk.ErrorFragmentation:         "VK_ERROR_FRAGMENTATION",
	vk.ErrorInvalidShaderNv:       "VK_ERROR_INVALID_SHADER_NV",
	vk.ErrorUnknown:               "VK_ERROR_UNKNOWN",
}

// VulkanResultString returns the name of result.
func VulkanResultString(result vk.Result) string {
	if name, ok := resultNames[result]; ok {
		return name
	}
	return fmt.Sprintf("VkResult(%d)", int32(result))
}

// VulkanResultIsSuccess reports whether result is one of the non error codes.
func VulkanResultIsSuccess(result vk.Result) bool {
	return result >= vk.Success
}

// resultError maps a failed call to the engine error taxonomy. Exhausted
// memory or pools is a creation failure, anything else is fatal to the device.
func resultError(op string, result vk.Result) error {
	if VulkanResultIsSuccess(result) {
		return nil
	}
	cause := core.ErrDeviceFailure
	switch result {
	case vk.ErrorOutOfHostMemory, vk.ErrorOutOfDeviceMemory, vk.ErrorOutOfPoolMemory,
		vk.ErrorFragmentedPool, vk.ErrorFragmentation, vk.ErrorTooManyObjects, vk.ErrorFormatNotSupported:
		cause = core.ErrResourceCreationFailure
	}
	return fmt.Errorf("%s failed with %s: %w", op, VulkanResultString(result), cause)
}

const end = "\x00"

// VulkanSafeString null terminates s for the C side.
func VulkanSafeString(s string) string {
	if len(s) == 0 || s[len(s)-1] != 0 {
		return s + end
	}
	return s
}

func VulkanSafeStrings(list []string) []string {
	out := make([]string, len(list))
	for i := range list {
		out[i] = VulkanSafeString(list[i])
	}
	return out
}

// cString converts a fixed size, null terminated name array.
func cString(arr []byte) string {
	for i, b := range arr {
		if b == 0 {
			return string(arr[:i])
		}
	}
	return string(arr)
}
