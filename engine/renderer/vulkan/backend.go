//go:build vulkan

// Package vulkan implements the device backend on Vulkan through
// github.com/goki/vulkan. It renders offscreen: there is no surface or
// swapchain, the renderer presents by reading textures back.
package vulkan

import (
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/charmbracelet/log"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
)

type Options struct {
	AppName string
	// Debug enables the Khronos validation layer and the debug report callback.
	Debug bool
	// Compiler is the GLSL to SPIR-V compiler binary. Defaults to glslc.
	Compiler string
	// MaxBindingSets bounds live binding sets. Zero is unlimited.
	MaxBindingSets int
	// ProcAddr is vkGetInstanceProcAddr from a windowing library. When nil
	// the system loader is opened directly.
	ProcAddr unsafe.Pointer
	// Extensions are extra instance extensions, usually the ones the window
	// system asks for.
	Extensions []string
	Logger     *log.Logger
}

type Backend struct {
	opts   Options
	logger *log.Logger
	locks  *VulkanLockPool

	instance vk.Instance
	debug    vk.DebugReportCallback
	device   *VulkanDevice

	timeline    *timeline
	bindingSets int
}

var _ device.Backend = (*Backend)(nil)

// New loads the Vulkan loader and creates an instance and a logical device
// with one graphics queue.
func New(opts Options) (*Backend, error) {
	if opts.AppName == "" {
		opts.AppName = "anima"
	}
	if opts.Compiler == "" {
		opts.Compiler = "glslc"
	}
	b := &Backend{
		opts:   opts,
		logger: opts.Logger,
		locks:  NewVulkanLockPool(),
	}
	if b.logger == nil {
		b.logger = core.Logger().With("backend", "vulkan")
	}

	if opts.ProcAddr != nil {
		vk.SetGetInstanceProcAddr(opts.ProcAddr)
	} else if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return nil, fmt.Errorf("vulkan loader: %v: %w", err, core.ErrDeviceFailure)
	}
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("vulkan init: %v: %w", err, core.ErrDeviceFailure)
	}

	if err := b.createInstance(); err != nil {
		return nil, err
	}
	dev, err := DeviceCreate(b.instance, b.logger)
	if err != nil {
		b.destroyInstance()
		return nil, err
	}
	b.device = dev
	b.timeline = newTimeline(dev)
	return b, nil
}

func (b *Backend) Name() string {
	return "vulkan"
}

func (b *Backend) createInstance() error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(b.opts.AppName),
		PEngineName:        VulkanSafeString("Anima Engine"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	extensions := append([]string(nil), b.opts.Extensions...)
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}

	var layers []string
	if b.opts.Debug {
		extensions = append(extensions, vk.ExtDebugReportExtensionName)
		layers = []string{"VK_LAYER_KHRONOS_validation"}
		if err := requireLayers(layers); err != nil {
			return err
		}
		b.logger.Debug("validation layers enabled", "layers", layers)
	}

	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(layers)

	if err := resultError("vkCreateInstance", vk.CreateInstance(&createInfo, nil, &b.instance)); err != nil {
		return err
	}
	if err := vk.InitInstance(b.instance); err != nil {
		vk.DestroyInstance(b.instance, nil)
		return fmt.Errorf("vulkan instance: %v: %w", err, core.ErrDeviceFailure)
	}
	b.logger.Info("Vulkan instance created")

	if b.opts.Debug {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if err := resultError("vkCreateDebugReportCallback", vk.CreateDebugReportCallback(b.instance, &debugCreateInfo, nil, &dbg)); err != nil {
			b.logger.Warn("debug report callback unavailable", "err", err)
		} else {
			b.debug = dbg
		}
	}
	return nil
}

func requireLayers(required []string) error {
	var count uint32
	if err := resultError("vkEnumerateInstanceLayerProperties", vk.EnumerateInstanceLayerProperties(&count, nil)); err != nil {
		return err
	}
	available := make([]vk.LayerProperties, count)
	if err := resultError("vkEnumerateInstanceLayerProperties", vk.EnumerateInstanceLayerProperties(&count, available)); err != nil {
		return err
	}
	for _, name := range required {
		found := false
		for i := range available {
			available[i].Deref()
			if cString(available[i].LayerName[:]) == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("required validation layer %s is missing: %w", name, core.ErrDeviceFailure)
		}
	}
	return nil
}

func (b *Backend) destroyInstance() {
	if b.debug != nil {
		vk.DestroyDebugReportCallback(b.instance, b.debug, nil)
		b.debug = nil
	}
	if b.instance != nil {
		vk.DestroyInstance(b.instance, nil)
		b.instance = nil
	}
}

func (b *Backend) Submit(cl device.CommandList) (uint64, error) {
	list, ok := cl.(*commandList)
	if !ok || list.backend != b {
		return 0, fmt.Errorf("foreign command list %T: %w", cl, core.ErrInvalidHandleUse)
	}
	if err := list.err; err != nil {
		list.free()
		return 0, fmt.Errorf("recording failed: %v: %w", err, core.ErrDeviceFailure)
	}
	if err := list.buffer.End(); err != nil {
		list.free()
		return 0, err
	}
	var value uint64
	err := b.locks.SafeCall(QueueManagement, func() error {
		var err error
		value, err = b.timeline.submit(list.buffer)
		return err
	})
	return value, err
}

func (b *Backend) CompletedValue() uint64 {
	var value uint64
	_ = b.locks.SafeCall(QueueManagement, func() error {
		value = b.timeline.retire()
		return nil
	})
	return value
}

func (b *Backend) Wait(value uint64, timeout time.Duration) error {
	return b.locks.SafeCall(QueueManagement, func() error {
		return b.timeline.wait(value, timeout)
	})
}

func (b *Backend) WaitIdle() error {
	return b.locks.SafeCall(QueueManagement, func() error {
		return b.timeline.waitIdle()
	})
}

// Destroy waits for the GPU and tears the device and the instance down. Every
// native created by the backend must be destroyed first.
func (b *Backend) Destroy() {
	if b.device == nil {
		return
	}
	if err := b.WaitIdle(); err != nil {
		b.logger.Error("wait idle on destroy", "err", err)
	}
	b.timeline.destroy()
	DeviceDestroy(b.device)
	b.device = nil
	b.destroyInstance()
	b.logger.Info("Vulkan backend destroyed")
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("[%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("[%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE [%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
