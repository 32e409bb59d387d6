package platform

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/spaghettifunk/anima-deferred/engine/core"
)

func init() {
	// GLFW event handling must run on the main OS thread
	runtime.LockOSThread()
}

/**
 * @brief The OS window. It feeds input and resize events to the engine and
 * provides the Vulkan loader entry point; frames are not presented into it.
 */
type Platform struct {
	Window *glfw.Window
	events *core.EventSystem
	width  uint32
	height uint32
}

func New(events *core.EventSystem) *Platform {
	return &Platform{events: events}
}

func (p *Platform) Startup(applicationName string, x, y, width, height uint32, visible bool) error {
	if err := glfw.Init(); err != nil {
		return fmt.Errorf("failed to initialize glfw: %w", err)
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI) // Required for Vulkan.

	window, err := glfw.CreateWindow(int(width), int(height), applicationName, nil, nil)
	if err != nil {
		glfw.Terminate()
		return fmt.Errorf("failed to create window: %w", err)
	}
	p.Window = window
	p.width, p.height = width, height

	p.Window.SetKeyCallback(p.keyCallback)
	p.Window.SetFramebufferSizeCallback(p.framebufferSizeCallback)
	p.Window.SetPos(int(x), int(y))
	if visible {
		p.Window.Show()
	}
	core.LogDebug("window %q created (%dx%d)", applicationName, width, height)
	return nil
}

func (p *Platform) Shutdown() error {
	if p.Window != nil {
		p.Window.Destroy()
		p.Window = nil
	}
	glfw.Terminate()
	return nil
}

// PumpMessages processes pending window events. It returns false once the
// window was asked to close.
func (p *Platform) PumpMessages() bool {
	if p.Window == nil {
		return true
	}
	glfw.PollEvents()
	return !p.Window.ShouldClose()
}

// VulkanSupported reports whether glfw found a Vulkan loader.
func (p *Platform) VulkanSupported() bool {
	return glfw.VulkanSupported()
}

// VulkanProcAddr is vkGetInstanceProcAddr as resolved by glfw.
func (p *Platform) VulkanProcAddr() unsafe.Pointer {
	return glfw.GetVulkanGetInstanceProcAddress()
}

func (p *Platform) RequiredInstanceExtensions() []string {
	if p.Window == nil {
		return nil
	}
	return p.Window.GetRequiredInstanceExtensions()
}

func (p *Platform) GetAbsoluteTime() float64 {
	return glfw.GetTime()
}

func (p *Platform) keyCallback(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
	if key == glfw.KeyEscape && action == glfw.Press {
		p.events.Fire(core.EVENT_CODE_APPLICATION_QUIT, p, core.EventContext{})
	}
}

func (p *Platform) framebufferSizeCallback(w *glfw.Window, width, height int) {
	// Minimised windows report 0x0; keep the last real size.
	if width <= 0 || height <= 0 {
		return
	}
	if uint32(width) == p.width && uint32(height) == p.height {
		return
	}
	p.width, p.height = uint32(width), uint32(height)
	var ctx core.EventContext
	ctx.Data.U32[0] = p.width
	ctx.Data.U32[1] = p.height
	p.events.Fire(core.EVENT_CODE_RESIZED, p, ctx)
}
