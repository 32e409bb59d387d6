//go:build !vulkan

package engine

import (
	"fmt"

	"github.com/spaghettifunk/anima-deferred/engine/config"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/platform"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
)

func newVulkanBackend(name string, cfg *config.Config, p *platform.Platform) (device.Backend, error) {
	return nil, fmt.Errorf("%s: binary built without the vulkan tag: %w", name, core.ErrDeviceFailure)
}
