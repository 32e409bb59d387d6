package engine

import (
	"fmt"

	"github.com/spaghettifunk/anima-deferred/engine/config"
	"github.com/spaghettifunk/anima-deferred/engine/platform"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/software"
)

// newBackend builds the device backend the configuration asks for. p is nil
// for headless runs.
func newBackend(name string, cfg *config.Config, p *platform.Platform) (device.Backend, error) {
	switch cfg.Backend {
	case config.BackendSoftware:
		return software.New(software.Options{
			// Trail like a GPU would so the frame ring actually waits.
			Latency: uint64(cfg.FramesInFlight - 1),
		}), nil
	case config.BackendVulkan:
		return newVulkanBackend(name, cfg, p)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
