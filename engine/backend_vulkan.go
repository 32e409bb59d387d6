//go:build vulkan

package engine

import (
	"github.com/spaghettifunk/anima-deferred/engine/config"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/platform"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/vulkan"
)

func newVulkanBackend(name string, cfg *config.Config, p *platform.Platform) (device.Backend, error) {
	opts := vulkan.Options{
		AppName: name,
		Debug:   cfg.Debug,
		Logger:  core.Logger().With("backend", "vulkan"),
	}
	if p != nil && p.VulkanSupported() {
		opts.ProcAddr = p.VulkanProcAddr()
		opts.Extensions = p.RequiredInstanceExtensions()
	}
	return vulkan.New(opts)
}
