//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the testbed headless on the software backend for a few frames.
func (Run) Engine() error {
	fmt.Println("Run engine...")
	return goCmd("run", false, ".", "-frames", "240")
}

// Runs the testbed on Vulkan with a window.
func (Run) Vulkan() error {
	fmt.Println("Run engine on vulkan...")
	if err := requireGlslc(); err != nil {
		return err
	}
	return goCmd("run", true, ".", "-config", "configs/vulkan.toml")
}
