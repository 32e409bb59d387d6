//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs every test on the software backend.
func (Test) Unit() error {
	return goCmd("test", false, "-race", "./...")
}

// Runs the Vulkan backend tests. They skip without a Vulkan device and need
// glslc on the PATH to compile shaders.
func (Test) Vulkan() error {
	if err := requireGlslc(); err != nil {
		return err
	}
	return goCmd("test", true, "./engine/...")
}
