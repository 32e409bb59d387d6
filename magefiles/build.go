//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Builds the testbed with the software backend only.
func (Build) Engine() error {
	return goCmd("build", false, "-o", "bin/anima", ".")
}

// Builds the testbed with the Vulkan backend. Needs cgo and the Vulkan loader.
func (Build) Vulkan() error {
	return goCmd("build", true, "-o", "bin/anima-vulkan", ".")
}

// Builds both flavours.
func (Build) All() {
	mg.SerialDeps(Build.Engine, Build.Vulkan)
}
