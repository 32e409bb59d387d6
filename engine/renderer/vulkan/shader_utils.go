//go:build vulkan

package vulkan

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os/exec"
	"strings"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/anima-deferred/engine/core"
)

const compileTimeout = 30 * time.Second

/**
 * @brief Represents a single shader stage.
 */
type VulkanShaderStage struct {
	/** @brief The internal shader module Handle. */
	Handle vk.ShaderModule
	/** @brief The pipeline shader stage creation info. */
	ShaderStageCreateInfo vk.PipelineShaderStageCreateInfo
}

var stageNames = map[vk.ShaderStageFlagBits]string{
	vk.ShaderStageVertexBit:   "vert",
	vk.ShaderStageFragmentBit: "frag",
	vk.ShaderStageComputeBit:  "comp",
}

// compileGLSL runs the external compiler over preprocessed source and returns
// SPIR-V words. Includes and macros are already expanded by the device.
func compileGLSL(compiler, label string, stage vk.ShaderStageFlagBits, source string) ([]uint32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), compileTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, compiler,
		"-fshader-stage="+stageNames[stage],
		"--target-env=vulkan1.1",
		"-o", "-",
		"-",
	)
	cmd.Stdin = strings.NewReader(source)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s stage: %v\n%s: %w", label, stageNames[stage], err, strings.TrimSpace(stderr.String()), core.ErrShaderCompileFailure)
	}

	code := stdout.Bytes()
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, fmt.Errorf("%s %s stage: compiler produced %d bytes: %w", label, stageNames[stage], len(code), core.ErrShaderCompileFailure)
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return words, nil
}

func NewShaderModule(dev *VulkanDevice, code []uint32, stage vk.ShaderStageFlagBits) (VulkanShaderStage, error) {
	var out VulkanShaderStage
	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code) * 4),
		PCode:    code,
	}
	if err := resultError("vkCreateShaderModule", vk.CreateShaderModule(dev.LogicalDevice, &createInfo, nil, &out.Handle)); err != nil {
		return out, err
	}
	out.ShaderStageCreateInfo = vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  stage,
		Module: out.Handle,
		PName:  VulkanSafeString("main"),
	}
	return out, nil
}
