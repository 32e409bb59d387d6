//go:build vulkan

package vulkan

import (
	"fmt"

	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/math"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
)

/**
 * @brief Holds a Vulkan pipeline. The layout belongs to the shader.
 */
type VulkanPipeline struct {
	/** @brief The internal pipeline handle. */
	Handle    vk.Pipeline
	BindPoint vk.PipelineBindPoint
}

type pipelineKey struct {
	state device.PipelineState
	pass  string
}

/**
 * @brief A compiled shader: its stage modules, the descriptor set layout
 * derived from the binding slots and the pipelines built from it so far.
 */
type VulkanShader struct {
	backend        *Backend
	desc           device.ShaderDescription
	stages         []VulkanShaderStage
	SetLayout      vk.DescriptorSetLayout
	PipelineLayout vk.PipelineLayout
	hasProperties  bool
	// compute shaders have exactly one pipeline, built eagerly.
	compute   *VulkanPipeline
	pipelines map[pipelineKey]*VulkanPipeline
}

func descriptorType(kind device.SlotKind) vk.DescriptorType {
	switch kind {
	case device.SlotStorageBuffer:
		return vk.DescriptorTypeStorageBuffer
	case device.SlotUniformBuffer:
		return vk.DescriptorTypeUniformBuffer
	}
	return vk.DescriptorTypeCombinedImageSampler
}

func (b *Backend) CompileShader(desc device.ShaderDescription, sources device.ShaderSources) (device.Native, error) {
	s := &VulkanShader{
		backend:       b,
		desc:          desc,
		hasProperties: len(desc.Properties) > 0,
		pipelines:     map[pipelineKey]*VulkanPipeline{},
	}

	type stageSource struct {
		flag   vk.ShaderStageFlagBits
		source string
	}
	var stageSources []stageSource
	if desc.IsCompute() {
		stageSources = []stageSource{{vk.ShaderStageComputeBit, sources.Compute}}
	} else {
		stageSources = []stageSource{
			{vk.ShaderStageVertexBit, sources.Vertex},
			{vk.ShaderStageFragmentBit, sources.Fragment},
		}
	}
	for _, src := range stageSources {
		code, err := compileGLSL(b.opts.Compiler, desc.Label, src.flag, src.source)
		if err != nil {
			s.Destroy()
			return nil, err
		}
		stage, err := NewShaderModule(b.device, code, src.flag)
		if err != nil {
			s.Destroy()
			return nil, fmt.Errorf("shader %q: %w", desc.Label, err)
		}
		s.stages = append(s.stages, stage)
	}

	if err := s.createLayouts(); err != nil {
		s.Destroy()
		return nil, err
	}
	if desc.IsCompute() {
		p, err := s.createComputePipeline()
		if err != nil {
			s.Destroy()
			return nil, err
		}
		s.compute = p
	}
	b.logger.Debug("shader compiled", "shader", desc.Label, "stages", len(s.stages))
	return s, nil
}

func (s *VulkanShader) createLayouts() error {
	dev := s.backend.device.LogicalDevice
	stageFlags := vk.ShaderStageFlags(vk.ShaderStageAll)

	var bindings []vk.DescriptorSetLayoutBinding
	if s.hasProperties {
		bindings = append(bindings, vk.DescriptorSetLayoutBinding{
			Binding:         0,
			DescriptorType:  vk.DescriptorTypeUniformBufferDynamic,
			DescriptorCount: 1,
			StageFlags:      stageFlags,
		})
	}
	for i, slot := range s.desc.Bindings {
		bindings = append(bindings, vk.DescriptorSetLayoutBinding{
			Binding:         uint32(i + 1),
			DescriptorType:  descriptorType(slot.Kind),
			DescriptorCount: 1,
			StageFlags:      stageFlags,
		})
	}

	return s.backend.locks.SafeCall(PipelineManagement, func() error {
		layoutInfo := vk.DescriptorSetLayoutCreateInfo{
			SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
			BindingCount: uint32(len(bindings)),
			PBindings:    bindings,
		}
		if err := resultError("vkCreateDescriptorSetLayout", vk.CreateDescriptorSetLayout(dev, &layoutInfo, nil, &s.SetLayout)); err != nil {
			return fmt.Errorf("shader %q: %w", s.desc.Label, err)
		}
		pipelineLayoutCreateInfo := vk.PipelineLayoutCreateInfo{
			SType:          vk.StructureTypePipelineLayoutCreateInfo,
			SetLayoutCount: 1,
			PSetLayouts:    []vk.DescriptorSetLayout{s.SetLayout},
		}
		if err := resultError("vkCreatePipelineLayout", vk.CreatePipelineLayout(dev, &pipelineLayoutCreateInfo, nil, &s.PipelineLayout)); err != nil {
			return fmt.Errorf("shader %q: %w", s.desc.Label, err)
		}
		return nil
	})
}

func (s *VulkanShader) createComputePipeline() (*VulkanPipeline, error) {
	out := &VulkanPipeline{BindPoint: vk.PipelineBindPointCompute}
	pipelines := make([]vk.Pipeline, 1)
	err := s.backend.locks.SafeCall(PipelineManagement, func() error {
		createInfo := vk.ComputePipelineCreateInfo{
			SType:  vk.StructureTypeComputePipelineCreateInfo,
			Stage:  s.stages[0].ShaderStageCreateInfo,
			Layout: s.PipelineLayout,
		}
		return resultError("vkCreateComputePipelines", vk.CreateComputePipelines(s.backend.device.LogicalDevice, vk.NullPipelineCache, 1, []vk.ComputePipelineCreateInfo{createInfo}, nil, pipelines))
	})
	if err != nil {
		return nil, fmt.Errorf("shader %q: %w", s.desc.Label, err)
	}
	out.Handle = pipelines[0]
	return out, nil
}

// pipeline returns the graphics pipeline for state inside rp, building it on
// first use.
func (s *VulkanShader) pipeline(state device.PipelineState, rp *VulkanRenderpass) (*VulkanPipeline, error) {
	key := pipelineKey{state: state, pass: rp.Key}
	if p, ok := s.pipelines[key]; ok {
		return p, nil
	}
	p, err := s.createGraphicsPipeline(state, rp)
	if err != nil {
		return nil, err
	}
	s.pipelines[key] = p
	return p, nil
}

func blendFactor(f gputypes.BlendFactor) vk.BlendFactor {
	switch f {
	case gputypes.BlendFactorZero:
		return vk.BlendFactorZero
	case gputypes.BlendFactorSrc:
		return vk.BlendFactorSrcColor
	case gputypes.BlendFactorOneMinusSrc:
		return vk.BlendFactorOneMinusSrcColor
	case gputypes.BlendFactorSrcAlpha:
		return vk.BlendFactorSrcAlpha
	case gputypes.BlendFactorOneMinusSrcAlpha:
		return vk.BlendFactorOneMinusSrcAlpha
	case gputypes.BlendFactorDst:
		return vk.BlendFactorDstColor
	case gputypes.BlendFactorOneMinusDst:
		return vk.BlendFactorOneMinusDstColor
	case gputypes.BlendFactorDstAlpha:
		return vk.BlendFactorDstAlpha
	case gputypes.BlendFactorOneMinusDstAlpha:
		return vk.BlendFactorOneMinusDstAlpha
	}
	return vk.BlendFactorOne
}

func blendOp(op gputypes.BlendOperation) vk.BlendOp {
	switch op {
	case gputypes.BlendOperationSubtract:
		return vk.BlendOpSubtract
	case gputypes.BlendOperationReverseSubtract:
		return vk.BlendOpReverseSubtract
	case gputypes.BlendOperationMin:
		return vk.BlendOpMin
	case gputypes.BlendOperationMax:
		return vk.BlendOpMax
	}
	return vk.BlendOpAdd
}

func compareOp(f gputypes.CompareFunction) vk.CompareOp {
	switch f {
	case gputypes.CompareFunctionNever:
		return vk.CompareOpNever
	case gputypes.CompareFunctionLess:
		return vk.CompareOpLess
	case gputypes.CompareFunctionEqual:
		return vk.CompareOpEqual
	case gputypes.CompareFunctionGreater:
		return vk.CompareOpGreater
	case gputypes.CompareFunctionNotEqual:
		return vk.CompareOpNotEqual
	case gputypes.CompareFunctionGreaterEqual:
		return vk.CompareOpGreaterOrEqual
	case gputypes.CompareFunctionAlways:
		return vk.CompareOpAlways
	}
	return vk.CompareOpLessOrEqual
}

func cullMode(c gputypes.CullMode) vk.CullModeFlags {
	switch c {
	case gputypes.CullModeFront:
		return vk.CullModeFlags(vk.CullModeFrontBit)
	case gputypes.CullModeBack:
		return vk.CullModeFlags(vk.CullModeBackBit)
	}
	return vk.CullModeFlags(vk.CullModeNone)
}

// meshAttributes matches the interleaved math.Vertex3D layout.
var meshAttributes = []vk.VertexInputAttributeDescription{
	{Location: 0, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: 0},
	{Location: 1, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: 12},
	{Location: 2, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: 24},
	{Location: 3, Binding: 0, Format: vk.FormatR32g32b32a32Sfloat, Offset: 32},
}

func (s *VulkanShader) createGraphicsPipeline(state device.PipelineState, rp *VulkanRenderpass) (*VulkanPipeline, error) {
	outPipeline := &VulkanPipeline{BindPoint: vk.PipelineBindPointGraphics}

	// Viewport and scissor are dynamic.
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}

	rasterizerCreateInfo := vk.PipelineRasterizationStateCreateInfo{
		SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: vk.PolygonModeFill,
		LineWidth:   1.0,
		FrontFace:   vk.FrontFaceCounterClockwise,
		CullMode:    cullMode(state.Cull),
	}

	multisamplingCreateInfo := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:            vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:  vk.False,
		DepthWriteEnable: vk.False,
		DepthCompareOp:   compareOp(state.DepthCompare),
	}
	if rp.HasDepth && state.DepthTest {
		depthStencil.DepthTestEnable = vk.True
	}
	if rp.HasDepth && state.DepthWrite {
		// Writes need the test enabled; an always-pass compare keeps it inert.
		if !state.DepthTest {
			depthStencil.DepthTestEnable = vk.True
			depthStencil.DepthCompareOp = vk.CompareOpAlways
		}
		depthStencil.DepthWriteEnable = vk.True
	}

	replace := gputypes.BlendStateReplace()
	colorBlendAttachmentState := vk.PipelineColorBlendAttachmentState{
		BlendEnable:         vk.True,
		SrcColorBlendFactor: blendFactor(state.Blend.Color.SrcFactor),
		DstColorBlendFactor: blendFactor(state.Blend.Color.DstFactor),
		ColorBlendOp:        blendOp(state.Blend.Color.Operation),
		SrcAlphaBlendFactor: blendFactor(state.Blend.Alpha.SrcFactor),
		DstAlphaBlendFactor: blendFactor(state.Blend.Alpha.DstFactor),
		AlphaBlendOp:        blendOp(state.Blend.Alpha.Operation),
		ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit) | vk.ColorComponentFlags(vk.ColorComponentGBit) |
			vk.ColorComponentFlags(vk.ColorComponentBBit) | vk.ColorComponentFlags(vk.ColorComponentABit),
	}
	// Float32 targets are not blendable everywhere; replace needs no blending.
	if state.Blend == replace {
		colorBlendAttachmentState.BlendEnable = vk.False
	}
	attachments := make([]vk.PipelineColorBlendAttachmentState, rp.ColorCount)
	for i := range attachments {
		attachments[i] = colorBlendAttachmentState
	}
	colorBlendStateCreateInfo := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOpEnable:   vk.False,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
	}

	dynamicStates := []vk.DynamicState{
		vk.DynamicStateViewport,
		vk.DynamicStateScissor,
	}
	dynamicStateCreateInfo := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	vertexInputInfo := vk.PipelineVertexInputStateCreateInfo{
		SType: vk.StructureTypePipelineVertexInputStateCreateInfo,
	}
	if state.Vertex == device.VertexLayoutMesh {
		vertexInputInfo.VertexBindingDescriptionCount = 1
		vertexInputInfo.PVertexBindingDescriptions = []vk.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    math.Vertex3DSize,
			InputRate: vk.VertexInputRateVertex,
		}}
		vertexInputInfo.VertexAttributeDescriptionCount = uint32(len(meshAttributes))
		vertexInputInfo.PVertexAttributeDescriptions = meshAttributes
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               vk.PrimitiveTopologyTriangleList,
		PrimitiveRestartEnable: vk.False,
	}

	stages := make([]vk.PipelineShaderStageCreateInfo, len(s.stages))
	for i, stage := range s.stages {
		stages[i] = stage.ShaderStageCreateInfo
	}

	pipelineCreateInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInputInfo,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizerCreateInfo,
		PMultisampleState:   &multisamplingCreateInfo,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlendStateCreateInfo,
		PDynamicState:       &dynamicStateCreateInfo,
		Layout:              s.PipelineLayout,
		RenderPass:          rp.Handle,
		Subpass:             0,
		BasePipelineIndex:   -1,
	}

	pPipelines := make([]vk.Pipeline, 1)
	if err := s.backend.locks.SafeCall(PipelineManagement, func() error {
		return resultError("vkCreateGraphicsPipelines", vk.CreateGraphicsPipelines(
			s.backend.device.LogicalDevice,
			vk.NullPipelineCache,
			1,
			[]vk.GraphicsPipelineCreateInfo{pipelineCreateInfo},
			nil,
			pPipelines))
	}); err != nil {
		return nil, fmt.Errorf("shader %q: %w", s.desc.Label, err)
	}
	outPipeline.Handle = pPipelines[0]

	core.LogDebug("graphics pipeline created for shader %s", s.desc.Label)
	return outPipeline, nil
}

func (pipeline *VulkanPipeline) Destroy(dev *VulkanDevice) {
	if pipeline.Handle != nil {
		vk.DestroyPipeline(dev.LogicalDevice, pipeline.Handle, nil)
		pipeline.Handle = nil
	}
}

func (pipeline *VulkanPipeline) Bind(commandBuffer *VulkanCommandBuffer) {
	vk.CmdBindPipeline(commandBuffer.Handle, pipeline.BindPoint, pipeline.Handle)
}

func (s *VulkanShader) Destroy() {
	dev := s.backend.device
	_ = s.backend.locks.SafeCall(PipelineManagement, func() error {
		for key, p := range s.pipelines {
			p.Destroy(dev)
			delete(s.pipelines, key)
		}
		if s.compute != nil {
			s.compute.Destroy(dev)
			s.compute = nil
		}
		if s.PipelineLayout != nil {
			vk.DestroyPipelineLayout(dev.LogicalDevice, s.PipelineLayout, nil)
			s.PipelineLayout = nil
		}
		if s.SetLayout != nil {
			vk.DestroyDescriptorSetLayout(dev.LogicalDevice, s.SetLayout, nil)
			s.SetLayout = nil
		}
		return nil
	})
	for _, stage := range s.stages {
		vk.DestroyShaderModule(dev.LogicalDevice, stage.Handle, nil)
	}
	s.stages = nil
}
