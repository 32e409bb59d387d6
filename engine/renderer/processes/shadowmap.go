package processes

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/anima-deferred/engine/config"
	"github.com/spaghettifunk/anima-deferred/engine/containers"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/math"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
)

const shadowShader = "shadowmap.depth"

// ShadowSlot is one shadow map: a depth texture and the light rendered into it.
type ShadowSlot struct {
	Depth      *resource.Handle[*device.Texture]
	Target     *resource.Handle[*device.RenderTarget]
	LightSpace math.Mat4
	// Light is the scene index of the light, or -1 when the slot is unused.
	Light int
}

/**
 * @brief Renders the depth of shadow casting lights. The number of slots is
 * fixed at init; lights beyond it are ignored with a warning.
 */
type ShadowMap struct {
	base
	resolution uint32
	slots      *containers.FixedArray[*ShadowSlot]
	ignored    int
	drawn      int
}

func NewShadowMap() *ShadowMap {
	return &ShadowMap{}
}

func (s *ShadowMap) Type() Type { return TypeShadowMap }

// SlotCount returns the number of shadow map slots.
func (s *ShadowMap) SlotCount() int {
	if s.slots == nil {
		return 0
	}
	return s.slots.Len()
}

// Slot returns slot i. The handles are owned by the pass.
func (s *ShadowMap) Slot(i int) (*ShadowSlot, error) {
	if s.slots == nil {
		return nil, core.ErrNotInitialized
	}
	return s.slots.Get(i)
}

func (s *ShadowMap) init(ctx *Context) error {
	capacity := ctx.Config.Shadows.MaxAttachments
	if capacity < 0 || capacity > config.MaxShadowMapAttachments {
		return fmt.Errorf("%d shadow maps: %w", capacity, core.ErrCapacityExceeded)
	}
	s.resolution = ctx.Config.Shadows.Resolution
	s.slots = containers.NewFixedArray[*ShadowSlot](capacity)

	err := s.register(ctx, shadowShader, device.ShaderDescription{
		Vertex:   "shaders/shadow.vert",
		Fragment: "shaders/shadow.frag",
		Properties: []device.Property{
			{Name: "light_space", Size: 64},
			{Name: "model", Size: 64},
		},
	}, device.PipelineState{
		Blend:        gputypes.BlendStateReplace(),
		DepthTest:    true,
		DepthWrite:   true,
		DepthCompare: gputypes.CompareFunctionLess,
		Cull:         gputypes.CullModeFront,
		Vertex:       device.VertexLayoutMesh,
	})
	if err != nil {
		return err
	}
	for i := 0; i < capacity; i++ {
		if _, err := s.AddSlot(ctx); err != nil {
			return err
		}
	}
	return nil
}

/**
 * @brief Adds a shadow map slot.
 * @returns The index of the slot, or ErrCapacityExceeded when every slot is taken.
 */
func (s *ShadowMap) AddSlot(ctx *Context) (int, error) {
	if s.slots == nil {
		return 0, core.ErrNotInitialized
	}
	index := s.slots.Len()
	if index >= s.slots.Cap() {
		return 0, fmt.Errorf("shadow map slot %d: %w", index, core.ErrCapacityExceeded)
	}

	label := fmt.Sprintf("shadow_map_%d", index)
	depth, err := newTexture(ctx, label, s.resolution, s.resolution, gputypes.TextureFormatDepth32Float)
	if err != nil {
		return 0, err
	}
	rt, err := ctx.Device.CreateRenderTarget(device.RenderTargetDescription{
		Label:        label,
		DepthStencil: &device.Attachment{Texture: depth, Load: gputypes.LoadOpClear, ClearDepth: 1},
	})
	if err != nil {
		depth.Release()
		return 0, err
	}
	slot := &ShadowSlot{Depth: depth, Target: rt, LightSpace: math.NewMat4Identity(), Light: -1}
	if err := s.slots.Append(slot); err != nil {
		resource.ReleaseAll(rt, depth)
		return 0, err
	}
	return index, nil
}

func (s *ShadowMap) updateRenderData(ctx *Context) {
	scene := ctx.scene()
	casters, ignored := shadowCasters(scene.Lights, s.slots.Len())
	if ignored > 0 && ignored != s.ignored {
		s.log.Warn("shadow casting lights ignored", "ignored", ignored, "slots", s.slots.Len())
	}
	s.ignored = ignored

	focus := scene.camera().GetPosition()
	_ = s.slots.Each(func(i int, slot *ShadowSlot) error {
		if i < len(casters) {
			slot.Light = casters[i]
			slot.LightSpace = LightSpaceMatrix(scene.Lights[casters[i]], focus)
		} else {
			slot.Light = -1
		}
		return nil
	})
}

func (s *ShadowMap) debugDraw(ctx *Context) {
	if s.ignored > 0 {
		s.log.Debug("shadow slots saturated", "ignored", s.ignored)
	}
}

func (s *ShadowMap) draw(ctx *Context) error {
	scene := ctx.scene()
	s.drawn = 0
	// Every slot is cleared each frame, lit or not, so that lighting never
	// samples a stale map.
	return s.slots.Each(func(i int, slot *ShadowSlot) error {
		if err := ctx.Device.SetRenderTarget(slot.Target); err != nil {
			return err
		}
		if slot.Light < 0 {
			return nil
		}
		if err := s.bind(ctx, shadowShader); err != nil {
			return err
		}
		for _, mesh := range scene.Meshes {
			if mesh.Forward {
				continue
			}
			b := newBinder(ctx)
			b.matrix("light_space", slot.LightSpace)
			b.matrix("model", mesh.Model)
			if b.err != nil {
				return b.err
			}
			if err := drawMesh(ctx, mesh); err != nil {
				return err
			}
		}
		s.drawn++
		return nil
	})
}

func (s *ShadowMap) imguiDraw(ui DebugUI) {
	ui.Text("slots: %d/%d, lit: %d, ignored lights: %d", s.slots.Len(), s.slots.Cap(), s.drawn, s.ignored)
	_ = s.slots.Each(func(i int, slot *ShadowSlot) error {
		ui.Image(fmt.Sprintf("slot %d", i), slot.Depth)
		return nil
	})
}

func (s *ShadowMap) renderTarget(index int) *resource.Handle[*device.RenderTarget] {
	if s.slots == nil {
		return nil
	}
	slot, err := s.slots.Get(index)
	if err != nil {
		return nil
	}
	return slot.Target
}

func (s *ShadowMap) destroy() {
	if s.slots == nil {
		return
	}
	s.slots.Reverse(func(_ int, slot *ShadowSlot) {
		resource.ReleaseAll(slot.Target, slot.Depth)
	})
	s.slots.Clear()
}
