// Package processes holds the render passes of the deferred pipeline. Every
// pass is a variant of the closed Process type and is driven through the
// dispatch functions of this package, in the order of Type.
package processes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/spaghettifunk/anima-deferred/engine/config"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/memory"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
	"github.com/spaghettifunk/anima-deferred/engine/systems"
)

// Type identifies a render process. The declared order is the order the
// processes initialise and draw in.
type Type int

const (
	TypePreprocess Type = iota
	TypeGBuffer
	TypeShadowMap
	TypeSSAO
	TypeDeferredLighting
	TypeForward
	TypeCount
)

var typeNames = [TypeCount]string{"preprocess", "gbuffer", "shadowmap", "ssao", "lighting", "forward"}

func (t Type) String() string {
	if t < 0 || t >= TypeCount {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType returns the type named s, as used in the configuration.
func ParseType(s string) (Type, error) {
	for i, name := range typeNames {
		if strings.EqualFold(s, name) {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, core.ErrUnknownProcess)
}

// State is the lifecycle stage of a process.
type State uint8

const (
	StateUninitialized State = iota
	StateInitialized
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Process is one render pass. The set of variants is closed: *Preprocess,
// *GBuffer, *ShadowMap, *SSAO, *Lighting and *Forward.
type Process interface {
	Type() Type
	State() State
	lifecycle() *base
}

// New returns an uninitialised process of type t.
func New(t Type) (Process, error) {
	switch t {
	case TypePreprocess:
		return NewPreprocess(), nil
	case TypeGBuffer:
		return NewGBuffer(), nil
	case TypeShadowMap:
		return NewShadowMap(), nil
	case TypeSSAO:
		return NewSSAO(), nil
	case TypeDeferredLighting:
		return NewLighting(), nil
	case TypeForward:
		return NewForward(), nil
	}
	return nil, fmt.Errorf("%s: %w", t, core.ErrUnknownProcess)
}

// FrameStats counts the work a process recorded for one frame slot.
type FrameStats struct {
	Frame        uint64
	RenderPasses uint32
	Draws        uint32
}

type base struct {
	state   State
	log     *log.Logger
	shaders []string
	frames  []FrameStats
}

func (b *base) lifecycle() *base { return b }

func (b *base) State() State { return b.state }

// Stats returns the counters recorded for frame slot.
func (b *base) Stats(slot int) FrameStats {
	if slot < 0 || slot >= len(b.frames) {
		return FrameStats{}
	}
	return b.frames[slot]
}

func (b *base) register(ctx *Context, name string, desc device.ShaderDescription, state device.PipelineState) error {
	if err := ctx.Shaders.Register(name, desc, state); err != nil {
		return err
	}
	b.shaders = append(b.shaders, name)
	return nil
}

func (b *base) unregister(ctx *Context) {
	for _, name := range b.shaders {
		ctx.Shaders.Unregister(name)
	}
	b.shaders = nil
}

// bind binds a registered shader. A shader the library no longer holds is
// reported as a compile failure so that the pass is skipped for the frame.
func (b *base) bind(ctx *Context, name string) error {
	if _, err := ctx.Shaders.Shader(name); err != nil {
		return fmt.Errorf("%s has no valid pipeline: %v: %w", name, err, core.ErrShaderCompileFailure)
	}
	return ctx.Shaders.Bind(name)
}

// Lookup gives a process read access to the render targets of the processes
// drawn before it.
type Lookup interface {
	RenderTarget(t Type, index int) (*resource.Handle[*device.RenderTarget], error)
}

// Context carries everything a process needs for one call. It replaces any
// global renderer state.
type Context struct {
	Device   *device.Device
	Memory   *memory.ShaderMemoryPool
	Bindings *memory.BindingCache
	Shaders  *systems.ShaderSystem
	Textures *systems.TextureSystem
	Config   *config.Config
	Frame    *FrameContext
	Scene    *Scene
	Lookup   Lookup
	Events   *core.EventSystem
	Logger   *log.Logger
}

func (ctx *Context) logger() *log.Logger {
	if ctx.Logger != nil {
		return ctx.Logger
	}
	return core.Logger()
}

func (ctx *Context) scene() *Scene {
	if ctx.Scene != nil {
		return ctx.Scene
	}
	return &Scene{}
}

// FrameContext is one slot of the frames in flight ring.
type FrameContext struct {
	Slot  int
	Index uint64
	// Submitted is the timeline value of the slot's last submission.
	Submitted uint64
	deferred  []resource.Releaser
}

// Defer releases rs once the slot's current submission retired.
func (f *FrameContext) Defer(rs ...resource.Releaser) {
	f.deferred = append(f.deferred, rs...)
}

// Flush releases every deferred reference. Callers must have waited on the
// slot's fence.
func (f *FrameContext) Flush() int {
	n := len(f.deferred)
	resource.ReleaseAll(f.deferred...)
	clear(f.deferred)
	f.deferred = f.deferred[:0]
	return n
}

// DebugUI is the immediate mode debug interface ImGuiDraw renders through.
type DebugUI interface {
	Begin(title string) bool
	End()
	Text(format string, args ...any)
	SliderFloat(label string, value *float32, min, max float32) bool
	Combo(label string, current *int, items []string) bool
	Image(label string, texture *resource.Handle[*device.Texture])
}

func ready(p Process) (*base, error) {
	if p == nil {
		return nil, fmt.Errorf("nil process: %w", core.ErrUnknownProcess)
	}
	b := p.lifecycle()
	if b.state != StateInitialized {
		return nil, fmt.Errorf("%s is %s: %w", p.Type(), b.state, core.ErrNotInitialized)
	}
	return b, nil
}

/**
 * @brief Initialises p: compiles its shaders and creates its render targets.
 * A failed init releases whatever the process created.
 */
func Init(p Process, ctx *Context) error {
	if p == nil {
		return fmt.Errorf("nil process: %w", core.ErrUnknownProcess)
	}
	b := p.lifecycle()
	if b.state != StateUninitialized {
		return fmt.Errorf("init %s: process is %s", p.Type(), b.state)
	}
	b.log = ctx.logger().With("process", p.Type().String())

	var err error
	switch p := p.(type) {
	case *Preprocess:
		err = p.init(ctx)
	case *GBuffer:
		err = p.init(ctx)
	case *ShadowMap:
		err = p.init(ctx)
	case *SSAO:
		err = p.init(ctx)
	case *Lighting:
		err = p.init(ctx)
	case *Forward:
		err = p.init(ctx)
	default:
		return fmt.Errorf("%T: %w", p, core.ErrUnknownProcess)
	}
	if err != nil {
		release(p, ctx)
		b.unregister(ctx)
		return fmt.Errorf("init %s: %w", p.Type(), err)
	}
	b.state = StateInitialized
	b.log.Debug("initialized")
	return nil
}

// InitFrameData prepares the per frame data of slot.
func InitFrameData(p Process, ctx *Context, slot int) error {
	b, err := ready(p)
	if err != nil {
		return err
	}
	if slot < 0 || slot >= config.MaxFramesInFlight {
		return fmt.Errorf("frame slot %d: %w", slot, core.ErrCapacityExceeded)
	}
	for len(b.frames) <= slot {
		b.frames = append(b.frames, FrameStats{})
	}
	b.frames[slot] = FrameStats{}
	return nil
}

// UpdateRenderData copies the scene state a process needs for this frame.
func UpdateRenderData(p Process, ctx *Context) error {
	if _, err := ready(p); err != nil {
		return err
	}
	switch p := p.(type) {
	case *ShadowMap:
		p.updateRenderData(ctx)
	case *Lighting:
		p.updateRenderData(ctx)
	case *Preprocess, *GBuffer, *SSAO, *Forward:
	default:
		return fmt.Errorf("%T: %w", p, core.ErrUnknownProcess)
	}
	return nil
}

// DebugDraw prepares debug visualisations. It never records GPU work.
func DebugDraw(p Process, ctx *Context) error {
	if _, err := ready(p); err != nil {
		return err
	}
	switch p := p.(type) {
	case *Lighting:
		p.debugDraw(ctx)
	case *ShadowMap:
		p.debugDraw(ctx)
	case *Preprocess, *GBuffer, *SSAO, *Forward:
	default:
		return fmt.Errorf("%T: %w", p, core.ErrUnknownProcess)
	}
	return nil
}

/**
 * @brief Records the GPU work of p for the current frame. A pass whose
 * shader is not available is skipped for the frame and logged.
 */
func Draw(p Process, ctx *Context) error {
	b, err := ready(p)
	if err != nil {
		return err
	}
	before := ctx.Device.Stats()

	switch p := p.(type) {
	case *Preprocess:
		err = p.draw(ctx)
	case *GBuffer:
		err = p.draw(ctx)
	case *ShadowMap:
		err = p.draw(ctx)
	case *SSAO:
		err = p.draw(ctx)
	case *Lighting:
		err = p.draw(ctx)
	case *Forward:
		err = p.draw(ctx)
	default:
		return fmt.Errorf("%T: %w", p, core.ErrUnknownProcess)
	}
	if errors.Is(err, core.ErrShaderCompileFailure) {
		b.log.Warn("pass skipped", "err", err)
		err = nil
	}

	if ctx.Frame != nil && ctx.Frame.Slot < len(b.frames) {
		after := ctx.Device.Stats()
		b.frames[ctx.Frame.Slot] = FrameStats{
			Frame:        ctx.Frame.Index,
			RenderPasses: after.RenderPasses - before.RenderPasses,
			Draws:        after.Draws - before.Draws,
		}
	}
	if err != nil {
		return fmt.Errorf("draw %s: %w", p.Type(), err)
	}
	return nil
}

// ImGuiDraw renders the debug panel of p.
func ImGuiDraw(p Process, ui DebugUI) error {
	b, err := ready(p)
	if err != nil {
		return err
	}
	if ui == nil || !ui.Begin(p.Type().String()) {
		return nil
	}
	defer ui.End()
	for slot, s := range b.frames {
		ui.Text("slot %d: frame %d, %d passes, %d draws", slot, s.Frame, s.RenderPasses, s.Draws)
	}

	switch p := p.(type) {
	case *Preprocess:
		ui.Text("queued requests: %d", p.QueueLen())
	case *GBuffer:
		ui.Image("albedo", p.Texture(GBufferAlbedo))
		ui.Image("normal", p.Texture(GBufferNormal))
	case *ShadowMap:
		p.imguiDraw(ui)
	case *SSAO:
		p.imguiDraw(ui)
	case *Lighting:
		p.imguiDraw(ui)
	case *Forward:
		ui.Text("forward meshes: %d", p.drawn)
	default:
		return fmt.Errorf("%T: %w", p, core.ErrUnknownProcess)
	}
	return nil
}

func release(p Process, ctx *Context) {
	switch p := p.(type) {
	case *Preprocess:
		p.destroy(ctx)
	case *GBuffer:
		p.destroy()
	case *ShadowMap:
		p.destroy()
	case *SSAO:
		p.destroy()
	case *Lighting:
		p.destroy()
	case *Forward:
		p.destroy()
	}
}

/**
 * @brief Releases every resource p owns. The GPU must be idle. Destroying an
 * uninitialised or destroyed process does nothing.
 */
func Destroy(p Process, ctx *Context) error {
	if p == nil {
		return fmt.Errorf("nil process: %w", core.ErrUnknownProcess)
	}
	b := p.lifecycle()
	if b.state != StateInitialized {
		return nil
	}
	release(p, ctx)
	b.unregister(ctx)
	b.state = StateDestroyed
	b.log.Debug("destroyed")
	return nil
}

/**
 * @brief Returns render target index of p. The handle is not retained: it
 * stays valid until the process is resized or destroyed.
 */
func GetRenderTarget(p Process, index int) (*resource.Handle[*device.RenderTarget], error) {
	if _, err := ready(p); err != nil {
		return nil, err
	}
	var rt *resource.Handle[*device.RenderTarget]
	switch p := p.(type) {
	case *Preprocess:
		rt = p.renderTarget(index)
	case *GBuffer:
		rt = p.renderTarget(index)
	case *ShadowMap:
		rt = p.renderTarget(index)
	case *SSAO:
		rt = p.renderTarget(index)
	case *Lighting:
		rt = p.renderTarget(index)
	case *Forward:
		rt = p.renderTarget(index)
	default:
		return nil, fmt.Errorf("%T: %w", p, core.ErrUnknownProcess)
	}
	if rt == nil {
		return nil, fmt.Errorf("%s has no render target %d: %w", p.Type(), index, core.ErrCapacityExceeded)
	}
	return rt, nil
}

// Resize recreates the screen sized targets of p. The GPU must be idle.
func Resize(p Process, ctx *Context, width, height uint32) error {
	if _, err := ready(p); err != nil {
		return err
	}
	if width == 0 || height == 0 {
		return fmt.Errorf("resize %s to %dx%d: %w", p.Type(), width, height, core.ErrResourceCreationFailure)
	}
	var err error
	switch p := p.(type) {
	case *GBuffer:
		err = p.resize(ctx, width, height)
	case *SSAO:
		err = p.resize(ctx, width, height)
	case *Lighting:
		err = p.resize(ctx, width, height)
	case *Forward:
		err = p.resize(ctx, width, height)
	case *Preprocess, *ShadowMap:
	default:
		return fmt.Errorf("%T: %w", p, core.ErrUnknownProcess)
	}
	if err != nil {
		return fmt.Errorf("resize %s: %w", p.Type(), err)
	}
	return nil
}

// Reload is called after the shader library was rebuilt.
func Reload(p Process, ctx *Context) error {
	if _, err := ready(p); err != nil {
		return err
	}
	switch p := p.(type) {
	case *Preprocess:
		p.reload()
	case *GBuffer, *ShadowMap, *SSAO, *Lighting, *Forward:
	default:
		return fmt.Errorf("%T: %w", p, core.ErrUnknownProcess)
	}
	return nil
}
