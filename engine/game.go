package engine

import (
	"github.com/spaghettifunk/anima-deferred/engine/renderer"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/processes"
)

type Game struct {
	ApplicationConfig *ApplicationConfig
	State             interface{}
	FnBoot            Boot
	FnInitialize      Initialize
	FnUpdate          Update
	FnRender          Render
	FnOnResize        OnResize
	FnShutdown        Shutdown
}

// Boot runs before any subsystem exists. It may still change the
// application config.
type Boot func() error

// Initialize runs once the renderer is ready. Resources the game creates on
// it must be released in Shutdown.
type Initialize func(r *renderer.Renderer) error
type Update func(deltaTime float64) error

// Render returns the scene to draw this frame. A nil scene draws nothing.
type Render func(deltaTime float64) (*processes.Scene, error)
type OnResize func(width uint32, height uint32) error
type Shutdown func() error
