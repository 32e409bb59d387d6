package engine

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/spaghettifunk/anima-deferred/engine/assets"
	"github.com/spaghettifunk/anima-deferred/engine/config"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/platform"
	"github.com/spaghettifunk/anima-deferred/engine/renderer"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
	// Engine released everything it owned
	EngineStageShutdown
)

// metricsInterval is how many frames pass between two frame time reports.
const metricsInterval = 120

var shaderExtensions = map[string]bool{
	".vert": true,
	".frag": true,
	".comp": true,
	".glsl": true,
}

type Engine struct {
	currentStage Stage
	gameInstance *Game
	isRunning    bool

	config       *config.Config
	events       *core.EventSystem
	platform     *platform.Platform
	assetManager *assets.AssetManager
	device       *device.Device
	renderer     *renderer.Renderer

	clock    *core.Clock
	lastTime float64
}

func New(g *Game) (*Engine, error) {
	if g == nil || g.ApplicationConfig == nil {
		return nil, fmt.Errorf("game and application config are required")
	}
	if g.FnUpdate == nil || g.FnRender == nil {
		return nil, fmt.Errorf("game %q must provide update and render", g.ApplicationConfig.Name)
	}
	return &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		events:       core.NewEventSystem(),
		clock:        core.NewClock(),
	}, nil
}

/**
 * @brief Boots the game and brings up every subsystem in dependency order:
 * configuration, events, window, assets, backend, device and renderer.
 * On failure whatever was already created is torn down again.
 */
func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageUninitialized {
		return fmt.Errorf("engine already initialized")
	}
	e.currentStage = EngineStageBooting
	if e.gameInstance.FnBoot != nil {
		if err := e.gameInstance.FnBoot(); err != nil {
			return fmt.Errorf("game boot: %w", err)
		}
	}
	appConfig := e.gameInstance.ApplicationConfig
	cfg, err := appConfig.resolve()
	if err != nil {
		return err
	}
	e.config = cfg
	if err := core.SetLogLevel(cfg.LogLevel); err != nil {
		core.LogWarn("unknown log level %q, keeping the current one", cfg.LogLevel)
	}
	e.currentStage = EngineStageBootComplete

	e.currentStage = EngineStageInitializing
	if err := e.initialize(appConfig, cfg); err != nil {
		core.LogError("initialization failed: %v", err)
		_ = e.Shutdown()
		return err
	}
	e.currentStage = EngineStageInitialized
	core.LogInfo("engine initialized (backend %s, %dx%d)", e.device.BackendName(), cfg.Width, cfg.Height)
	return nil
}

func (e *Engine) initialize(appConfig *ApplicationConfig, cfg *config.Config) error {
	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	e.events.Register(core.EVENT_CODE_RESIZED, e, e.onResized)
	e.events.Register(core.EVENT_CODE_PREPROCESS_COMPLETED, e, e.onEvent)

	if cfg.Window {
		e.platform = platform.New(e.events)
		if err := e.platform.Startup(appConfig.Name, appConfig.StartPosX, appConfig.StartPosY, cfg.Width, cfg.Height, true); err != nil {
			e.platform = nil
			return err
		}
	}

	am, err := assets.NewAssetManagerFromDir(cfg.AssetRoot)
	if err != nil {
		return err
	}
	e.assetManager = am
	if cfg.WatchShaders {
		am.OnChange(e.onAssetChanged)
		if err := am.Watch(); err != nil {
			return err
		}
	}

	backend, err := newBackend(appConfig.Name, cfg, e.platform)
	if err != nil {
		return err
	}
	e.device = device.New(backend, resource.NewTracker(), am)

	r, err := renderer.New(cfg, e.device,
		renderer.WithImageSource(am),
		renderer.WithEvents(e.events),
		renderer.WithLogger(core.Logger().With("component", "renderer")),
	)
	if err != nil {
		return err
	}
	e.renderer = r
	if err := r.Init(); err != nil {
		return err
	}

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(r); err != nil {
			return fmt.Errorf("game initialize: %w", err)
		}
	}
	return nil
}

/**
 * @brief Runs the frame loop until the window closes, the game quits, ctx is
 * cancelled or MaxFrames frames were drawn.
 * A frame slot that is still busy is skipped and retried on the next
 * iteration; any other error stops the loop and is returned.
 */
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("engine not initialized: %w", core.ErrNotInitialized)
	}
	e.currentStage = EngineStageRunning
	e.isRunning = true

	maxFrames := e.gameInstance.ApplicationConfig.MaxFrames
	e.clock.Start()
	e.lastTime = 0

	for e.isRunning {
		select {
		case <-ctx.Done():
			core.LogInfo("run cancelled: %v", context.Cause(ctx))
			e.isRunning = false
			continue
		default:
		}

		if e.platform != nil && !e.platform.PumpMessages() {
			e.isRunning = false
			break
		}

		// Update clock and get delta time.
		e.clock.Update()
		currentTime := e.clock.ElapsedSeconds()
		delta := currentTime - e.lastTime

		if err := e.gameInstance.FnUpdate(delta); err != nil {
			core.LogFatal("game update failed, shutting down")
			return fmt.Errorf("game update: %w", err)
		}

		// Call the game's render routine.
		scene, err := e.gameInstance.FnRender(delta)
		if err != nil {
			core.LogFatal("game render failed, shutting down")
			return fmt.Errorf("game render: %w", err)
		}

		if err := e.renderer.Draw(scene); err != nil {
			if !errors.Is(err, core.ErrFenceTimeout) {
				return err
			}
			core.LogWarn("frame skipped: %v", err)
		}
		e.lastTime = currentTime

		frame := e.renderer.FrameIndex()
		if frame%metricsInterval == 0 {
			fps, ms := e.renderer.Metrics().Frame()
			core.LogDebug("frame %d: %.1f fps, %.3f ms", frame, fps, ms)
		}
		if maxFrames > 0 && frame >= maxFrames {
			e.isRunning = false
		}
	}
	e.currentStage = EngineStageInitialized
	return nil
}

// Shutdown releases everything in reverse creation order. It is safe to call
// more than once and after a failed Initialize.
func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShutdown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown
	e.isRunning = false

	var errs []error
	if e.device != nil {
		// Game resources may still be in use by frames in flight.
		if err := e.device.WaitIdle(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.renderer != nil && e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil {
			errs = append(errs, fmt.Errorf("game shutdown: %w", err))
		}
	}
	if e.renderer != nil {
		if err := e.renderer.Destroy(); err != nil {
			errs = append(errs, err)
		}
		e.renderer = nil
	}
	if e.device != nil {
		e.device.Destroy()
		e.device = nil
	}
	if e.assetManager != nil {
		if err := e.assetManager.Shutdown(); err != nil {
			errs = append(errs, err)
		}
		e.assetManager = nil
	}
	if e.platform != nil {
		if err := e.platform.Shutdown(); err != nil {
			errs = append(errs, err)
		}
		e.platform = nil
	}
	e.events.Shutdown()

	e.currentStage = EngineStageShutdown
	core.LogInfo("engine shut down")
	return errors.Join(errs...)
}

// Renderer is nil before Initialize.
func (e *Engine) Renderer() *renderer.Renderer {
	return e.renderer
}

func (e *Engine) Events() *core.EventSystem {
	return e.events
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) onAssetChanged(p string) {
	if !shaderExtensions[path.Ext(p)] {
		return
	}
	var ctx core.EventContext
	ctx.Data.C[0] = p
	e.events.Fire(core.EVENT_CODE_SHADER_SOURCE_CHANGED, e.assetManager, ctx)
}

func (e *Engine) onEvent(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down")
		e.isRunning = false
		return true
	case core.EVENT_CODE_PREPROCESS_COMPLETED:
		core.LogDebug("irradiance preprocess %s completed", data.Data.C[0])
	}
	return false
}

func (e *Engine) onResized(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
	width, height := data.Data.U32[0], data.Data.U32[1]
	core.LogDebug("window resize: %d, %d", width, height)
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(width, height); err != nil {
			core.LogError("game resize: %v", err)
		}
	}
	// Not handled so the renderer still sees it.
	return false
}
