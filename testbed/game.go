package testbed

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/spaghettifunk/anima-deferred/engine"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/math"
	"github.com/spaghettifunk/anima-deferred/engine/renderer"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/components"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/processes"
	"github.com/spaghettifunk/anima-deferred/engine/systems"
)

const (
	orbitRadius     = 12
	worldCameraName = "world"
)

type TestGame struct {
	*engine.Game
}

type gameState struct {
	renderer    *renderer.Renderer
	worldCamera *components.Camera
	time        float32

	cube  *systems.Geometry
	floor *systems.Geometry

	environment *processes.Future
	irradiance  *processes.IrradianceResult
}

func NewTestGame(app *engine.ApplicationConfig) *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: app,
			State:             &gameState{},
		},
	}
	tg.FnBoot = tg.Boot
	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown
	return tg
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) Boot() error {
	core.LogInfo("booting testbed...")
	if g.ApplicationConfig.Name == "" {
		g.ApplicationConfig.Name = "Anima Deferred Testbed"
	}
	return nil
}

func (g *TestGame) Initialize(r *renderer.Renderer) error {
	state := g.state()
	state.renderer = r

	sm := r.Systems()
	camera, err := sm.CameraSystem.Acquire(worldCameraName)
	if err != nil {
		return err
	}
	state.worldCamera = camera
	state.cube, err = sm.GeometrySystem.AcquireFromConfig(systems.GenerateCubeConfig(2, 2, 2, "testbed_cube"), true)
	if err != nil {
		return err
	}
	state.floor, err = sm.GeometrySystem.AcquireFromConfig(systems.GeneratePlaneConfig(40, 40, 4, 4, 8, 8, "testbed_floor"), true)
	if err != nil {
		return err
	}

	state.worldCamera.SetPosition(math.NewVec3(0, 4, orbitRadius))
	state.worldCamera.SetEulerRotation(math.NewVec3(-0.3, 0, 0))

	if env := r.Config().Environment; env != "" {
		f, err := r.PushIrradiancePreprocess(processes.PreprocessIrradianceInfo{
			Path:           env,
			CubemapSize:    512,
			IrradianceSize: 32,
			SpecularSize:   128,
			UserData:       "testbed",
		})
		if err != nil {
			core.LogWarn("environment %s not queued: %v", env, err)
		} else {
			state.environment = f
		}
	}
	return nil
}

func (g *TestGame) Update(deltaTime float64) error {
	state := g.state()
	state.time += float32(deltaTime)

	// Orbit the scene, always looking at the origin.
	angle := state.time * 0.25
	state.worldCamera.SetPosition(math.NewVec3(math32.Sin(angle)*orbitRadius, 4, math32.Cos(angle)*orbitRadius))
	state.worldCamera.SetEulerRotation(math.NewVec3(-0.3, angle, 0))

	if state.environment != nil {
		result, ok, err := state.environment.Poll()
		if ok {
			state.environment = nil
			if err != nil {
				core.LogWarn("environment bake failed: %v", err)
			} else {
				state.irradiance = &result
				core.LogInfo("environment ready")
			}
		}
	}
	return nil
}

func (g *TestGame) Render(deltaTime float64) (*processes.Scene, error) {
	state := g.state()
	scene := &processes.Scene{
		Camera:      state.worldCamera,
		Environment: state.irradiance,
		Lights: []processes.Light{
			{
				Type:         processes.LightDirectional,
				Direction:    math.NewVec3(-0.4, -1, -0.3).Normalized(),
				Colour:       math.NewVec3One(),
				Intensity:    3,
				CastsShadows: true,
			},
			{
				Type:      processes.LightPoint,
				Position:  math.NewVec3(math32.Cos(state.time)*4, 2, math32.Sin(state.time)*4),
				Colour:    math.NewVec3(1, 0.6, 0.2),
				Intensity: 20,
				Range:     10,
			},
		},
	}

	scene.Meshes = append(scene.Meshes, processes.Mesh{
		Name:       "floor",
		Vertices:   state.floor.Vertices,
		Indices:    state.floor.Indices,
		IndexCount: state.floor.IndexCount,
		Model:      math.NewMat4Translation(math.NewVec3(0, -1, 0)),
		Material: processes.Material{
			BaseColour: math.NewVec4(0.8, 0.8, 0.8, 1),
			Roughness:  0.9,
		},
	})
	for i := 0; i < 3; i++ {
		offset := float32(i-1) * 4
		spin := math.NewMat4EulerY(state.time * float32(i+1) * 0.5)
		scene.Meshes = append(scene.Meshes, processes.Mesh{
			Name:       fmt.Sprintf("cube_%d", i),
			Vertices:   state.cube.Vertices,
			Indices:    state.cube.Indices,
			IndexCount: state.cube.IndexCount,
			Model:      spin.Mul(math.NewMat4Translation(math.NewVec3(offset, 0, 0))),
			Material: processes.Material{
				BaseColour: math.NewVec4(0.9, 0.2+0.3*float32(i), 0.2, 1),
				Metallic:   float32(i) * 0.5,
				Roughness:  0.3,
			},
		})
	}
	// One glass cube goes through the forward pass.
	scene.Meshes = append(scene.Meshes, processes.Mesh{
		Name:       "glass",
		Vertices:   state.cube.Vertices,
		Indices:    state.cube.Indices,
		IndexCount: state.cube.IndexCount,
		Model:      math.NewMat4Translation(math.NewVec3(0, 2.5, 0)),
		Material: processes.Material{
			BaseColour: math.NewVec4(0.3, 0.6, 1, 0.4),
			Roughness:  0.05,
		},
		Forward: true,
	})
	return scene, nil
}

func (g *TestGame) OnResize(width uint32, height uint32) error {
	core.LogDebug("testbed resized to %dx%d", width, height)
	return nil
}

func (g *TestGame) Shutdown() error {
	state := g.state()
	if state.irradiance != nil {
		state.irradiance.Release()
		state.irradiance = nil
	}
	// A bake still in flight resolves into handles nobody will release.
	if state.environment != nil && state.renderer != nil {
		if result, ok, err := state.environment.Poll(); ok && err == nil {
			result.Release()
		}
	}
	if state.renderer != nil {
		sm := state.renderer.Systems()
		sm.GeometrySystem.Release("testbed_cube")
		sm.GeometrySystem.Release("testbed_floor")
		sm.CameraSystem.Release(worldCameraName)
	}
	return nil
}
