package systems

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/components"
)

/** @brief The camera system configuration. */
type CameraSystemConfig struct {
	/**
	 * @brief NOTE: The maximum number of cameras that can be managed by
	 * the system.
	 */
	MaxCameraCount uint16
}

type cameraReference struct {
	camera         *components.Camera
	referenceCount uint32
}

type CameraSystem struct {
	Config     *CameraSystemConfig
	registered map[string]*cameraReference
	mutex      sync.Mutex
	// A default, non-registered camera that always exists as a fallback.
	DefaultCamera *components.Camera
}

func NewCameraSystem(config *CameraSystemConfig) (*CameraSystem, error) {
	if config.MaxCameraCount == 0 {
		err := fmt.Errorf("func NewCameraSystem - config.MaxCameraCount must be > 0")
		core.LogError(err.Error())
		return nil, err
	}
	return &CameraSystem{
		Config:        config,
		registered:    make(map[string]*cameraReference, config.MaxCameraCount),
		DefaultCamera: components.NewCamera(),
	}, nil
}

func (cs *CameraSystem) Shutdown() error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	clear(cs.registered)
	return nil
}

/**
 * @brief Acquires a camera by name. If one is not found, a new one is
 * created and returned. Internal reference counter is incremented.
 *
 * @param name The name of the camera to acquire.
 * @return The camera, or ErrCapacityExceeded when no slot is left.
 */
func (cs *CameraSystem) Acquire(name string) (*components.Camera, error) {
	if name == components.DEFAULT_CAMERA_NAME {
		return cs.DefaultCamera, nil
	}
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	ref, ok := cs.registered[name]
	if !ok {
		if len(cs.registered) >= int(cs.Config.MaxCameraCount) {
			return nil, fmt.Errorf("camera %q: adjust camera system config to allow more: %w", name, core.ErrCapacityExceeded)
		}
		core.LogDebug("creating new camera named '%s'...", name)
		ref = &cameraReference{camera: components.NewCamera()}
		cs.registered[name] = ref
	}
	ref.referenceCount++
	return ref.camera, nil
}

/**
 * @brief Releases a camera with the given name. Internal reference
 * counter is decremented. If this reaches 0, the camera is reset,
 * and the name is usable by a new camera.
 */
func (cs *CameraSystem) Release(name string) {
	if name == components.DEFAULT_CAMERA_NAME {
		core.LogDebug("cannot release default camera, nothing was done")
		return
	}
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	ref, ok := cs.registered[name]
	if !ok {
		core.LogWarn("camera release failed lookup of %q, nothing was done", name)
		return
	}
	ref.referenceCount--
	if ref.referenceCount == 0 {
		ref.camera.Reset()
		delete(cs.registered, name)
	}
}

func (cs *CameraSystem) GetDefault() *components.Camera {
	return cs.DefaultCamera
}
