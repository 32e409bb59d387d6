package systems

import (
	"runtime"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
)

type SystemManagerConfig struct {
	Workers          int
	MaxShaderCount   uint16
	MaxTextureCount  uint32
	MaxCameraCount   uint16
	MaxGeometryCount uint32
}

func DefaultSystemManagerConfig() SystemManagerConfig {
	return SystemManagerConfig{
		Workers:          max(runtime.NumCPU()/2, 1),
		MaxShaderCount:   256,
		MaxTextureCount:  1024,
		MaxCameraCount:   61,
		MaxGeometryCount: 4096,
	}
}

type SystemManager struct {
	JobSystem      *JobSystem
	ShaderSystem   *ShaderSystem
	TextureSystem  *TextureSystem
	CameraSystem   *CameraSystem
	GeometrySystem *GeometrySystem
}

func NewSystemManager(config SystemManagerConfig, dev *device.Device, images ImageSource) (*SystemManager, error) {
	sm := &SystemManager{}
	var err error
	sm.JobSystem, err = NewJobSystem(config.Workers, config.Workers*4)
	if err != nil {
		return nil, err
	}
	sm.ShaderSystem, err = NewShaderSystem(&ShaderSystemConfig{
		MaxShaderCount: config.MaxShaderCount,
	}, sm.JobSystem, dev)
	if err != nil {
		sm.Shutdown()
		return nil, err
	}
	sm.TextureSystem, err = NewTextureSystem(&TextureSystemConfig{
		MaxTextureCount: config.MaxTextureCount,
	}, images, dev)
	if err != nil {
		sm.Shutdown()
		return nil, err
	}
	sm.CameraSystem, err = NewCameraSystem(&CameraSystemConfig{
		MaxCameraCount: config.MaxCameraCount,
	})
	if err != nil {
		sm.Shutdown()
		return nil, err
	}
	sm.GeometrySystem, err = NewGeometrySystem(&GeometrySystemConfig{
		MaxGeometryCount: config.MaxGeometryCount,
	}, dev)
	if err != nil {
		sm.Shutdown()
		return nil, err
	}
	return sm, nil
}

// Shutdown stops the systems in reverse creation order. Systems that were
// never created are skipped.
func (sm *SystemManager) Shutdown() error {
	if sm.GeometrySystem != nil {
		if err := sm.GeometrySystem.Shutdown(); err != nil {
			return err
		}
	}
	if sm.CameraSystem != nil {
		if err := sm.CameraSystem.Shutdown(); err != nil {
			return err
		}
	}
	if sm.TextureSystem != nil {
		if err := sm.TextureSystem.Shutdown(); err != nil {
			return err
		}
	}
	if sm.ShaderSystem != nil {
		if err := sm.ShaderSystem.Shutdown(); err != nil {
			return err
		}
	}
	if sm.JobSystem != nil {
		if err := sm.JobSystem.Shutdown(); err != nil {
			return err
		}
	}
	core.LogDebug("systems shut down")
	return nil
}
