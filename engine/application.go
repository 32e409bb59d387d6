package engine

import "github.com/spaghettifunk/anima-deferred/engine/config"

type ApplicationConfig struct {
	// Window starting position x axis, if applicable.
	StartPosX uint32
	// Window starting position y axis, if applicable.
	StartPosY uint32
	// The application name used in windowing, if applicable.
	Name string
	// ConfigPath is a TOML file loaded on top of the defaults. Ignored when
	// Config is set.
	ConfigPath string
	// Config is used as is when not nil.
	Config *config.Config
	// MaxFrames stops the loop after that many frames. Zero runs until the
	// window closes or the context is cancelled.
	MaxFrames uint64
}

// resolve returns the configuration the engine runs with.
func (a *ApplicationConfig) resolve() (*config.Config, error) {
	if a.Config != nil {
		return a.Config, a.Config.Validate()
	}
	if a.ConfigPath != "" {
		return config.Load(a.ConfigPath)
	}
	return config.DefaultConfig(), nil
}
