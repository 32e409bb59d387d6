package systems

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/anima-deferred/engine/assets/loaders"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
)

// ImageSource decodes images by logical path.
type ImageSource interface {
	LoadImage(path string, params *loaders.ImageResourceParams) (*loaders.ImageResourceData, error)
}

type DefaultTexture int

const (
	DefaultTextureWhite DefaultTexture = iota
	DefaultTextureBlack
	// DefaultTextureNormal is a flat tangent space normal.
	DefaultTextureNormal
	defaultTextureCount
)

var defaultTexels = [defaultTextureCount][4]float32{
	DefaultTextureWhite:  {1, 1, 1, 1},
	DefaultTextureBlack:  {0, 0, 0, 1},
	DefaultTextureNormal: {0.5, 0.5, 1, 1},
}

var defaultTextureNames = [defaultTextureCount]string{"default_white", "default_black", "default_normal"}

type TextureSystemConfig struct {
	/** @brief The maximum number of textures that can be loaded at once. */
	MaxTextureCount uint32
}

type TextureSystem struct {
	Config *TextureSystemConfig
	// Hashtable for texture lookups.
	registered map[string]*resource.Handle[*device.Texture]
	defaults   [defaultTextureCount]*resource.Handle[*device.Texture]
	mutex      sync.Mutex
	// sub systems
	images ImageSource
	device *device.Device
}

func NewTextureSystem(config *TextureSystemConfig, images ImageSource, dev *device.Device) (*TextureSystem, error) {
	if config.MaxTextureCount == 0 {
		err := fmt.Errorf("func NewTextureSystem - config.MaxTextureCount must be > 0")
		core.LogFatal(err.Error())
		return nil, err
	}

	ts := &TextureSystem{
		Config:     config,
		registered: make(map[string]*resource.Handle[*device.Texture]),
		images:     images,
		device:     dev,
	}

	// Create default textures for use in the system.
	for i, texel := range defaultTexels {
		tex, err := ts.create(defaultTextureNames[i], 1, 1, gputypes.TextureFormatRGBA8Unorm, texel[:])
		if err != nil {
			ts.Shutdown()
			return nil, err
		}
		ts.defaults[i] = tex
	}
	return ts, nil
}

func (ts *TextureSystem) create(name string, width, height uint32, format gputypes.TextureFormat, pixels []float32) (*resource.Handle[*device.Texture], error) {
	tex, err := ts.device.CreateTexture(device.TextureDescription{
		Label:  name,
		Width:  width,
		Height: height,
		Format: format,
	})
	if err != nil {
		return nil, err
	}
	if err := ts.device.WriteTexture(tex, device.Subresource{}, pixels); err != nil {
		tex.Release()
		return nil, err
	}
	return tex, nil
}

// Default returns one of the default textures. The handle is owned by the system.
func (ts *TextureSystem) Default(which DefaultTexture) *resource.Handle[*device.Texture] {
	if which < 0 || which >= defaultTextureCount {
		return nil
	}
	return ts.defaults[which]
}

/**
 * @brief Acquires the texture loaded from the image at name, loading it on
 * first use. HDR sources become RGBA32F textures, everything else RGBA8.
 * @returns A handle the caller owns and must release.
 */
func (ts *TextureSystem) Acquire(name string) (*resource.Handle[*device.Texture], error) {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	if tex, ok := ts.registered[name]; ok {
		if owned := tex.Retain(); owned != nil {
			return owned, nil
		}
		delete(ts.registered, name)
	}
	if uint32(len(ts.registered)) >= ts.Config.MaxTextureCount {
		return nil, fmt.Errorf("texture %q: %d textures loaded: %w", name, len(ts.registered), core.ErrCapacityExceeded)
	}
	if ts.images == nil {
		return nil, fmt.Errorf("texture %q: no image source", name)
	}

	img, err := ts.images.LoadImage(name, nil)
	if err != nil {
		return nil, fmt.Errorf("texture %q: %w", name, err)
	}
	format := gputypes.TextureFormatRGBA8Unorm
	if img.HDR {
		format = gputypes.TextureFormatRGBA32Float
	}
	tex, err := ts.create(name, img.Width, img.Height, format, img.Pixels)
	if err != nil {
		return nil, err
	}
	ts.registered[name] = tex
	core.LogDebug("texture %q loaded (%dx%d %s)", name, img.Width, img.Height, format)
	return tex.Retain(), nil
}

/**
 * @brief Drops the system's reference to the texture loaded from name. The
 * texture is destroyed once every acquirer released its handle too.
 */
func (ts *TextureSystem) Release(name string) {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	if tex, ok := ts.registered[name]; ok {
		tex.Release()
		delete(ts.registered, name)
	}
}

func (ts *TextureSystem) Shutdown() error {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	// Destroy all loaded textures.
	for name, tex := range ts.registered {
		tex.Release()
		delete(ts.registered, name)
	}
	for i, tex := range ts.defaults {
		tex.Release()
		ts.defaults[i] = nil
	}
	return nil
}
