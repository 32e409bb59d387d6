// Package assets resolves logical asset paths ("shaders/mrt.frag") against an
// asset root and optionally watches it for changes.
package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/anima-deferred/engine/assets/loaders"
	"github.com/spaghettifunk/anima-deferred/engine/core"
)

type AssetInfo struct {
	Path       string
	Type       loaders.ResourceType
	LastLoaded time.Time
}

type AssetManager struct {
	fsys fs.FS
	// root is the directory behind fsys, empty when fsys is not on disk.
	root string

	assets      map[string]AssetInfo
	loaders     map[loaders.ResourceType]Loader
	subscribers []func(path string)

	mutex sync.RWMutex

	done     chan struct{}
	wg       sync.WaitGroup
	fsnotify *fsnotify.Watcher
	isClosed bool
}

// NewAssetManager serves assets from fsys.
func NewAssetManager(fsys fs.FS) (*AssetManager, error) {
	am := &AssetManager{
		fsys:    fsys,
		assets:  make(map[string]AssetInfo),
		loaders: make(map[loaders.ResourceType]Loader),
		done:    make(chan struct{}),
	}

	// Register loaders
	am.registerLoader(loaders.ResourceTypeShader, &loaders.ShaderLoader{})
	am.registerLoader(loaders.ResourceTypeBinary, &loaders.BinaryLoader{})
	am.registerLoader(loaders.ResourceTypeImage, &loaders.ImageLoader{})

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			am.handleFileEvent(p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index assets: %w", err)
	}
	return am, nil
}

// NewAssetManagerFromDir serves assets from the directory root and allows Watch.
func NewAssetManagerFromDir(root string) (*AssetManager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	am, err := NewAssetManager(os.DirFS(abs))
	if err != nil {
		return nil, err
	}
	am.root = abs
	return am, nil
}

// Register loaders for each asset type
func (am *AssetManager) registerLoader(assetType loaders.ResourceType, loader Loader) {
	am.loaders[assetType] = loader
}

// OnChange registers fn to be called with the logical path of every watched
// asset that is created or modified. fn runs on the watcher goroutine.
func (am *AssetManager) OnChange(fn func(path string)) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.subscribers = append(am.subscribers, fn)
}

// Load an asset using the appropriate loader
func (am *AssetManager) LoadAsset(filename string, resourceType loaders.ResourceType, params interface{}) (*loaders.Resource, error) {
	am.mutex.Lock()
	asset, exists := am.assets[filename]
	if exists {
		// Update the loaded time
		asset.LastLoaded = time.Now()
		am.assets[filename] = asset
	}
	loader, loaderExists := am.loaders[resourceType]
	am.mutex.Unlock()

	if !exists {
		// Files added after indexing are picked up lazily when not watched.
		if _, err := fs.Stat(am.fsys, filename); err != nil {
			return nil, fmt.Errorf("asset not found: %s", filename)
		}
		am.handleFileEvent(filename)
	}
	if !loaderExists {
		return nil, fmt.Errorf("no loader registered for asset type: %s", resourceType)
	}
	return loader.Load(am.fsys, filename, params)
}

func (am *AssetManager) UnloadAsset(resourceType loaders.ResourceType, asset *loaders.Resource) error {
	am.mutex.RLock()
	loader, ok := am.loaders[resourceType]
	am.mutex.RUnlock()
	if !ok {
		return fmt.Errorf("no loader registered for asset type: %s", resourceType)
	}
	return loader.Unload(asset)
}

// ReadShader returns the source text of a shader. It reads the file on every
// call so that hot reloads see the latest version.
func (am *AssetManager) ReadShader(p string) ([]byte, error) {
	res, err := am.LoadAsset(p, loaders.ResourceTypeShader, nil)
	if err != nil {
		return nil, err
	}
	return res.Data.([]byte), nil
}

// ReadSPIRV returns a precompiled SPIR-V module.
func (am *AssetManager) ReadSPIRV(p string) ([]uint32, error) {
	res, err := am.LoadAsset(p, loaders.ResourceTypeBinary, nil)
	if err != nil {
		return nil, err
	}
	return res.Data.([]uint32), nil
}

// LoadImage decodes an image into RGBA floats.
func (am *AssetManager) LoadImage(p string, params *loaders.ImageResourceParams) (*loaders.ImageResourceData, error) {
	res, err := am.LoadAsset(p, loaders.ResourceTypeImage, params)
	if err != nil {
		return nil, err
	}
	return res.Data.(*loaders.ImageResourceData), nil
}

// Exists reports whether p is a known asset.
func (am *AssetManager) Exists(p string) bool {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	_, ok := am.assets[p]
	return ok
}

// Watch starts watching the asset root and all its sub-directories.
func (am *AssetManager) Watch() error {
	if am.root == "" {
		return errors.New("assets are not served from a directory")
	}
	if am.isClosed {
		return errors.New("asset manager already shut down")
	}
	if am.fsnotify != nil {
		return nil
	}
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	am.fsnotify = fsWatch
	if err := am.watchRecursive(am.root); err != nil {
		return err
	}
	am.wg.Add(1)
	go am.start()
	return nil
}

func (am *AssetManager) start() {
	defer am.wg.Done()
	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			s, err := os.Stat(e.Name)
			if err == nil && s != nil && s.IsDir() {
				if e.Op&fsnotify.Create != 0 {
					if err := am.watchRecursive(e.Name); err != nil {
						core.LogWarn("unable to watch %s: %s", e.Name, err)
					}
				}
				continue
			}
			logical, ok := am.logicalPath(e.Name)
			if !ok {
				continue
			}
			// Handle create or modify events
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				am.handleFileEvent(logical)
				am.notify(logical)
			}
			if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				am.removeAsset(logical)
			}

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError(err.Error())

		case <-am.done:
			return
		}
	}
}

func (am *AssetManager) notify(logical string) {
	am.mutex.RLock()
	subscribers := append([]func(string){}, am.subscribers...)
	am.mutex.RUnlock()
	for _, fn := range subscribers {
		fn(logical)
	}
}

func (am *AssetManager) logicalPath(name string) (string, bool) {
	rel, err := filepath.Rel(am.root, name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// watchRecursive adds all directories under the given one to the watch list.
func (am *AssetManager) watchRecursive(dir string) error {
	return filepath.WalkDir(dir, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return am.fsnotify.Add(walkPath)
		}
		if logical, ok := am.logicalPath(walkPath); ok {
			am.handleFileEvent(logical)
		}
		return nil
	})
}

// Handle the creation or modification of a file
func (am *AssetManager) handleFileEvent(p string) {
	assetType := determineAssetType(p)
	if assetType == loaders.ResourceTypeNone {
		return
	}

	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.assets[p] = AssetInfo{
		Path:       p,
		Type:       assetType,
		LastLoaded: time.Now(),
	}
}

// Remove the asset from the index if it was deleted
func (am *AssetManager) removeAsset(p string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	delete(am.assets, p)
}

func (am *AssetManager) Shutdown() error {
	if am.isClosed {
		return nil
	}
	am.isClosed = true
	close(am.done)
	var err error
	if am.fsnotify != nil {
		err = am.fsnotify.Close()
	}
	am.wg.Wait()
	return err
}

func determineAssetType(p string) loaders.ResourceType {
	switch strings.ToLower(path.Ext(p)) {
	case ".vert", ".frag", ".comp", ".glsl":
		return loaders.ResourceTypeShader
	case ".spv":
		return loaders.ResourceTypeBinary
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp", ".pfm", ".hdr":
		return loaders.ResourceTypeImage
	default:
		return loaders.ResourceTypeNone
	}
}
