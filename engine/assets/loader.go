package assets

import (
	"io/fs"

	"github.com/spaghettifunk/anima-deferred/engine/assets/loaders"
)

type Loader interface {
	Load(fsys fs.FS, path string, params interface{}) (*loaders.Resource, error) // `interface{}` here allows loaders to return various asset types
	Unload(*loaders.Resource) error
}
