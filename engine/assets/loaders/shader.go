package loaders

import (
	"io/fs"
)

// ShaderLoader reads GLSL source text.
type ShaderLoader struct{}

func (sl *ShaderLoader) Load(fsys fs.FS, path string, params interface{}) (*Resource, error) {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, err
	}
	return &Resource{
		Name:     path,
		FullPath: path,
		DataSize: uint64(len(data)),
		Data:     data,
	}, nil
}

func (sl *ShaderLoader) Unload(*Resource) error {
	return nil
}
