package loaders

import (
	"fmt"
	"io/fs"
)

// BinaryLoader reads precompiled SPIR-V modules as 32-bit words.
type BinaryLoader struct{}

func (bl *BinaryLoader) Load(fsys fs.FS, path string, params interface{}) (*Resource, error) {
	buf, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("%s: %d bytes is not a whole number of words", path, len(buf))
	}

	res := BytesToBytecode(buf)

	return &Resource{
		Name:     path,
		FullPath: path,
		DataSize: uint64(len(res)),
		Data:     res,
	}, nil
}

func (bl *BinaryLoader) Unload(*Resource) error {
	return nil
}

// BytesToBytecode packs little endian bytes into SPIR-V words.
func BytesToBytecode(b []byte) []uint32 {
	byteCode := make([]uint32, len(b)/4)
	for i := 0; i < len(byteCode); i++ {
		byteIndex := i * 4
		byteCode[i] = 0
		byteCode[i] |= uint32(b[byteIndex])
		byteCode[i] |= uint32(b[byteIndex+1]) << 8
		byteCode[i] |= uint32(b[byteIndex+2]) << 16
		byteCode[i] |= uint32(b[byteIndex+3]) << 24
	}

	return byteCode
}
