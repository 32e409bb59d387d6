package assets

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-deferred/engine/assets/loaders"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	img.Set(1, 0, color.NRGBA{B: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func pfmBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("PF\n1 2\n-1.0\n")
	// Bottom row first.
	for _, v := range []float32{4, 5, 6, 1, 2, 3} {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}

func TestAssetManagerLoads(t *testing.T) {
	spirv := []byte{0x03, 0x02, 0x23, 0x07, 0, 0, 1, 0}
	fsys := fstest.MapFS{
		"shaders/mrt.frag":     {Data: []byte("#version 450\nvoid main() {}\n")},
		"shaders/mrt.frag.spv": {Data: spirv},
		"textures/albedo.png":  {Data: pngBytes(t)},
		"textures/sky.pfm":     {Data: pfmBytes()},
		"textures/hdr.hdr":     {Data: []byte("#?RADIANCE\nFORMAT=32-bit_rle_rgbe\n\n-Y 1 +X 1\n\x80\x40\x00\x81")},
		"readme.txt":           {Data: []byte("ignored")},
	}
	am, err := NewAssetManager(fsys)
	require.NoError(t, err)
	defer am.Shutdown()

	assert.True(t, am.Exists("shaders/mrt.frag"))
	assert.False(t, am.Exists("readme.txt"))

	src, err := am.ReadShader("shaders/mrt.frag")
	require.NoError(t, err)
	assert.Contains(t, string(src), "void main")

	words, err := am.ReadSPIRV("shaders/mrt.frag.spv")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x07230203, 0x00010000}, words)

	ldr, err := am.LoadImage("textures/albedo.png", nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ldr.Width)
	assert.False(t, ldr.HDR)
	assert.Equal(t, []float32{1, 0, 0, 1, 0, 0, 1, 1}, ldr.Pixels)

	resized, err := am.LoadImage("textures/albedo.png", &loaders.ImageResourceParams{Width: 4, Height: 4})
	require.NoError(t, err)
	assert.Equal(t, uint32(4), resized.Height)

	pfm, err := am.LoadImage("textures/sky.pfm", nil)
	require.NoError(t, err)
	assert.True(t, pfm.HDR)
	assert.Equal(t, []float32{1, 2, 3, 1, 4, 5, 6, 1}, pfm.Pixels)

	hdr, err := am.LoadImage("textures/hdr.hdr", nil)
	require.NoError(t, err)
	// 0x80 * 2^(0x81-136) = 128 / 128 = 1
	assert.Equal(t, []float32{1, 0.5, 0, 1}, hdr.Pixels)

	_, err = am.ReadShader("shaders/missing.frag")
	assert.Error(t, err)
}

func TestAssetManagerWatch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "shaders"), 0o755))
	file := filepath.Join(root, "shaders", "ssao.frag")
	require.NoError(t, os.WriteFile(file, []byte("void main() {}\n"), 0o644))

	am, err := NewAssetManagerFromDir(root)
	require.NoError(t, err)
	defer am.Shutdown()

	var mu sync.Mutex
	var changed []string
	am.OnChange(func(p string) {
		mu.Lock()
		defer mu.Unlock()
		changed = append(changed, p)
	})
	require.NoError(t, am.Watch())

	require.NoError(t, os.WriteFile(file, []byte("void main() { }\n"), 0o644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changed) > 0
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "shaders/ssao.frag", changed[0])
	mu.Unlock()

	src, err := am.ReadShader("shaders/ssao.frag")
	require.NoError(t, err)
	assert.Equal(t, "void main() { }\n", string(src))
}

func TestWatchNeedsDirectory(t *testing.T) {
	am, err := NewAssetManager(fstest.MapFS{})
	require.NoError(t, err)
	assert.Error(t, am.Watch())
}
