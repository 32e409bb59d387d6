package loaders

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"path"
	"strings"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageLoader decodes LDR images through the image package and the float
// formats (.pfm, .hdr) with the readers in this package.
type ImageLoader struct{}

func (il *ImageLoader) Load(fsys fs.FS, filePath string, params interface{}) (*Resource, error) {
	typedParams, _ := params.(*ImageResourceParams)
	if typedParams == nil {
		typedParams = &ImageResourceParams{}
	}

	raw, err := fs.ReadFile(fsys, filePath)
	if err != nil {
		return nil, err
	}

	var data *ImageResourceData
	switch strings.ToLower(path.Ext(filePath)) {
	case ".pfm":
		data, err = decodePFM(raw)
	case ".hdr":
		data, err = decodeRadiance(raw)
	default:
		data, err = decodeLDR(raw, typedParams)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	if typedParams.FlipY {
		flipRows(data)
	}

	return &Resource{
		Name:     path.Base(filePath),
		FullPath: filePath,
		DataSize: uint64(len(data.Pixels) * 4),
		Data:     data,
	}, nil
}

func (il *ImageLoader) Unload(*Resource) error {
	return nil
}

func decodeLDR(raw []byte, params *ImageResourceParams) (*ImageResourceData, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	if params.Width > 0 && params.Height > 0 {
		dst := image.NewNRGBA(image.Rect(0, 0, int(params.Width), int(params.Height)))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
		img, bounds = dst, dst.Bounds()
	}

	data := &ImageResourceData{
		ChannelCount: 4,
		Width:        uint32(bounds.Dx()),
		Height:       uint32(bounds.Dy()),
		Pixels:       make([]float32, bounds.Dx()*bounds.Dy()*4),
	}
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			// RGBA is alpha premultiplied; the texture wants straight alpha.
			r, g, b, a := img.At(x, y).RGBA()
			if a > 0 && a < 0xffff {
				r, g, b = r*0xffff/a, g*0xffff/a, b*0xffff/a
			}
			data.Pixels[i+0] = float32(r) / 0xffff
			data.Pixels[i+1] = float32(g) / 0xffff
			data.Pixels[i+2] = float32(b) / 0xffff
			data.Pixels[i+3] = float32(a) / 0xffff
			i += 4
		}
	}
	return data, nil
}

func flipRows(data *ImageResourceData) {
	stride := int(data.Width) * 4
	for top, bottom := 0, int(data.Height)-1; top < bottom; top, bottom = top+1, bottom-1 {
		a := data.Pixels[top*stride : (top+1)*stride]
		b := data.Pixels[bottom*stride : (bottom+1)*stride]
		for i := range a {
			a[i], b[i] = b[i], a[i]
		}
	}
}
