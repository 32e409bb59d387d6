package loaders

type ResourceType int

const (
	ResourceTypeNone ResourceType = iota
	ResourceTypeShader
	ResourceTypeBinary
	ResourceTypeImage
)

func (t ResourceType) String() string {
	switch t {
	case ResourceTypeShader:
		return "shader"
	case ResourceTypeBinary:
		return "binary"
	case ResourceTypeImage:
		return "image"
	}
	return "none"
}

type Resource struct {
	Name     string
	FullPath string
	DataSize uint64
	Data     interface{}
}

/** @brief Parameters used when loading an image. */
type ImageResourceParams struct {
	/** @brief Indicates if the image should be flipped on the y-axis when loaded. */
	FlipY bool
	/** @brief When non-zero, LDR images are resampled to this size. */
	Width  uint32
	Height uint32
}

// ImageResourceData holds decoded texels as RGBA floats, rows top to bottom.
type ImageResourceData struct {
	ChannelCount uint8
	Width        uint32
	Height       uint32
	// HDR is set for float sources whose values are linear and unbounded.
	HDR    bool
	Pixels []float32
}
