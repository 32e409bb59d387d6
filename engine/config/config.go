// Package config holds the renderer configuration, loaded from TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const (
	// MaxFramesInFlight bounds the frame context ring.
	MaxFramesInFlight = 3
	// MaxShadowMapAttachments bounds the shadow map slots a light set can use.
	MaxShadowMapAttachments = 8
	// MaxBloomMips bounds the bloom mip chain.
	MaxBloomMips = 8
)

type Backend string

const (
	BackendSoftware Backend = "software"
	BackendVulkan   Backend = "vulkan"
)

type SSAOMode string

const (
	SSAOBlur     SSAOMode = "blur"
	SSAONoBlur   SSAOMode = "noblur"
	SSAODisabled SSAOMode = "disabled"
)

type Config struct {
	// Backend selects the device implementation. Default is software.
	Backend Backend `toml:"backend"`
	Width   uint32  `toml:"width"`
	Height  uint32  `toml:"height"`
	// FramesInFlight is the size of the frame context ring. Default is 2.
	FramesInFlight int `toml:"frames_in_flight"`
	// FenceTimeoutMS bounds the wait on a frame slot fence. Default is 1000.
	FenceTimeoutMS int    `toml:"fence_timeout_ms"`
	LogLevel       string `toml:"log_level"`
	AssetRoot      string `toml:"asset_root"`
	WatchShaders   bool   `toml:"watch_shaders"`
	// Processes lists the render processes to build. They always run in
	// pipeline order regardless of the order given here.
	Processes []string `toml:"processes"`
	// Environment is an optional equirectangular HDR map baked at start-up.
	Environment string `toml:"environment"`
	// ClearColor is the background of the albedo and final colour targets.
	ClearColor [4]float32 `toml:"clear_color"`
	// Window opens an OS window for input and resize events. Off for
	// headless runs.
	Window bool `toml:"window"`
	// Debug enables backend validation where the backend has any.
	Debug bool `toml:"debug"`

	Memory  MemoryConfig  `toml:"memory"`
	SSAO    SSAOConfig    `toml:"ssao"`
	Shadows ShadowConfig  `toml:"shadows"`
	Bloom   BloomConfig   `toml:"bloom"`
	Tonemap TonemapConfig `toml:"tonemap"`
	IBL     IBLConfig     `toml:"ibl"`
}

type MemoryConfig struct {
	// ChunkSize is the size in bytes of one shader memory chunk. Default is 64KiB.
	ChunkSize uint64 `toml:"chunk_size"`
	// Alignment of every region handed out by the pool. Default is 256.
	Alignment uint64 `toml:"alignment"`
}

type SSAOConfig struct {
	Mode       SSAOMode `toml:"mode"`
	KernelSize int      `toml:"kernel_size"`
	Radius     float32  `toml:"radius"`
	Bias       float32  `toml:"bias"`
}

type ShadowConfig struct {
	MaxAttachments int    `toml:"max_attachments"`
	Resolution     uint32 `toml:"resolution"`
}

type BloomConfig struct {
	MipCount  int     `toml:"mip_count"`
	Threshold float32 `toml:"threshold"`
	Intensity float32 `toml:"intensity"`
}

type TonemapConfig struct {
	Exposure float32 `toml:"exposure"`
	Gamma    float32 `toml:"gamma"`
}

type IBLConfig struct {
	BRDFSize     uint32 `toml:"brdf_size"`
	SpecularMips int    `toml:"specular_mips"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Backend:        BackendSoftware,
		Width:          1280,
		Height:         720,
		FramesInFlight: 2,
		FenceTimeoutMS: 1000,
		LogLevel:       "debug",
		AssetRoot:      "assets",
		WatchShaders:   false,
		Processes:      []string{"preprocess", "gbuffer", "shadowmap", "ssao", "lighting", "forward"},
		ClearColor:     [4]float32{0, 0, 0, 1},
		Window:         false,
		Debug:          false,
		Memory: MemoryConfig{
			ChunkSize: 64 * 1024,
			Alignment: 256,
		},
		SSAO: SSAOConfig{
			Mode:       SSAOBlur,
			KernelSize: 16,
			Radius:     0.5,
			Bias:       0.025,
		},
		Shadows: ShadowConfig{
			MaxAttachments: 4,
			Resolution:     1024,
		},
		Bloom: BloomConfig{
			MipCount:  5,
			Threshold: 1.0,
			Intensity: 0.04,
		},
		Tonemap: TonemapConfig{
			Exposure: 1.0,
			Gamma:    2.2,
		},
		IBL: IBLConfig{
			BRDFSize:     512,
			SpecularMips: 5,
		},
	}
}

// Load reads the TOML file at path on top of DefaultConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes TOML from r on top of DefaultConfig. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("invalid configuration: %s", strict.String())
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode writes the configuration as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendSoftware, BackendVulkan:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.Window && c.Backend != BackendVulkan {
		errs = append(errs, fmt.Errorf("window requires the vulkan backend"))
	}
	if c.Width == 0 || c.Height == 0 {
		errs = append(errs, fmt.Errorf("invalid resolution %dx%d", c.Width, c.Height))
	}
	if c.FramesInFlight < 1 || c.FramesInFlight > MaxFramesInFlight {
		errs = append(errs, fmt.Errorf("frames_in_flight must be in [1,%d], got %d", MaxFramesInFlight, c.FramesInFlight))
	}
	if c.FenceTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("fence_timeout_ms must be positive"))
	}
	if c.Memory.Alignment == 0 || c.Memory.Alignment&(c.Memory.Alignment-1) != 0 {
		errs = append(errs, fmt.Errorf("memory alignment %d is not a power of two", c.Memory.Alignment))
	}
	if c.Memory.ChunkSize < c.Memory.Alignment {
		errs = append(errs, fmt.Errorf("memory chunk_size %d smaller than alignment", c.Memory.ChunkSize))
	}
	switch c.SSAO.Mode {
	case SSAOBlur, SSAONoBlur, SSAODisabled:
	default:
		errs = append(errs, fmt.Errorf("unknown ssao mode %q", c.SSAO.Mode))
	}
	if c.SSAO.KernelSize < 1 || c.SSAO.KernelSize > 64 {
		errs = append(errs, fmt.Errorf("ssao kernel_size must be in [1,64]"))
	}
	if c.Shadows.MaxAttachments < 0 || c.Shadows.MaxAttachments > MaxShadowMapAttachments {
		errs = append(errs, fmt.Errorf("shadows max_attachments must be in [0,%d]", MaxShadowMapAttachments))
	}
	if c.Shadows.Resolution == 0 {
		errs = append(errs, fmt.Errorf("shadows resolution must be positive"))
	}
	if c.Bloom.MipCount < 1 || c.Bloom.MipCount > MaxBloomMips {
		errs = append(errs, fmt.Errorf("bloom mip_count must be in [1,%d]", MaxBloomMips))
	}
	if c.IBL.BRDFSize == 0 || c.IBL.SpecularMips < 1 {
		errs = append(errs, fmt.Errorf("invalid ibl settings"))
	}
	return errors.Join(errs...)
}
