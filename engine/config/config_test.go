package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.FramesInFlight)
	assert.Equal(t, uint64(256), cfg.Memory.Alignment)
	assert.Len(t, cfg.Processes, 6)
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
frames_in_flight = 3
processes = ["gbuffer"]

[ssao]
mode = "noblur"

[bloom]
mip_count = 3
`))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.FramesInFlight)
	assert.Equal(t, []string{"gbuffer"}, cfg.Processes)
	assert.Equal(t, SSAONoBlur, cfg.SSAO.Mode)
	assert.Equal(t, 3, cfg.Bloom.MipCount)
	// untouched values keep their default
	assert.Equal(t, uint32(1280), cfg.Width)
	assert.Equal(t, 16, cfg.SSAO.KernelSize)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader(`frames_in_fligth = 2`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frames_in_fligth")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"frames":    func(c *Config) { c.FramesInFlight = MaxFramesInFlight + 1 },
		"alignment": func(c *Config) { c.Memory.Alignment = 100 },
		"backend":   func(c *Config) { c.Backend = "metal" },
		"ssao":      func(c *Config) { c.SSAO.Mode = "fancy" },
		"shadows":   func(c *Config) { c.Shadows.MaxAttachments = MaxShadowMapAttachments + 1 },
		"bloom":     func(c *Config) { c.Bloom.MipCount = 0 },
		"window":    func(c *Config) { c.Window = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, DefaultConfig().Encode(&buf))
	cfg, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
