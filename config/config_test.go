package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/wlcapture/bitmap"
	"go2tv.app/wlcapture/bitrate"
	"go2tv.app/wlcapture/frame"
	"go2tv.app/wlcapture/host"
)

func TestDefaultIsValid(t *testing.T) {
	for name, c := range map[string]Config{
		"default":      Default(),
		"low latency":  LowLatency(),
		"high quality": HighQuality(),
	} {
		assert.NoError(t, c.Validate(), name)
		assert.NoError(t, c.Host().Validate(), name)
		assert.NoError(t, c.Dispatch().Validate(), name)
		assert.NoError(t, c.Processor().Validate(), name)
	}
}

func TestDefaultValues(t *testing.T) {
	c := Default()
	assert.Equal(t, 0.40, c.DamageThreshold)
	assert.Equal(t, 0.8, c.HighWaterMark)
	assert.Equal(t, 0.5, c.LowWaterMark)
	assert.Equal(t, 150*time.Millisecond, c.MaxFrameAge())
	assert.True(t, c.DropOnFullQueue)
	assert.Equal(t, "BGRx", c.PreferredPixelFormat)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"buffer count zero", func(c *Config) { c.BufferCount = 0 }},
		{"buffer count too high", func(c *Config) { c.BufferCount = 17 }},
		{"no streams", func(c *Config) { c.MaxStreams = 0 }},
		{"no channel", func(c *Config) { c.ChannelSize = 0 }},
		{"fps zero", func(c *Config) { c.TargetFPS = 0 }},
		{"fps too high", func(c *Config) { c.TargetFPS = 241 }},
		{"queue depth", func(c *Config) { c.MaxQueueDepth = 0 }},
		{"threshold above one", func(c *Config) { c.DamageThreshold = 1.5 }},
		{"water marks inverted", func(c *Config) { c.LowWaterMark, c.HighWaterMark = 0.9, 0.8 }},
		{"water marks equal", func(c *Config) { c.LowWaterMark = c.HighWaterMark }},
		{"frame age", func(c *Config) { c.MaxFrameAgeMS = 0 }},
		{"short timeout", func(c *Config) { c.OperationTimeout = 50 * time.Millisecond }},
		{"empty prefix", func(c *Config) { c.StreamNamePrefix = "  " }},
		{"pixel format", func(c *Config) { c.PreferredPixelFormat = "ARGB64" }},
		{"overflow policy", func(c *Config) { c.OverflowPolicy = "drop-random" }},
		{"preset", func(c *Config) { c.Bitrate.Preset = "turbo" }},
		{"wire format", func(c *Config) { c.Output.WireFormat = "yuv" }},
		{"log level", func(c *Config) { c.Log.Level = "chatty" }},
		{"bitrate bounds", func(c *Config) { c.Bitrate.MinKbps, c.Bitrate.MaxKbps = 5000, 1000 }},
		{"retry delay", func(c *Config) { c.Reconnect.RetryDelay = 0 }},
		{"retry delay cap", func(c *Config) { c.Reconnect.MaxRetryDelay = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}
}

func TestMapping(t *testing.T) {
	c := Default()
	c.PreferredPixelFormat = "nv12"
	c.OverflowPolicy = "drop-newest"
	c.EnableCursor = false
	c.TargetFPS = 60
	c.Bitrate.Preset = "low-latency"
	c.Output.WireFormat = "rgb16"

	h := c.Host()
	assert.Equal(t, frame.FormatNV12, h.PreferredFormat)
	assert.Equal(t, host.DropNewest, h.Overflow)
	assert.False(t, h.EnableCursor)
	assert.Equal(t, uint32(60), h.TargetFPS)

	assert.Equal(t, uint32(60), c.Processor().TargetFPS)
	assert.Equal(t, 0.8, c.Dispatch().HighWaterMark)
	assert.Equal(t, 0.40, c.Damage().Threshold)
	assert.Equal(t, bitmap.Rgb16, c.Converter().Format)

	b := c.BitrateController()
	assert.Equal(t, bitrate.PresetLowLatency, b.Preset)
	assert.Equal(t, uint32(60), b.TargetFPS)

	p := c.Pipeline()
	require.NotNil(t, p.Bitrate)
	assert.Equal(t, bitrate.PresetLowLatency, p.Bitrate.Preset)
	assert.True(t, p.EnableDamage)
	assert.Equal(t, c.MaxFrameAge(), p.Dispatch.MaxFrameAge)

	c.EnableAdaptiveBitrate = false
	c.EnableDamageTracking = false
	p = c.Pipeline()
	assert.Nil(t, p.Bitrate)
	assert.False(t, p.EnableDamage)
	assert.False(t, c.Host().EnableDamage)
}

func TestRecommended(t *testing.T) {
	tests := []struct {
		fps, buffers, queue int
	}{
		{15, 2, 15},
		{30, 2, 15},
		{60, 3, 30},
		{120, 4, 60},
		{144, 5, 72},
		{240, 5, 72},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.buffers, RecommendedBufferCount(tt.fps), "buffers at %d fps", tt.fps)
		assert.Equal(t, tt.queue, RecommendedQueueSize(tt.fps), "queue at %d fps", tt.fps)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
buffer_count: 4
preferred_pixel_format: RGBA
channel_size: 12
operation_timeout: 2s
reconnect:
  max_retries: 5
  retry_delay: 50ms
bitrate:
  preset: high-quality
log:
  level: info
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("WLCAPTURE_CHANNEL_SIZE", "20")
	t.Setenv("WLCAPTURE_RECONNECT_MAX_RETRIES", "7")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, c.BufferCount)
	assert.Equal(t, "RGBA", c.PreferredPixelFormat)
	assert.Equal(t, 20, c.ChannelSize, "env overrides file")
	assert.Equal(t, 2*time.Second, c.OperationTimeout)
	assert.Equal(t, 7, c.Reconnect.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, c.Reconnect.RetryDelay)
	assert.Equal(t, "high-quality", c.Bitrate.Preset)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, Default().TargetFPS, c.TargetFPS, "untouched keys keep defaults")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err, "explicit path must exist")

	t.Cleanup(xdg.Reload)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()
	t.Setenv("WLCAPTURE_DEBUG", "1")
	t.Setenv("WLCAPTURE_FPS", "500")

	c, err := Load("")
	require.NoError(t, err, "missing default file falls back to defaults")
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, 240, c.TargetFPS)
}

func TestLoadBoundEnvNames(t *testing.T) {
	t.Cleanup(xdg.Reload)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()
	logFile := filepath.Join(t.TempDir(), "capture.log")
	t.Setenv("WLCAPTURE_LOG_LEVEL", "error")
	t.Setenv("WLCAPTURE_DEBUG_FILE", logFile)

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "error", c.Log.Level)
	assert.Equal(t, logFile, c.Log.File)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("buffer_count: 40\n"), 0o600))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("WLCAPTURE_TEST_BOOL", "Yes")
	t.Setenv("WLCAPTURE_TEST_BAD", "maybe")
	t.Setenv("WLCAPTURE_TEST_INT", "99")
	t.Setenv("WLCAPTURE_TEST_NAN", "ten")

	assert.True(t, BoolEnv("WLCAPTURE_TEST_BOOL", false))
	assert.True(t, BoolEnv("WLCAPTURE_TEST_BAD", true))
	assert.False(t, BoolEnv("WLCAPTURE_TEST_UNSET", false))

	assert.Equal(t, 50, IntEnvClamped("WLCAPTURE_TEST_INT", 1, 0, 50))
	assert.Equal(t, 99, IntEnvClamped("WLCAPTURE_TEST_INT", 1, 10, 0), "empty range disables clamping")
	assert.Equal(t, 7, IntEnvClamped("WLCAPTURE_TEST_NAN", 7, 0, 50))
}
