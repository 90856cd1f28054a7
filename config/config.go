// Package config is the single configuration surface of a capture session.
// Every optional capability (cursor, damage tracking, adaptive bitrate) is a
// toggle here and is composed at startup by capture.Open.
package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"go2tv.app/wlcapture/bitmap"
	"go2tv.app/wlcapture/bitrate"
	"go2tv.app/wlcapture/damage"
	"go2tv.app/wlcapture/dispatch"
	"go2tv.app/wlcapture/frame"
	"go2tv.app/wlcapture/host"
	"go2tv.app/wlcapture/internal/logging"
	"go2tv.app/wlcapture/pipeline"
	"go2tv.app/wlcapture/processor"
)

const (
	EnvPrefix = "WLCAPTURE"
	appName   = "wlcapture"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	BufferCount          int    `mapstructure:"buffer_count"`
	PreferredPixelFormat string `mapstructure:"preferred_pixel_format"`
	UseZeroCopy          bool   `mapstructure:"use_zero_copy"`
	MaxStreams           int    `mapstructure:"max_streams"`

	EnableCursor          bool `mapstructure:"enable_cursor"`
	EnableDamageTracking  bool `mapstructure:"enable_damage_tracking"`
	EnableAdaptiveBitrate bool `mapstructure:"enable_adaptive_bitrate"`

	TargetFPS       int     `mapstructure:"target_fps"`
	MaxQueueDepth   int     `mapstructure:"max_queue_depth"`
	DamageThreshold float64 `mapstructure:"damage_threshold"`
	ChannelSize     int     `mapstructure:"channel_size"`
	HighWaterMark   float64 `mapstructure:"high_water_mark"`
	LowWaterMark    float64 `mapstructure:"low_water_mark"`
	MaxFrameAgeMS   int     `mapstructure:"max_frame_age_ms"`
	DropOnFullQueue bool    `mapstructure:"drop_on_full_queue"`

	// OverflowPolicy is drop-oldest or drop-newest.
	OverflowPolicy   string        `mapstructure:"overflow_policy"`
	StreamNamePrefix string        `mapstructure:"stream_name_prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`

	Reconnect Reconnect `mapstructure:"reconnect"`
	Bitrate   Bitrate   `mapstructure:"bitrate"`
	Output    Output    `mapstructure:"output"`
	Log       Log       `mapstructure:"log"`
}

type Reconnect struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
}

type Bitrate struct {
	Preset  string `mapstructure:"preset"`
	MinKbps uint32 `mapstructure:"min_kbps"`
	MaxKbps uint32 `mapstructure:"max_kbps"`
}

type Output struct {
	WireFormat  string `mapstructure:"wire_format"`
	StrideAlign int    `mapstructure:"stride_align"`
}

type Log struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	// File appends logs to a file instead of stderr.
	File string `mapstructure:"file"`
}

func Default() Config {
	h := host.DefaultConfig()
	return Config{
		BufferCount:           h.BufferCount,
		PreferredPixelFormat:  h.PreferredFormat.String(),
		UseZeroCopy:           h.UseZeroCopy,
		MaxStreams:            h.MaxStreams,
		EnableCursor:          true,
		EnableDamageTracking:  true,
		EnableAdaptiveBitrate: true,
		TargetFPS:             30,
		MaxQueueDepth:         15,
		DamageThreshold:       damage.DefaultThreshold,
		ChannelSize:           30,
		HighWaterMark:         0.8,
		LowWaterMark:          0.5,
		MaxFrameAgeMS:         150,
		DropOnFullQueue:       true,
		OverflowPolicy:        host.DropOldest.String(),
		StreamNamePrefix:      appName,
		OperationTimeout:      h.OperationTimeout,
		ShutdownTimeout:       h.ShutdownTimeout,
		Reconnect: Reconnect{
			MaxRetries:    h.Reconnect.MaxRetries,
			RetryDelay:    h.Reconnect.RetryDelay,
			MaxRetryDelay: h.Reconnect.MaxRetryDelay,
		},
		Bitrate: Bitrate{Preset: bitrate.PresetBalanced.String()},
		Output: Output{
			WireFormat:  bitmap.BgrX32.String(),
			StrideAlign: bitmap.DefaultStrideAlign,
		},
		Log: Log{Level: "warn"},
	}
}

// LowLatency favors freshness: short queues, fewer buffers, aggressive
// frame age limits.
func LowLatency() Config {
	c := Default()
	c.TargetFPS = 60
	c.BufferCount = RecommendedBufferCount(c.TargetFPS)
	c.MaxQueueDepth = RecommendedQueueSize(c.TargetFPS)
	c.ChannelSize = 8
	c.MaxFrameAgeMS = 50
	c.DropOnFullQueue = true
	c.Bitrate.Preset = bitrate.PresetLowLatency.String()
	return c
}

// HighQuality tolerates latency for fewer drops and more bitrate headroom.
func HighQuality() Config {
	c := Default()
	c.TargetFPS = 30
	c.BufferCount = 4
	c.MaxQueueDepth = 48
	c.ChannelSize = 60
	c.MaxFrameAgeMS = 500
	c.DamageThreshold = 0.25
	c.Bitrate.Preset = bitrate.PresetHighQuality.String()
	return c
}

// RecommendedBufferCount sizes the compositor buffer pool for a frame rate.
func RecommendedBufferCount(fps int) int {
	switch {
	case fps <= 30:
		return 2
	case fps <= 60:
		return 3
	case fps <= 120:
		return 4
	default:
		return 5
	}
}

// RecommendedQueueSize holds about half a second of frames.
func RecommendedQueueSize(fps int) int {
	return min(max(fps/2, 15), 72)
}

func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return errors.Wrapf(ErrInvalid, format, args...)
	}
	switch {
	case c.BufferCount < 1 || c.BufferCount > 16:
		return fail("buffer_count must be 1..16, got %d", c.BufferCount)
	case c.MaxStreams < 1:
		return fail("max_streams must be >= 1, got %d", c.MaxStreams)
	case c.ChannelSize < 1:
		return fail("channel_size must be >= 1, got %d", c.ChannelSize)
	case c.TargetFPS < 1 || c.TargetFPS > 240:
		return fail("target_fps must be 1..240, got %d", c.TargetFPS)
	case c.MaxQueueDepth < 1:
		return fail("max_queue_depth must be >= 1, got %d", c.MaxQueueDepth)
	case c.DamageThreshold < 0 || c.DamageThreshold > 1:
		return fail("damage_threshold must be in [0,1], got %v", c.DamageThreshold)
	case c.LowWaterMark < 0 || c.HighWaterMark > 1 || c.LowWaterMark >= c.HighWaterMark:
		return fail("need 0 <= low_water_mark < high_water_mark <= 1, got %v / %v", c.LowWaterMark, c.HighWaterMark)
	case c.MaxFrameAgeMS <= 0:
		return fail("max_frame_age_ms must be > 0, got %d", c.MaxFrameAgeMS)
	case c.OperationTimeout < 100*time.Millisecond:
		return fail("operation_timeout must be >= 100ms, got %s", c.OperationTimeout)
	case c.ShutdownTimeout < 0:
		return fail("shutdown_timeout must be >= 0, got %s", c.ShutdownTimeout)
	case strings.TrimSpace(c.StreamNamePrefix) == "":
		return fail("stream_name_prefix must not be empty")
	case c.Reconnect.MaxRetries < 0:
		return fail("reconnect.max_retries must be >= 0, got %d", c.Reconnect.MaxRetries)
	case c.Reconnect.RetryDelay <= 0:
		return fail("reconnect.retry_delay must be > 0, got %s", c.Reconnect.RetryDelay)
	case c.Reconnect.MaxRetryDelay <= 0:
		return fail("reconnect.max_retry_delay must be > 0, got %s", c.Reconnect.MaxRetryDelay)
	case c.Bitrate.MaxKbps != 0 && c.Bitrate.MinKbps > c.Bitrate.MaxKbps:
		return fail("bitrate.min_kbps %d above max_kbps %d", c.Bitrate.MinKbps, c.Bitrate.MaxKbps)
	}

	if _, err := frame.ParsePixelFormat(c.PreferredPixelFormat); err != nil {
		return fail("preferred_pixel_format: %v", err)
	}
	if _, err := parseOverflow(c.OverflowPolicy); err != nil {
		return err
	}
	if _, err := bitrate.ParsePreset(c.Bitrate.Preset); err != nil {
		return fail("bitrate.preset: %v", err)
	}
	if _, err := bitmap.ParseWireFormat(c.Output.WireFormat); err != nil {
		return fail("output.wire_format: %v", err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fail("log.level: %v", err)
	}
	return nil
}

func parseOverflow(s string) (host.OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest", "drop_oldest":
		return host.DropOldest, nil
	case "drop-newest", "drop_newest":
		return host.DropNewest, nil
	}
	return host.DropOldest, errors.Wrapf(ErrInvalid, "overflow_policy %q", s)
}

// DefaultPath is $XDG_CONFIG_HOME/wlcapture/config.yaml.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// Load reads defaults, then the YAML file at path, then WLCAPTURE_*
// environment variables. An empty path uses DefaultPath, which may be
// missing; an explicit path must exist.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return Config{}, errors.Wrapf(err, "config: read %s", path)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, errors.Wrap(err, "config: decode")
	}
	if BoolEnv(logging.EnvDebug, false) {
		c.Log.Level = "debug"
	}
	// short alias used by launch scripts
	c.TargetFPS = IntEnvClamped(EnvPrefix+"_FPS", c.TargetFPS, 1, 240)
	return c, c.Validate()
}

// bindEnv binds keys to explicit env names. log.file also follows the
// debug file variable the logging package reads.
func bindEnv(v *viper.Viper) error {
	binds := [][]string{
		{"log.level", EnvPrefix + "_LOG_LEVEL"},
		{"log.file", logging.EnvDebugFile, EnvPrefix + "_LOG_FILE"},
	}
	for _, b := range binds {
		if err := v.BindEnv(b...); err != nil {
			return errors.Wrapf(err, "config: bind %s", b[0])
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("buffer_count", c.BufferCount)
	v.SetDefault("preferred_pixel_format", c.PreferredPixelFormat)
	v.SetDefault("use_zero_copy", c.UseZeroCopy)
	v.SetDefault("max_streams", c.MaxStreams)
	v.SetDefault("enable_cursor", c.EnableCursor)
	v.SetDefault("enable_damage_tracking", c.EnableDamageTracking)
	v.SetDefault("enable_adaptive_bitrate", c.EnableAdaptiveBitrate)
	v.SetDefault("target_fps", c.TargetFPS)
	v.SetDefault("max_queue_depth", c.MaxQueueDepth)
	v.SetDefault("damage_threshold", c.DamageThreshold)
	v.SetDefault("channel_size", c.ChannelSize)
	v.SetDefault("high_water_mark", c.HighWaterMark)
	v.SetDefault("low_water_mark", c.LowWaterMark)
	v.SetDefault("max_frame_age_ms", c.MaxFrameAgeMS)
	v.SetDefault("drop_on_full_queue", c.DropOnFullQueue)
	v.SetDefault("overflow_policy", c.OverflowPolicy)
	v.SetDefault("stream_name_prefix", c.StreamNamePrefix)
	v.SetDefault("operation_timeout", c.OperationTimeout)
	v.SetDefault("shutdown_timeout", c.ShutdownTimeout)
	v.SetDefault("reconnect.max_retries", c.Reconnect.MaxRetries)
	v.SetDefault("reconnect.retry_delay", c.Reconnect.RetryDelay)
	v.SetDefault("reconnect.max_retry_delay", c.Reconnect.MaxRetryDelay)
	v.SetDefault("bitrate.preset", c.Bitrate.Preset)
	v.SetDefault("bitrate.min_kbps", c.Bitrate.MinKbps)
	v.SetDefault("bitrate.max_kbps", c.Bitrate.MaxKbps)
	v.SetDefault("output.wire_format", c.Output.WireFormat)
	v.SetDefault("output.stride_align", c.Output.StrideAlign)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.json", c.Log.JSON)
	v.SetDefault("log.file", c.Log.File)
}

// MaxFrameAge is max_frame_age_ms as a duration.
func (c Config) MaxFrameAge() time.Duration {
	return time.Duration(c.MaxFrameAgeMS) * time.Millisecond
}

// Host maps the configuration onto the capture host. Call Validate first;
// unparsable names fall back to defaults here.
func (c Config) Host() host.Config {
	h := host.DefaultConfig()
	h.BufferCount = c.BufferCount
	if f, err := frame.ParsePixelFormat(c.PreferredPixelFormat); err == nil {
		h.PreferredFormat = f
	}
	h.UseZeroCopy = c.UseZeroCopy
	h.MaxStreams = c.MaxStreams
	h.EnableCursor = c.EnableCursor
	h.EnableDamage = c.EnableDamageTracking
	h.TargetFPS = uint32(c.TargetFPS)
	h.ChannelSize = c.ChannelSize
	h.Overflow, _ = parseOverflow(c.OverflowPolicy)
	h.StreamNamePrefix = c.StreamNamePrefix
	h.OperationTimeout = c.OperationTimeout
	h.ShutdownTimeout = c.ShutdownTimeout
	h.Reconnect = host.ReconnectConfig{
		MaxRetries:    c.Reconnect.MaxRetries,
		RetryDelay:    c.Reconnect.RetryDelay,
		MaxRetryDelay: c.Reconnect.MaxRetryDelay,
	}
	return h
}

func (c Config) Dispatch() dispatch.Config {
	d := dispatch.DefaultConfig()
	d.ChannelSize = c.ChannelSize
	d.HighWaterMark = c.HighWaterMark
	d.LowWaterMark = c.LowWaterMark
	d.MaxFrameAge = c.MaxFrameAge()
	return d
}

func (c Config) Processor() processor.Config {
	p := processor.DefaultConfig()
	p.TargetFPS = uint32(c.TargetFPS)
	p.MaxQueueDepth = c.MaxQueueDepth
	p.MaxFrameAge = c.MaxFrameAge()
	p.DropOnFullQueue = c.DropOnFullQueue
	return p
}

func (c Config) Damage() damage.Options {
	d := damage.DefaultOptions()
	d.Threshold = c.DamageThreshold
	return d
}

func (c Config) Converter() bitmap.Options {
	o := bitmap.Options{Format: bitmap.BgrX32, StrideAlign: c.Output.StrideAlign}
	if f, err := bitmap.ParseWireFormat(c.Output.WireFormat); err == nil {
		o.Format = f
	}
	return o
}

func (c Config) BitrateController() bitrate.Config {
	p, _ := bitrate.ParsePreset(c.Bitrate.Preset)
	return bitrate.Config{
		Preset:    p,
		MinKbps:   c.Bitrate.MinKbps,
		MaxKbps:   c.Bitrate.MaxKbps,
		TargetFPS: uint32(c.TargetFPS),
	}
}

// Pipeline composes the stage configurations. Adaptive bitrate is left out
// when disabled.
func (c Config) Pipeline() pipeline.Config {
	p := pipeline.DefaultConfig()
	p.Dispatch = c.Dispatch()
	p.Processor = c.Processor()
	p.Converter = c.Converter()
	p.Damage = c.Damage()
	p.EnableDamage = c.EnableDamageTracking
	p.Bitrate = nil
	if c.EnableAdaptiveBitrate {
		b := c.BitrateController()
		p.Bitrate = &b
	}
	return p
}

// Logger builds the configured logger. The closer releases the log file.
func (c Config) Logger() (*slog.Logger, io.Closer, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, nil, errors.Wrap(err, "config: log level")
	}
	opts := logging.Options{Level: level, JSON: c.Log.JSON}
	var closer io.Closer = nopCloser{}
	if c.Log.File != "" {
		f, err := os.OpenFile(c.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "config: open log file %s", c.Log.File)
		}
		opts.Output, closer = f, f
	}
	return logging.New(opts), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
