package host

import (
	"time"

	"github.com/pkg/errors"

	"go2tv.app/wlcapture/frame"
)

// OverflowPolicy decides which frame loses when a stream channel is full.
type OverflowPolicy uint8

const (
	DropOldest OverflowPolicy = iota
	DropNewest
)

func (p OverflowPolicy) String() string {
	if p == DropNewest {
		return "drop-newest"
	}
	return "drop-oldest"
}

type Config struct {
	// BufferCount is how many buffers the compositor may allocate per stream.
	BufferCount int
	// PreferredFormat is tried first; the rest of frame.SupportedFormats
	// follows in order.
	PreferredFormat frame.PixelFormat
	// UseZeroCopy offers DMA-BUF sharing before mapped memory.
	UseZeroCopy  bool
	MaxStreams   int
	EnableCursor bool
	EnableDamage bool
	TargetFPS    uint32

	// ChannelSize bounds each stream's frame channel.
	ChannelSize int
	Overflow    OverflowPolicy

	StreamNamePrefix string
	// OperationTimeout bounds negotiation and every command reply.
	OperationTimeout time.Duration
	// ShutdownTimeout bounds the wait for outstanding buffers on Shutdown.
	ShutdownTimeout time.Duration
	// PollInterval is the longest the capture thread blocks in the engine.
	PollInterval time.Duration

	Reconnect ReconnectConfig
}

func DefaultConfig() Config {
	return Config{
		BufferCount:      3,
		PreferredFormat:  frame.DefaultFormat,
		UseZeroCopy:      true,
		MaxStreams:       8,
		EnableCursor:     true,
		EnableDamage:     true,
		TargetFPS:        30,
		ChannelSize:      30,
		Overflow:         DropOldest,
		StreamNamePrefix: "wlcapture",
		OperationTimeout: 5 * time.Second,
		ShutdownTimeout:  2 * time.Second,
		PollInterval:     5 * time.Millisecond,
		Reconnect:        DefaultReconnectConfig(),
	}
}

func (c Config) Validate() error {
	switch {
	case c.BufferCount < 1 || c.BufferCount > 16:
		return errors.Errorf("host: buffer count must be 1..16, got %d", c.BufferCount)
	case c.MaxStreams < 1:
		return errors.New("host: max streams must be >= 1")
	case c.ChannelSize < 1:
		return errors.New("host: channel size must be >= 1")
	case c.TargetFPS == 0:
		return errors.New("host: target fps must be > 0")
	case c.OperationTimeout <= 0:
		return errors.New("host: operation timeout must be > 0")
	case c.PollInterval <= 0:
		return errors.New("host: poll interval must be > 0")
	case c.StreamNamePrefix == "":
		return errors.New("host: stream name prefix must not be empty")
	case c.Reconnect.MaxRetries < 0:
		return errors.New("host: reconnect retries must be >= 0")
	case c.Reconnect.RetryDelay <= 0 || c.Reconnect.MaxRetryDelay <= 0:
		return errors.New("host: reconnect delays must be > 0")
	}
	if c.PreferredFormat != frame.FormatUnknown && !c.PreferredFormat.Valid() {
		return errors.Wrapf(frame.ErrUnknownFormat, "host: preferred format %d", c.PreferredFormat)
	}
	return nil
}
