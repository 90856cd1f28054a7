package bitrate

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Preset uint8

const (
	PresetBalanced Preset = iota
	PresetLowLatency
	PresetHighQuality
)

var ErrUnknownPreset = errors.New("unknown bitrate preset")

func (p Preset) String() string {
	switch p {
	case PresetLowLatency:
		return "low-latency"
	case PresetBalanced:
		return "balanced"
	case PresetHighQuality:
		return "high-quality"
	default:
		return "unknown"
	}
}

func ParsePreset(s string) (Preset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low-latency", "low_latency", "lowlatency":
		return PresetLowLatency, nil
	case "balanced", "":
		return PresetBalanced, nil
	case "high-quality", "high_quality", "highquality":
		return PresetHighQuality, nil
	}
	return PresetBalanced, errors.Wrapf(ErrUnknownPreset, "%q", s)
}

// Params is the policy bundle behind a preset. Bitrates are kbps.
type Params struct {
	MinKbps uint32
	MaxKbps uint32
	// TargetFPS sets the encode-time budget (one frame interval).
	TargetFPS uint32
	// TargetRTT: samples at or below it count as healthy; above twice it is
	// an RTT spike.
	TargetRTT time.Duration
	// IncreaseKbps is the additive step per healthy feedback sample.
	IncreaseKbps uint32
	// DecreaseFactor multiplies the bitrate on loss or an RTT spike.
	DecreaseFactor float64
	// LossThreshold is the loss fraction above which the link is congested.
	LossThreshold float64
	// EncodeAlpha is the EWMA weight of a new encode-time sample.
	EncodeAlpha float64
	// Window is the frame-size history length.
	Window int
	// BaseQuality is the encoder quality hint (0-100) with no congestion.
	BaseQuality uint8
}

func (p Preset) Params() Params {
	switch p {
	case PresetLowLatency:
		return Params{
			MinKbps:        1000,
			MaxKbps:        20000,
			TargetFPS:      60,
			TargetRTT:      50 * time.Millisecond,
			IncreaseKbps:   500,
			DecreaseFactor: 0.70,
			LossThreshold:  0.02,
			EncodeAlpha:    0.3,
			Window:         15,
			BaseQuality:    30,
		}
	case PresetHighQuality:
		return Params{
			MinKbps:        5000,
			MaxKbps:        100000,
			TargetFPS:      30,
			TargetRTT:      300 * time.Millisecond,
			IncreaseKbps:   2000,
			DecreaseFactor: 0.85,
			LossThreshold:  0.03,
			EncodeAlpha:    0.1,
			Window:         60,
			BaseQuality:    80,
		}
	default:
		return Params{
			MinKbps:        500,
			MaxKbps:        50000,
			TargetFPS:      30,
			TargetRTT:      150 * time.Millisecond,
			IncreaseKbps:   1000,
			DecreaseFactor: 0.80,
			LossThreshold:  0.02,
			EncodeAlpha:    0.2,
			Window:         30,
			BaseQuality:    50,
		}
	}
}
