// Package bitrate recommends an encoder bitrate from encode timing and
// network feedback, using additive increase / multiplicative decrease.
package bitrate

import (
	"sync"
	"time"
)

// Config selects a preset and optionally narrows it.
type Config struct {
	Preset Preset
	// MinKbps and MaxKbps override the preset floor and ceiling when non-zero.
	MinKbps uint32
	MaxKbps uint32
	// TargetFPS overrides the preset frame rate when non-zero.
	TargetFPS uint32
}

type Stats struct {
	Preset          Preset
	BitrateKbps     uint32
	MinKbps         uint32
	MaxKbps         uint32
	EncodeTimeAvg   time.Duration
	AvgFrameSize    int
	ActualKbps      uint32
	LastLoss        float64
	LastRTT         time.Duration
	Congested       bool
	Backlog         bool
	Increases       uint64
	Decreases       uint64
	FeedbackSamples uint64
	FramesRecorded  uint64
	FramesDropped   uint64
}

// Controller is safe for concurrent use: the consumer reports feedback while
// the processor polls ShouldSkipFrame.
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	params Params

	current uint32

	encodeAvg  time.Duration
	haveEncode bool
	sizes      []int
	sizeNext   int
	sizeSum    int

	lastLoss  float64
	lastRTT   time.Duration
	congested bool
	backlog   bool

	increases uint64
	decreases uint64
	samples   uint64
	frames    uint64
	dropped   uint64
}

func New(cfg Config) *Controller {
	c := &Controller{cfg: cfg}
	c.applyPreset(cfg.Preset)
	c.resetLocked()
	return c
}

func (c *Controller) applyPreset(p Preset) {
	c.cfg.Preset = p
	c.params = p.Params()
	if c.cfg.MinKbps > 0 {
		c.params.MinKbps = c.cfg.MinKbps
	}
	if c.cfg.MaxKbps > 0 {
		c.params.MaxKbps = c.cfg.MaxKbps
	}
	if c.params.MaxKbps < c.params.MinKbps {
		c.params.MaxKbps = c.params.MinKbps
	}
	if c.cfg.TargetFPS > 0 {
		c.params.TargetFPS = c.cfg.TargetFPS
	}
}

func (c *Controller) resetLocked() {
	c.current = c.params.MinKbps + (c.params.MaxKbps-c.params.MinKbps)/2
	c.encodeAvg = 0
	c.haveEncode = false
	c.sizes = make([]int, 0, c.params.Window)
	c.sizeNext = 0
	c.sizeSum = 0
	c.lastLoss = 0
	c.lastRTT = 0
	c.congested = false
	c.backlog = false
}

// Reset returns to the preset midpoint and forgets all samples. Used when a
// stream is recreated.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// SetPreset switches presets, keeping the current bitrate clamped into the
// new range.
func (c *Controller) SetPreset(p Preset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyPreset(p)
	c.current = c.clamp(c.current)
	if len(c.sizes) > c.params.Window {
		c.sizes = c.sizes[:0]
		c.sizeNext, c.sizeSum = 0, 0
	}
}

func (c *Controller) Preset() Preset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Preset
}

func (c *Controller) clamp(kbps uint32) uint32 {
	return min(max(kbps, c.params.MinKbps), c.params.MaxKbps)
}

// RecordFrame feeds one encoded frame: how long the encoder took and the
// encoded size in bytes.
func (c *Controller) RecordFrame(encodeTime time.Duration, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.frames++
	if !c.haveEncode {
		c.encodeAvg = encodeTime
		c.haveEncode = true
	} else {
		a := c.params.EncodeAlpha
		c.encodeAvg = time.Duration(a*float64(encodeTime) + (1-a)*float64(c.encodeAvg))
	}

	if c.params.Window <= 0 {
		return
	}
	if len(c.sizes) < c.params.Window {
		c.sizes = append(c.sizes, size)
		c.sizeSum += size
		return
	}
	c.sizeSum += size - c.sizes[c.sizeNext]
	c.sizes[c.sizeNext] = size
	c.sizeNext = (c.sizeNext + 1) % c.params.Window
}

// RecordDroppedFrame counts a frame dropped before encoding.
func (c *Controller) RecordDroppedFrame() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

// RecordNetworkFeedback applies one loss/RTT sample. Loss above the preset
// threshold or RTT above twice the target multiplies the bitrate by the
// preset decrease factor; loss below half the threshold with RTT at or below
// target adds the preset step, unless the encoder is over its frame budget.
func (c *Controller) RecordNetworkFeedback(lossFraction float64, rtt time.Duration) {
	lossFraction = min(max(lossFraction, 0), 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples++
	c.lastLoss = lossFraction
	c.lastRTT = rtt

	lossy := lossFraction > c.params.LossThreshold
	spike := rtt > 2*c.params.TargetRTT
	c.congested = lossy

	switch {
	case lossy || spike:
		next := c.clamp(uint32(float64(c.current) * c.params.DecreaseFactor))
		if next < c.current {
			c.decreases++
		}
		c.current = next
	case lossFraction < c.params.LossThreshold/2 && rtt <= c.params.TargetRTT && !c.encoderSaturated():
		next := c.clamp(c.current + c.params.IncreaseKbps)
		if next > c.current {
			c.increases++
		}
		c.current = next
	}
}

func (c *Controller) encoderSaturated() bool {
	if !c.haveEncode || c.params.TargetFPS == 0 {
		return false
	}
	return c.encodeAvg > time.Second/time.Duration(c.params.TargetFPS)
}

// ReportBacklog is called by the frame processor when its queue backs up.
func (c *Controller) ReportBacklog(backlogged bool) {
	c.mu.Lock()
	c.backlog = backlogged
	c.mu.Unlock()
}

// RecommendedBitrate is the current recommendation in kbps, always within
// the preset floor and ceiling.
func (c *Controller) RecommendedBitrate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ShouldSkipFrame is an advisory congestion signal: loss above threshold on
// the last sample, or a processor backlog.
func (c *Controller) ShouldSkipFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.congested || c.backlog
}

// RecommendedQuality is an encoder quality hint in 1-100.
func (c *Controller) RecommendedQuality() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := float64(c.params.BaseQuality)
	if c.congested {
		q *= 0.6
	}
	if c.backlog {
		q *= 0.8
	}
	return uint8(max(q, 1))
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Preset:          c.cfg.Preset,
		BitrateKbps:     c.current,
		MinKbps:         c.params.MinKbps,
		MaxKbps:         c.params.MaxKbps,
		EncodeTimeAvg:   c.encodeAvg,
		LastLoss:        c.lastLoss,
		LastRTT:         c.lastRTT,
		Congested:       c.congested,
		Backlog:         c.backlog,
		Increases:       c.increases,
		Decreases:       c.decreases,
		FeedbackSamples: c.samples,
		FramesRecorded:  c.frames,
		FramesDropped:   c.dropped,
	}
	if n := len(c.sizes); n > 0 {
		s.AvgFrameSize = c.sizeSum / n
		s.ActualKbps = uint32(int64(s.AvgFrameSize) * 8 * int64(c.params.TargetFPS) / 1000)
	}
	return s
}
