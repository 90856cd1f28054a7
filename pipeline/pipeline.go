// Package pipeline wires the stages between a capture host and a consumer:
// dispatcher (admission and fairness), processor (rate and queue limits) and
// converter (damage-aware bitmap conversion), with an optional bitrate
// controller steering the processor.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"go2tv.app/wlcapture/bitmap"
	"go2tv.app/wlcapture/bitrate"
	"go2tv.app/wlcapture/damage"
	"go2tv.app/wlcapture/dispatch"
	"go2tv.app/wlcapture/frame"
	"go2tv.app/wlcapture/host"
	"go2tv.app/wlcapture/processor"
)

var ErrRunning = errors.New("pipeline: already running")

type Config struct {
	Dispatch  dispatch.Config
	Processor processor.Config
	Converter bitmap.Options
	Damage    damage.Options
	// EnableDamage converts only damaged rectangles; otherwise every frame
	// is a full update.
	EnableDamage bool
	// Bitrate enables the adaptive bitrate controller when non-nil.
	Bitrate *bitrate.Config
	// OutputSize bounds converted updates waiting for the consumer.
	OutputSize int
}

func DefaultConfig() Config {
	b := bitrate.Config{Preset: bitrate.PresetBalanced}
	return Config{
		Dispatch:     dispatch.DefaultConfig(),
		Processor:    processor.DefaultConfig(),
		Converter:    bitmap.Options{Format: bitmap.BgrX32, StrideAlign: bitmap.DefaultStrideAlign},
		Damage:       damage.DefaultOptions(),
		EnableDamage: true,
		Bitrate:      &b,
		OutputSize:   4,
	}
}

type Stats struct {
	Dispatch  dispatch.Stats
	Processor processor.Stats
	Converter bitmap.Stats
	Pool      bitmap.PoolStats

	Delivered uint64
	Failed    uint64
	Unchanged uint64

	QueueDepth   int
	Backpressure bool
	// RecommendedKbps is zero without a bitrate controller.
	RecommendedKbps uint32
	Bitrate         *bitrate.Stats
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

type Pipeline struct {
	cfg  Config
	log  *slog.Logger
	now  func() time.Time
	disp *dispatch.Dispatcher
	proc *processor.Processor
	conv *bitmap.Converter
	rate *bitrate.Controller

	out   chan *bitmap.Update
	wake  chan struct{}
	space chan struct{}

	mu       sync.Mutex
	trackers map[uint32]*damage.Tracker
	streams  int

	running   atomic.Bool
	delivered atomic.Uint64
	failed    atomic.Uint64
	unchanged atomic.Uint64
	failLog   rate.Sometimes
}

func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if cfg.OutputSize < 1 {
		return nil, errors.New("pipeline: output size must be >= 1")
	}
	p := &Pipeline{
		cfg:      cfg,
		now:      time.Now,
		out:      make(chan *bitmap.Update, cfg.OutputSize),
		wake:     make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		trackers: make(map[uint32]*damage.Tracker),
		failLog:  rate.Sometimes{Interval: time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}

	var err error
	p.disp, err = dispatch.New(cfg.Dispatch, dispatch.WithClock(p.now), dispatch.WithLogger(p.log))
	if err != nil {
		return nil, err
	}

	popts := []processor.Option{processor.WithClock(p.now), processor.WithLogger(p.log)}
	if cfg.Bitrate != nil {
		p.rate = bitrate.New(*cfg.Bitrate)
		popts = append(popts, processor.WithAdvisor(p.rate), processor.WithBacklogReporter(p.rate))
	}
	p.proc, err = processor.New(cfg.Processor, popts...)
	if err != nil {
		p.disp.Close()
		return nil, err
	}

	conv := cfg.Converter
	if conv.Logger == nil {
		conv.Logger = p.log
	}
	p.conv, err = bitmap.NewConverter(conv)
	if err != nil {
		p.disp.Close()
		return nil, err
	}
	return p, nil
}

// Updates yields converted frames. It is closed when Run returns. The
// receiver must Release every update.
func (p *Pipeline) Updates() <-chan *bitmap.Update { return p.out }

// Attach feeds a host stream into the pipeline. The handle is released once
// its channel is drained.
func (p *Pipeline) Attach(sh *host.StreamHandle) error {
	return p.AddStream(sh.ID, sh.Descriptor.Priority, sh.Frames(), sh.Release)
}

// AddStream feeds frames into the pipeline under id. onDone runs once the
// channel is closed and drained, or the stream is removed.
func (p *Pipeline) AddStream(id uint32, priority frame.Priority, frames <-chan *frame.VideoFrame, onDone func()) error {
	p.mu.Lock()
	p.streams++
	p.mu.Unlock()
	err := p.disp.AddStream(id, priority, frames, func() {
		p.forget(id)
		if onDone != nil {
			onDone()
		}
	})
	if err != nil {
		p.mu.Lock()
		p.streams--
		p.mu.Unlock()
	}
	return err
}

// RemoveStream drops a stream and everything it still has queued.
func (p *Pipeline) RemoveStream(id uint32) {
	p.disp.RemoveStream(id)
}

// forget drops per-stream state. Bitrate state describes the encoder's
// current session, so it starts over once no stream is left.
func (p *Pipeline) forget(id uint32) {
	p.proc.RemoveStream(id)
	p.mu.Lock()
	delete(p.trackers, id)
	p.streams--
	last := p.streams == 0
	p.mu.Unlock()
	if last && p.rate != nil {
		p.rate.Reset()
	}
}

// Run moves frames through the stages until ctx ends or Close is called.
// It may be called once. On return every frame still held is released and
// no further streams can be added.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(p.out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return p.admit(gctx)
	})
	g.Go(func() error {
		return p.convertLoop(gctx)
	})

	err := g.Wait()
	p.disp.Close()
	p.proc.Flush()
	if errors.Is(err, context.Canceled) || errors.Is(err, dispatch.ErrClosed) {
		return nil
	}
	return err
}

// Close stops admission; Run returns once the stages have wound down.
func (p *Pipeline) Close() {
	p.disp.Close()
}

func (p *Pipeline) admit(ctx context.Context) error {
	for {
		qf, err := p.disp.Next(ctx)
		if err != nil {
			return err
		}
		for {
			err := p.proc.Record(qf.Frame)
			if err == nil {
				break
			}
			if !errors.Is(err, processor.ErrQueueFull) {
				qf.Frame.Release()
				return err
			}
			// hold the frame until the converter makes room
			select {
			case <-p.space:
			case <-ctx.Done():
				qf.Frame.Release()
				return ctx.Err()
			}
		}
		signal(p.wake)
	}
}

func (p *Pipeline) convertLoop(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if f, ok := p.proc.Dequeue(); ok {
			signal(p.space)
			if err := p.convert(ctx, f); err != nil {
				return err
			}
			continue
		}

		var due <-chan time.Time
		if wait, ok := p.proc.NextReady(); ok {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			due = timer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		case <-due:
		}
	}
}

func (p *Pipeline) convert(ctx context.Context, f *frame.VideoFrame) error {
	upd, err := p.conv.Convert(f, p.tracker(f))
	f.Release()
	if err != nil {
		p.failed.Add(1)
		if p.rate != nil {
			p.rate.RecordDroppedFrame()
		}
		p.failLog.Do(func() {
			p.log.Warn("pipeline: conversion failed", "stream", f.StreamID, "seq", f.Seq, "error", err.Error())
		})
		return nil
	}
	if upd.Empty() {
		p.unchanged.Add(1)
		upd.Release()
		return nil
	}

	select {
	case p.out <- upd:
		p.delivered.Add(1)
		return nil
	case <-ctx.Done():
		upd.Release()
		return ctx.Err()
	}
}

func (p *Pipeline) tracker(f *frame.VideoFrame) *damage.Tracker {
	if !p.cfg.EnableDamage {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.trackers[f.StreamID]
	if !ok {
		t = damage.NewTracker(f.Width, f.Height, p.cfg.Damage)
		p.trackers[f.StreamID] = t
	}
	return t
}

// RecordEncode reports how long the consumer took to encode an update and
// its encoded size in bytes.
func (p *Pipeline) RecordEncode(took time.Duration, size int) {
	if p.rate != nil {
		p.rate.RecordFrame(took, size)
	}
}

func (p *Pipeline) RecordNetworkFeedback(lossFraction float64, rtt time.Duration) {
	if p.rate != nil {
		p.rate.RecordNetworkFeedback(lossFraction, rtt)
	}
}

// RecordRTCP feeds a raw RTCP compound packet (sender or receiver reports)
// to the bitrate controller.
func (p *Pipeline) RecordRTCP(raw []byte) error {
	if p.rate == nil {
		return nil
	}
	return p.rate.RecordRTCP(raw, p.now())
}

// Bitrate exposes the bitrate controller for preset and quality control. It
// is nil when adaptive bitrate is disabled.
func (p *Pipeline) Bitrate() *bitrate.Controller { return p.rate }

// RecommendedBitrate is the controller's current target in kbps, or zero
// when adaptive bitrate is disabled.
func (p *Pipeline) RecommendedBitrate() uint32 {
	if p.rate == nil {
		return 0
	}
	return p.rate.RecommendedBitrate()
}

func (p *Pipeline) Stats() Stats {
	s := Stats{
		Dispatch:     p.disp.Stats(),
		Processor:    p.proc.Stats(),
		Converter:    p.conv.Stats(),
		Pool:         p.conv.Pool().Stats(),
		Delivered:    p.delivered.Load(),
		Failed:       p.failed.Load(),
		Unchanged:    p.unchanged.Load(),
		Backpressure: p.disp.BackpressureActive(),
	}
	s.QueueDepth = s.Dispatch.QueueDepth + s.Processor.QueueDepth
	if p.rate != nil {
		rs := p.rate.Stats()
		s.Bitrate = &rs
		s.RecommendedKbps = p.rate.RecommendedBitrate()
	}
	return s
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
