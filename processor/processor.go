// Package processor rate-limits frames per stream and drops stale ones
// before they reach the pixel converter.
package processor

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"go2tv.app/wlcapture/frame"
)

var ErrQueueFull = errors.New("processor queue full")

type Config struct {
	// TargetFPS is the highest rate at which frames of one stream are forwarded.
	TargetFPS uint32
	// MaxQueueDepth bounds frames waiting for Dequeue across all streams.
	MaxQueueDepth int
	// MaxFrameAge drops frames captured longer ago than this. Zero disables.
	MaxFrameAge time.Duration
	// DropOnFullQueue drops the incoming frame when the queue is full;
	// otherwise Record returns ErrQueueFull and the caller keeps the frame.
	DropOnFullQueue bool
	// CongestionDivisor divides TargetFPS while the skip advisor is active.
	CongestionDivisor uint32
}

func DefaultConfig() Config {
	return Config{
		TargetFPS:         30,
		MaxQueueDepth:     15,
		MaxFrameAge:       150 * time.Millisecond,
		DropOnFullQueue:   true,
		CongestionDivisor: 2,
	}
}

func (c Config) Validate() error {
	if c.TargetFPS == 0 {
		return errors.New("processor: target fps must be > 0")
	}
	if c.MaxQueueDepth <= 0 {
		return errors.New("processor: max queue depth must be > 0")
	}
	if c.MaxFrameAge < 0 {
		return errors.New("processor: max frame age must be >= 0")
	}
	return nil
}

// SkipAdvisor is consulted on every Record; the bitrate controller
// implements it.
type SkipAdvisor interface {
	ShouldSkipFrame() bool
}

// BacklogReporter is told when the queue crosses half its capacity.
type BacklogReporter interface {
	ReportBacklog(backlogged bool)
}

type Stats struct {
	Received         uint64
	Forwarded        uint64
	DroppedRate      uint64
	DroppedAge       uint64
	DroppedQueueFull uint64
	Rejected         uint64
	SkipAdvisories   uint64
	QueueDepth       int
	Pending          int
}

func (s Stats) Dropped() uint64 {
	return s.DroppedRate + s.DroppedAge + s.DroppedQueueFull
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func WithAdvisor(a SkipAdvisor) Option {
	return func(p *Processor) { p.advisor = a }
}

func WithBacklogReporter(r BacklogReporter) Option {
	return func(p *Processor) { p.backlog = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.log = l }
}

type streamState struct {
	limiter  *rate.Limiter
	pending  *frame.VideoFrame
	skipping bool
}

// Processor holds at most one coalescing slot per stream plus a bounded
// FIFO of frames ready for conversion. Within a stream, frames leave in
// capture order.
type Processor struct {
	mu sync.Mutex

	cfg     Config
	now     func() time.Time
	advisor SkipAdvisor
	backlog BacklogReporter
	log     *slog.Logger

	streams    map[uint32]*streamState
	ids        []uint32
	ready      []*frame.VideoFrame
	backlogged bool
	stats      Stats
}

func New(cfg Config, opts ...Option) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CongestionDivisor == 0 {
		cfg.CongestionDivisor = 1
	}
	p := &Processor{
		cfg:     cfg,
		now:     time.Now,
		log:     slog.Default(),
		streams: make(map[uint32]*streamState),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Record offers a frame. The processor takes ownership unless ErrQueueFull
// is returned.
func (p *Processor) Record(f *frame.VideoFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.stats.Received++

	if p.stale(f, now) {
		p.drop(f, &p.stats.DroppedAge)
		return nil
	}

	st := p.stream(f.StreamID)
	p.advise(st, now)

	// latest wins inside the interval
	if st.pending != nil {
		p.drop(st.pending, &p.stats.DroppedRate)
		st.pending = nil
	}

	if st.limiter.TokensAt(now) < 1 {
		st.pending = f
		return nil
	}

	if len(p.ready) >= p.cfg.MaxQueueDepth {
		p.reportBacklog()
		if p.cfg.DropOnFullQueue {
			p.drop(f, &p.stats.DroppedQueueFull)
			return nil
		}
		p.stats.Rejected++
		return errors.Wrapf(ErrQueueFull, "stream %d depth %d", f.StreamID, len(p.ready))
	}

	st.limiter.AllowN(now, 1)
	p.ready = append(p.ready, f)
	p.reportBacklog()
	return nil
}

// Dequeue returns the next frame due for conversion, promoting coalesced
// frames whose interval has elapsed.
func (p *Processor) Dequeue() (*frame.VideoFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.promote(now)

	for len(p.ready) > 0 {
		f := p.ready[0]
		p.ready[0] = nil
		p.ready = p.ready[1:]
		if p.stale(f, now) {
			p.drop(f, &p.stats.DroppedAge)
			continue
		}
		p.stats.Forwarded++
		p.reportBacklog()
		return f, true
	}
	p.reportBacklog()
	return nil, false
}

// NextReady reports how long until the earliest coalesced frame may be
// forwarded. The second result is false when nothing is pending.
func (p *Processor) NextReady() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var (
		wait  time.Duration
		found bool
	)
	for _, st := range p.streams {
		if st.pending == nil {
			continue
		}
		d := time.Duration(0)
		if tokens := st.limiter.TokensAt(now); tokens < 1 {
			d = time.Duration((1 - tokens) / float64(st.limiter.Limit()) * float64(time.Second))
		}
		if !found || d < wait {
			wait, found = d, true
		}
	}
	return wait, found
}

func (p *Processor) promote(now time.Time) {
	for _, id := range p.ids {
		st := p.streams[id]
		if st.pending == nil {
			continue
		}
		if p.stale(st.pending, now) {
			p.drop(st.pending, &p.stats.DroppedAge)
			st.pending = nil
			continue
		}
		if len(p.ready) >= p.cfg.MaxQueueDepth || st.limiter.TokensAt(now) < 1 {
			continue
		}
		st.limiter.AllowN(now, 1)
		p.ready = append(p.ready, st.pending)
		st.pending = nil
	}
}

func (p *Processor) advise(st *streamState, now time.Time) {
	if p.advisor == nil {
		return
	}
	skip := p.advisor.ShouldSkipFrame()
	if skip {
		p.stats.SkipAdvisories++
	}
	if skip == st.skipping {
		return
	}
	st.skipping = skip
	limit := rate.Limit(float64(p.cfg.TargetFPS))
	if skip {
		limit = rate.Limit(float64(p.cfg.TargetFPS) / float64(p.cfg.CongestionDivisor))
	}
	st.limiter.SetLimitAt(now, limit)
}

func (p *Processor) reportBacklog() {
	backlogged := len(p.ready)*2 > p.cfg.MaxQueueDepth
	if backlogged == p.backlogged {
		return
	}
	p.backlogged = backlogged
	if p.backlog != nil {
		p.backlog.ReportBacklog(backlogged)
	}
	p.log.Debug("processor: backlog changed", "backlogged", backlogged, "depth", len(p.ready))
}

func (p *Processor) stream(id uint32) *streamState {
	st, ok := p.streams[id]
	if ok {
		return st
	}
	st = &streamState{limiter: rate.NewLimiter(rate.Limit(float64(p.cfg.TargetFPS)), 1)}
	p.streams[id] = st
	idx, _ := slices.BinarySearch(p.ids, id)
	p.ids = slices.Insert(p.ids, idx, id)
	return st
}

func (p *Processor) stale(f *frame.VideoFrame, now time.Time) bool {
	return p.cfg.MaxFrameAge > 0 && f.Age(now) > p.cfg.MaxFrameAge
}

func (p *Processor) drop(f *frame.VideoFrame, counter *uint64) {
	*counter++
	f.Release()
}

// RemoveStream forgets a stream's limiter and releases its coalesced frame.
// Frames already queued are still delivered.
func (p *Processor) RemoveStream(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.streams[id]
	if !ok {
		return
	}
	if st.pending != nil {
		st.pending.Release()
	}
	delete(p.streams, id)
	if idx, found := slices.BinarySearch(p.ids, id); found {
		p.ids = slices.Delete(p.ids, idx, idx+1)
	}
}

// Flush releases every frame the processor holds.
func (p *Processor) Flush() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, f := range p.ready {
		f.Release()
		n++
	}
	p.ready = p.ready[:0]
	for _, st := range p.streams {
		if st.pending != nil {
			st.pending.Release()
			st.pending = nil
			n++
		}
	}
	p.reportBacklog()
	return n
}

func (p *Processor) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.QueueDepth = len(p.ready)
	for _, st := range p.streams {
		if st.pending != nil {
			s.Pending++
		}
	}
	return s
}
