// Package dispatch fans frames from many capture streams into one
// prioritized delivery path with backpressure.
package dispatch

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go2tv.app/wlcapture/frame"
)

var (
	// ErrChannelClosed is returned for frames of a stream whose producer is
	// gone. It never stops the dispatcher.
	ErrChannelClosed = errors.New("dispatch: stream channel closed")
	ErrClosed        = errors.New("dispatch: dispatcher closed")
	ErrStreamExists  = errors.New("dispatch: stream already registered")
)

type Config struct {
	// ChannelSize bounds the frames queued per stream.
	ChannelSize int
	// HighWaterMark and LowWaterMark are occupancy fractions of the total
	// capacity (ChannelSize per stream) that start and stop backpressure.
	HighWaterMark float64
	LowWaterMark  float64
	// MaxFrameAge drops frames captured longer ago, regardless of priority.
	MaxFrameAge time.Duration
	// PriorityFloor: while backpressure is on, only frames with a priority
	// above the floor are admitted.
	PriorityFloor frame.Priority
	// Backpressure enables the water-mark policy.
	Backpressure bool
	// PriorityDispatch serves higher-priority streams first.
	PriorityDispatch bool
	// LoadBalancing rotates between streams of equal priority.
	LoadBalancing bool
}

func DefaultConfig() Config {
	return Config{
		ChannelSize:      30,
		HighWaterMark:    0.8,
		LowWaterMark:     0.5,
		MaxFrameAge:      150 * time.Millisecond,
		PriorityFloor:    frame.PriorityLow,
		Backpressure:     true,
		PriorityDispatch: true,
		LoadBalancing:    true,
	}
}

func (c Config) Validate() error {
	if c.ChannelSize <= 0 {
		return errors.New("dispatch: channel size must be > 0")
	}
	if c.LowWaterMark < 0 || c.HighWaterMark > 1 || c.LowWaterMark >= c.HighWaterMark {
		return errors.Errorf("dispatch: water marks must satisfy 0 <= low < high <= 1, got %.2f/%.2f", c.LowWaterMark, c.HighWaterMark)
	}
	return nil
}

// QueuedFrame is a frame waiting inside the dispatcher.
type QueuedFrame struct {
	Frame    *frame.VideoFrame
	StreamID uint32
	Priority frame.Priority
	Enqueued time.Time
}

type StreamStats struct {
	Priority  frame.Priority
	Queued    int
	Admitted  uint64
	Delivered uint64
	Dropped   uint64
	Closed    bool
}

type Stats struct {
	Admitted           uint64
	Delivered          uint64
	DroppedAge         uint64
	DroppedPriority    uint64
	DroppedOverflow    uint64
	DroppedShed        uint64
	ChannelClosed      uint64
	BackpressureEvents uint64
	BackpressureActive bool
	QueueDepth         int
	Occupancy          float64
	Streams            map[uint32]StreamStats
}

type streamQueue struct {
	id       uint32
	priority frame.Priority
	frames   []QueuedFrame
	closed   bool
	onDone   func()
	stats    StreamStats
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher owns one FIFO per stream. Admission and delivery may run on
// different goroutines.
type Dispatcher struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time
	log *slog.Logger

	streams map[uint32]*streamQueue
	ids     []uint32
	// last stream served per priority level, for round-robin
	cursor map[frame.Priority]uint32

	queued       int
	backpressure bool
	stats        Stats

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		cfg:     cfg,
		now:     time.Now,
		log:     slog.Default(),
		streams: make(map[uint32]*streamQueue),
		cursor:  make(map[frame.Priority]uint32),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Register adds a stream without a producer goroutine; frames arrive through
// Admit. onDone runs once the stream is closed and fully drained.
func (d *Dispatcher) Register(id uint32, priority frame.Priority, onDone func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isClosed() {
		return ErrClosed
	}
	if _, ok := d.streams[id]; ok {
		return errors.Wrapf(ErrStreamExists, "stream %d", id)
	}
	d.streams[id] = &streamQueue{
		id:       id,
		priority: priority,
		frames:   make([]QueuedFrame, 0, d.cfg.ChannelSize),
		onDone:   onDone,
		stats:    StreamStats{Priority: priority},
	}
	idx, _ := slices.BinarySearch(d.ids, id)
	d.ids = slices.Insert(d.ids, idx, id)
	return nil
}

// AddStream registers a stream and pumps its channel until the producer
// closes it.
func (d *Dispatcher) AddStream(id uint32, priority frame.Priority, frames <-chan *frame.VideoFrame, onDone func()) error {
	if err := d.Register(id, priority, onDone); err != nil {
		return err
	}
	d.wg.Add(1)
	go d.pump(id, frames)
	return nil
}

func (d *Dispatcher) pump(id uint32, frames <-chan *frame.VideoFrame) {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case f, ok := <-frames:
			if !ok {
				d.CloseStream(id)
				return
			}
			if err := d.Admit(id, f); err != nil && !errors.Is(err, ErrChannelClosed) {
				d.log.Debug("dispatch: frame not admitted", "stream", id, "error", err)
			}
		}
	}
}

// Admit queues one frame. The dispatcher owns f afterwards, even when an
// error is returned.
func (d *Dispatcher) Admit(id uint32, f *frame.VideoFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isClosed() {
		f.Release()
		return ErrClosed
	}
	sq, ok := d.streams[id]
	if !ok || sq.closed {
		f.Release()
		d.stats.ChannelClosed++
		return errors.Wrapf(ErrChannelClosed, "stream %d", id)
	}

	now := d.now()
	d.purgeStale(now)

	if d.stale(f, now) {
		d.dropFrame(sq, f, &d.stats.DroppedAge)
		return nil
	}
	full := len(sq.frames) >= d.cfg.ChannelSize
	if d.cfg.Backpressure && !d.backpressure && !full && d.occupancyWith(1) >= d.cfg.HighWaterMark {
		d.backpressure = true
		d.stats.BackpressureEvents++
		d.log.Debug("dispatch: backpressure on", "occupancy", d.occupancyWith(1), "queued", d.queued)
	}
	if d.backpressure && sq.priority <= d.cfg.PriorityFloor {
		d.dropFrame(sq, f, &d.stats.DroppedPriority)
		d.relieve()
		return nil
	}
	if full {
		old := sq.frames[0]
		sq.frames = slices.Delete(sq.frames, 0, 1)
		d.queued--
		d.dropFrame(sq, old.Frame, &d.stats.DroppedOverflow)
	}

	sq.frames = append(sq.frames, QueuedFrame{Frame: f, StreamID: id, Priority: sq.priority, Enqueued: now})
	d.queued++
	sq.stats.Admitted++
	d.stats.Admitted++

	if d.backpressure {
		d.relieve()
	}

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// relieve sheds down to the low-water mark and releases backpressure there.
func (d *Dispatcher) relieve() {
	d.shed()
	if d.occupancy() <= d.cfg.LowWaterMark {
		d.backpressure = false
		d.log.Debug("dispatch: backpressure off", "occupancy", d.occupancy(), "queued", d.queued)
	}
}

// shed drops the oldest frame of the lowest-priority non-empty streams until
// occupancy is back at the low-water mark.
func (d *Dispatcher) shed() {
	for d.queued > 0 && d.occupancy() > d.cfg.LowWaterMark {
		var victim *streamQueue
		for _, id := range d.ids {
			sq := d.streams[id]
			if len(sq.frames) == 0 {
				continue
			}
			if victim == nil || sq.priority < victim.priority ||
				(sq.priority == victim.priority && sq.frames[0].Enqueued.Before(victim.frames[0].Enqueued)) {
				victim = sq
			}
		}
		if victim == nil {
			return
		}
		old := victim.frames[0]
		victim.frames = slices.Delete(victim.frames, 0, 1)
		d.queued--
		d.dropFrame(victim, old.Frame, &d.stats.DroppedShed)
	}
}

// purgeStale drops aged frames from the head of every queue. Capture order
// within a stream keeps stale frames at the front.
func (d *Dispatcher) purgeStale(now time.Time) {
	if d.cfg.MaxFrameAge <= 0 {
		return
	}
	for _, id := range d.ids {
		sq := d.streams[id]
		n := 0
		for n < len(sq.frames) && d.stale(sq.frames[n].Frame, now) {
			d.dropFrame(sq, sq.frames[n].Frame, &d.stats.DroppedAge)
			n++
		}
		if n > 0 {
			sq.frames = slices.Delete(sq.frames, 0, n)
			d.queued -= n
		}
	}
}

// TryNext returns the next frame without blocking.
func (d *Dispatcher) TryNext() (QueuedFrame, bool) {
	d.mu.Lock()
	qf, ok := d.next()
	done := d.finishDrained()
	d.mu.Unlock()

	runAll(done)
	return qf, ok
}

// Next blocks until a frame is available, ctx ends, or the dispatcher is
// closed.
func (d *Dispatcher) Next(ctx context.Context) (QueuedFrame, error) {
	for {
		d.mu.Lock()
		qf, ok := d.next()
		done := d.finishDrained()
		closed := d.isClosed()
		d.mu.Unlock()

		runAll(done)

		if ok {
			return qf, nil
		}
		if closed {
			return QueuedFrame{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return QueuedFrame{}, ctx.Err()
		case <-d.done:
		case <-d.notify:
		}
	}
}

func (d *Dispatcher) next() (QueuedFrame, bool) {
	now := d.now()
	d.purgeStale(now)

	if d.backpressure && d.occupancy() <= d.cfg.LowWaterMark {
		d.backpressure = false
		d.log.Debug("dispatch: backpressure off", "occupancy", d.occupancy(), "queued", d.queued)
	}

	sq := d.pick()
	if sq == nil {
		return QueuedFrame{}, false
	}
	qf := sq.frames[0]
	sq.frames[0] = QueuedFrame{}
	sq.frames = sq.frames[1:]
	d.queued--
	sq.stats.Delivered++
	d.stats.Delivered++
	d.cursor[d.level(sq)] = sq.id
	return qf, true
}

// pick chooses the stream to serve: highest priority first when enabled,
// then round-robin after the last stream served at that level.
func (d *Dispatcher) pick() *streamQueue {
	var level frame.Priority
	found := false
	for _, id := range d.ids {
		sq := d.streams[id]
		if len(sq.frames) == 0 {
			continue
		}
		if !found || d.level(sq) > level {
			level, found = d.level(sq), true
		}
	}
	if !found {
		return nil
	}

	eligible := func(sq *streamQueue) bool {
		return len(sq.frames) > 0 && d.level(sq) == level
	}

	if !d.cfg.LoadBalancing {
		for _, id := range d.ids {
			if sq := d.streams[id]; eligible(sq) {
				return sq
			}
		}
		return nil
	}

	last := d.cursor[level]
	start, _ := slices.BinarySearch(d.ids, last+1)
	for i := 0; i < len(d.ids); i++ {
		sq := d.streams[d.ids[(start+i)%len(d.ids)]]
		if eligible(sq) {
			return sq
		}
	}
	return nil
}

// CloseStream marks a stream's producer as gone. Queued frames are still
// delivered; the stream is removed, and its onDone run, once drained.
func (d *Dispatcher) CloseStream(id uint32) {
	d.mu.Lock()
	if sq, ok := d.streams[id]; ok {
		sq.closed = true
		sq.stats.Closed = true
	}
	done := d.finishDrained()
	d.mu.Unlock()

	runAll(done)
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// RemoveStream drops a stream and its queued frames immediately.
func (d *Dispatcher) RemoveStream(id uint32) {
	d.mu.Lock()
	sq, ok := d.streams[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	for _, qf := range sq.frames {
		qf.Frame.Release()
	}
	d.queued -= len(sq.frames)
	sq.frames = nil
	onDone := d.remove(sq)
	d.mu.Unlock()

	if onDone != nil {
		onDone()
	}
}

// finishDrained removes closed, empty streams and returns their callbacks,
// to be run without the lock held.
func (d *Dispatcher) finishDrained() []func() {
	var done []func()
	for _, id := range slices.Clone(d.ids) {
		sq := d.streams[id]
		if sq.closed && len(sq.frames) == 0 {
			if onDone := d.remove(sq); onDone != nil {
				done = append(done, onDone)
			}
		}
	}
	return done
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// level is the scheduling class of a stream: its priority, or a single
// class when priority dispatch is off.
func (d *Dispatcher) level(sq *streamQueue) frame.Priority {
	if !d.cfg.PriorityDispatch {
		return 0
	}
	return sq.priority
}

func (d *Dispatcher) remove(sq *streamQueue) func() {
	delete(d.streams, sq.id)
	if idx, found := slices.BinarySearch(d.ids, sq.id); found {
		d.ids = slices.Delete(d.ids, idx, idx+1)
	}
	onDone := sq.onDone
	sq.onDone = nil
	return onDone
}

func (d *Dispatcher) stale(f *frame.VideoFrame, now time.Time) bool {
	return d.cfg.MaxFrameAge > 0 && f.Age(now) > d.cfg.MaxFrameAge
}

func (d *Dispatcher) dropFrame(sq *streamQueue, f *frame.VideoFrame, counter *uint64) {
	*counter++
	sq.stats.Dropped++
	f.Release()
}

func (d *Dispatcher) occupancy() float64 {
	return d.occupancyWith(0)
}

// occupancyWith is the occupancy once extra more frames are queued.
func (d *Dispatcher) occupancyWith(extra int) float64 {
	capacity := d.cfg.ChannelSize * len(d.streams)
	if capacity == 0 {
		return 0
	}
	return float64(d.queued+extra) / float64(capacity)
}

func (d *Dispatcher) isClosed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) BackpressureActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backpressure
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.BackpressureActive = d.backpressure
	s.QueueDepth = d.queued
	s.Occupancy = d.occupancy()
	s.Streams = make(map[uint32]StreamStats, len(d.streams))
	for id, sq := range d.streams {
		st := sq.stats
		st.Queued = len(sq.frames)
		s.Streams[id] = st
	}
	return s
}

// Close stops all pumps and releases every queued frame. Pending Next calls
// return ErrClosed.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.wg.Wait()

		d.mu.Lock()
		var callbacks []func()
		for _, id := range slices.Clone(d.ids) {
			sq := d.streams[id]
			for _, qf := range sq.frames {
				qf.Frame.Release()
			}
			d.queued -= len(sq.frames)
			sq.frames = nil
			if cb := d.remove(sq); cb != nil {
				callbacks = append(callbacks, cb)
			}
		}
		d.mu.Unlock()

		runAll(callbacks)
	})
}
