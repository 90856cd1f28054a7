package host

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go2tv.app/wlcapture/frame"
)

// frameQueue is a stream's bounded frame channel. Only the capture thread
// pushes and closes; push never blocks.
type frameQueue struct {
	streamID uint32
	policy   OverflowPolicy
	ch       chan *frame.VideoFrame
	log      *slog.Logger

	closeOnce sync.Once
	closed    atomic.Bool

	dropLog rate.Sometimes
	dropped atomic.Uint64
}

func newFrameQueue(streamID uint32, size int, policy OverflowPolicy, log *slog.Logger) *frameQueue {
	return &frameQueue{
		streamID: streamID,
		policy:   policy,
		ch:       make(chan *frame.VideoFrame, size),
		log:      log,
		dropLog:  rate.Sometimes{Interval: time.Second},
	}
}

// push offers f and reports whether it was queued. A frame that loses to
// the overflow policy is released here.
func (q *frameQueue) push(f *frame.VideoFrame) bool {
	if q.closed.Load() {
		f.Release()
		return false
	}

	select {
	case q.ch <- f:
		return true
	default:
	}

	if q.policy == DropNewest {
		q.drop(f)
		return false
	}

	select {
	case old := <-q.ch:
		q.drop(old)
	default:
	}

	select {
	case q.ch <- f:
		return true
	default:
		// the consumer raced us; f still loses
		q.drop(f)
		return false
	}
}

func (q *frameQueue) drop(f *frame.VideoFrame) {
	f.Release()
	total := q.dropped.Add(1)
	q.dropLog.Do(func() {
		q.log.Debug("host: frame dropped on full channel",
			"stream", q.streamID,
			"policy", q.policy,
			"total", total,
			"queue", len(q.ch),
		)
	})
}

// close ends the stream for the receiver, which still gets what is
// buffered.
func (q *frameQueue) close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.ch)
	})
}

// drain releases whatever the receiver has not taken yet.
func (q *frameQueue) drain() int {
	n := 0
	for {
		select {
		case f, ok := <-q.ch:
			if !ok {
				return n
			}
			f.Release()
			n++
		default:
			return n
		}
	}
}

func (q *frameQueue) len() int { return len(q.ch) }
