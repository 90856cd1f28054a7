package host

import "sync"

type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventStreamActive
	EventStreamError
	EventStreamClosed
	EventDisconnected
	EventShutdownComplete
	EventCaptureFatal
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventStreamActive:
		return "stream-active"
	case EventStreamError:
		return "stream-error"
	case EventStreamClosed:
		return "stream-closed"
	case EventDisconnected:
		return "disconnected"
	case EventShutdownComplete:
		return "shutdown-complete"
	case EventCaptureFatal:
		return "capture-fatal"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification from the capture thread. Frames travel
// on each stream's own channel, not here.
type Event struct {
	Kind     EventKind
	StreamID uint32
	RegionID string
	State    State
	Err      error
	// Attempt is the reconnect attempt for EventStreamError; 0 means the
	// stream will not be retried.
	Attempt int
	// Leaked counts buffers still held by consumers when shutdown gave up
	// waiting.
	Leaked int
}

// eventPump buffers events without bound so the capture thread never waits
// on a slow listener. Out is closed after the final event.
type eventPump struct {
	mu      sync.Mutex
	pending []Event
	closed  bool
	wake    chan struct{}
	out     chan Event
}

func newEventPump() *eventPump {
	p := &eventPump{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
	}
	go p.run()
	return p
}

func (p *eventPump) publish(ev Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, ev)
	p.mu.Unlock()
	p.poke()
}

// close delivers what is pending, then closes out.
func (p *eventPump) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.poke()
}

func (p *eventPump) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *eventPump) run() {
	defer close(p.out)
	for {
		p.mu.Lock()
		batch := p.pending
		p.pending = nil
		closed := p.closed
		p.mu.Unlock()

		for _, ev := range batch {
			p.out <- ev
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-p.wake
	}
}
