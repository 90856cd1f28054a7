package host

import (
	"time"

	"go2tv.app/wlcapture/frame"
)

// State is the lifecycle of one captured region.
//
//	Created -> Negotiating -> Active -> Error -> Reconnecting -> Active
//	                                       \-> Stopped
//
// Stopped is terminal.
type State uint8

const (
	StateCreated State = iota
	StateNegotiating
	StateActive
	StateError
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StreamInfo is a snapshot of one stream, taken on the capture thread.
type StreamInfo struct {
	ID         uint32
	Name       string
	Descriptor frame.StreamDescriptor
	State      State
	Negotiated Negotiated
	Delivered  uint64
	Dropped    uint64
	Reconnects uint64
	Queued     int
	LastError  error
}

// session is owned by the capture thread; nothing else touches it.
type session struct {
	id    uint32
	name  string
	desc  frame.StreamDescriptor
	req   StreamRequest
	state State
	queue *frameQueue

	negotiated Negotiated

	// deadline bounds Negotiating and Reconnecting.
	deadline time.Time
	// retryAt is when an errored stream is retried.
	retryAt time.Time
	attempt int
	lastErr error

	// created is the pending CreateStream reply, nil once answered.
	created chan reply

	seq    uint64
	cursor cursorTracker

	delivered  uint64
	dropped    uint64
	reconnects uint64
}

func (s *session) info() StreamInfo {
	return StreamInfo{
		ID:         s.id,
		Name:       s.name,
		Descriptor: s.desc,
		State:      s.state,
		Negotiated: s.negotiated,
		Delivered:  s.delivered,
		Dropped:    s.dropped + s.queue.dropped.Load(),
		Reconnects: s.reconnects,
		Queued:     s.queue.len(),
		LastError:  s.lastErr,
	}
}
