package host

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go2tv.app/wlcapture/frame"
)

// hostSink receives engine callbacks. They arrive from inside Iterate, on
// the capture thread, so they touch session state directly.
type hostSink struct{ h *Host }

func (k hostSink) OnFormatOffer(id uint32, offer FormatOffer) {
	h := k.h
	s, ok := h.sessions[id]
	if !ok {
		return
	}
	switch s.state {
	case StateNegotiating, StateReconnecting, StateActive:
	default:
		return
	}

	n, err := negotiate(s.req, offer)
	if err == nil {
		if cerr := h.engine.ConfigureStream(id, n); cerr != nil {
			err = errors.Wrapf(ErrNegotiation, "configure %s: %v", s.name, cerr)
		}
	}
	if err != nil {
		h.log.Warn("host: negotiation failed", "stream", id, "error", err)
		h.stopSession(s, err)
		return
	}
	s.negotiated = n
	h.log.Debug("host: stream negotiated",
		"stream", id,
		"format", n.Format,
		"size", n.Width*n.Height,
		"buffers", n.Kind,
		"modifier", n.Modifier,
	)
}

func (k hostSink) OnStreaming(id uint32) {
	h := k.h
	s, ok := h.sessions[id]
	if !ok || s.negotiated.Kind == 0 {
		return
	}
	switch s.state {
	case StateNegotiating:
		s.state = StateActive
		handle := &StreamHandle{
			ID:         id,
			Name:       s.name,
			Descriptor: s.desc,
			Negotiated: s.negotiated,
			frames:     s.queue.ch,
			host:       h,
		}
		s.created <- reply{handle: handle}
		s.created = nil
	case StateReconnecting:
		s.state = StateActive
		s.attempt = 0
		s.reconnects++
	default:
		return
	}
	h.log.Debug("host: stream active", "stream", id, "reconnects", s.reconnects)
	h.events.publish(Event{Kind: EventStreamActive, StreamID: id, RegionID: s.desc.RegionID, State: StateActive})
}

func (k hostSink) OnBuffer(id uint32, raw RawBuffer) {
	h := k.h
	s, ok := h.sessions[id]
	if !ok || s.state != StateActive {
		if raw.Release != nil {
			raw.Release()
		}
		return
	}

	f, err := h.packageFrame(s, raw)
	if err != nil {
		s.dropped++
		if raw.Release != nil {
			raw.Release()
		}
		h.log.Debug("host: buffer dropped", "stream", id, "error", err)
		return
	}
	if s.queue.push(f) {
		s.delivered++
	}
}

func (k hostSink) OnStreamError(id uint32, err error) {
	if s, ok := k.h.sessions[id]; ok {
		k.h.streamFailed(s, err)
	}
}

func (k hostSink) OnDisconnect(err error) {
	h := k.h
	if !h.connected {
		return
	}
	h.log.Warn("host: engine connection lost", "error", err)
	h.connected = false
	h.dropConnection = true
	cause := errors.Wrapf(ErrConnection, "disconnected: %v", err)
	for _, s := range h.sessions {
		h.stopSession(s, cause)
	}
	h.events.publish(Event{Kind: EventDisconnected, Err: cause})
}

// packageFrame wraps an engine buffer into a VideoFrame. The buffer goes
// back to the engine on the capture thread once the frame is released.
func (h *Host) packageFrame(s *session, raw RawBuffer) (*frame.VideoFrame, error) {
	n := s.negotiated
	if raw.Kind != n.Kind {
		return nil, errors.Errorf("buffer kind %s, negotiated %s", raw.Kind, n.Kind)
	}
	stride := n.Stride
	if raw.Stride != 0 {
		stride = raw.Stride
	}

	var buf *frame.Buffer
	switch raw.Kind {
	case frame.BufferMapped:
		size, err := n.Format.BufferSize(n.Width, n.Height, stride)
		if err != nil {
			return nil, err
		}
		if len(raw.Data) < size {
			return nil, errors.Errorf("short buffer: %d bytes, need %d", len(raw.Data), size)
		}
		h.outstanding.Add(1)
		buf = frame.NewMappedBuffer(raw.Data, func() { h.releaseLater(raw.Release) })
	case frame.BufferDmaBuf:
		d := raw.DmaBuf
		fd, err := dupFD(d.FD)
		if err != nil {
			return nil, err
		}
		d.FD = fd
		if d.Stride == 0 {
			d.Stride = stride
		}
		h.outstanding.Add(1)
		buf = frame.NewDmaBuffer(d, func() {
			_ = closeFD(fd)
			h.releaseLater(raw.Release)
		})
	default:
		return nil, errors.Errorf("buffer kind %d", raw.Kind)
	}

	f := &frame.VideoFrame{
		StreamID:  s.id,
		Seq:       s.seq,
		TraceID:   uuid.New(),
		Width:     n.Width,
		Height:    n.Height,
		Stride:    stride,
		Format:    n.Format,
		Timestamp: h.now(),
		PTS:       raw.PTS,
		Buffer:    buf,
	}
	s.seq++
	if h.cfg.EnableDamage && raw.Damage != nil {
		f.Damage = clipDamage(raw.Damage, n.Width, n.Height)
	}
	if h.cfg.EnableCursor {
		f.Cursor = s.cursor.update(raw.Cursor)
	}
	return f, nil
}

// clipDamage keeps damage inside the frame. A non-nil empty result means
// nothing changed.
func clipDamage(in []frame.Region, width, height uint32) []frame.Region {
	out := make([]frame.Region, 0, len(in))
	for _, r := range in {
		if c, ok := r.Clip(width, height); ok {
			out = append(out, c)
		}
	}
	return out
}
