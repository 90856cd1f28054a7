package host

import (
	"slices"

	"github.com/pkg/errors"

	"go2tv.app/wlcapture/frame"
)

func (h *Host) streamRequest(s *session) StreamRequest {
	kinds := []frame.BufferKind{frame.BufferMapped}
	if h.cfg.UseZeroCopy {
		kinds = []frame.BufferKind{frame.BufferDmaBuf, frame.BufferMapped}
	}
	return StreamRequest{
		Name:        s.name,
		NodeID:      s.desc.NodeID,
		Width:       s.desc.Width,
		Height:      s.desc.Height,
		FPS:         h.cfg.TargetFPS,
		Formats:     frame.PreferenceOrder(h.cfg.PreferredFormat),
		BufferKinds: kinds,
		BufferCount: h.cfg.BufferCount,
		Cursor:      h.cfg.EnableCursor,
		Damage:      h.cfg.EnableDamage,
	}
}

// negotiate picks the first of our formats the producer offers, then the
// first buffer mode it supports in request order: zero-copy before mapped.
func negotiate(req StreamRequest, offer FormatOffer) (Negotiated, error) {
	if offer.Width == 0 || offer.Height == 0 {
		return Negotiated{}, errors.Wrapf(ErrNegotiation, "offered size %dx%d", offer.Width, offer.Height)
	}

	format := frame.FormatUnknown
	if len(offer.Formats) == 0 {
		if slices.Contains(req.Formats, frame.DefaultFormat) {
			format = frame.DefaultFormat
		}
	} else {
		for _, f := range req.Formats {
			if slices.Contains(offer.Formats, f) {
				format = f
				break
			}
		}
	}
	if format == frame.FormatUnknown {
		return Negotiated{}, errors.Wrapf(ErrNegotiation, "no common format in %v", offer.Formats)
	}

	offered := offer.BufferKinds
	if len(offered) == 0 {
		offered = []frame.BufferKind{frame.BufferMapped}
	}
	var (
		kind     frame.BufferKind
		modifier uint64
	)
	for _, k := range req.BufferKinds {
		if !slices.Contains(offered, k) {
			continue
		}
		if k == frame.BufferDmaBuf {
			if len(offer.Modifiers) == 0 {
				continue
			}
			modifier = offer.Modifiers[0]
			if slices.Contains(offer.Modifiers, frame.ModifierLinear) {
				modifier = frame.ModifierLinear
			}
		}
		kind = k
		break
	}
	if kind == 0 {
		return Negotiated{}, errors.Wrapf(ErrNegotiation, "no common buffer mode in %v", offered)
	}

	return Negotiated{
		Format:      format,
		Width:       offer.Width,
		Height:      offer.Height,
		Stride:      format.MinStride(offer.Width),
		Kind:        kind,
		Modifier:    modifier,
		BufferCount: req.BufferCount,
		Cursor:      req.Cursor,
		Damage:      req.Damage,
	}, nil
}
