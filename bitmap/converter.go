// Package bitmap turns captured frames into damage-aware bitmap updates in a
// consumer wire format.
package bitmap

import (
	"log/slog"
	"sync/atomic"

	"github.com/pkg/errors"

	"go2tv.app/wlcapture/damage"
	"go2tv.app/wlcapture/frame"
)

var (
	ErrConversion        = errors.New("conversion error")
	ErrUnsupportedFormat = errors.Wrap(ErrConversion, "unsupported pixel format")
)

type Options struct {
	Format      WireFormat
	StrideAlign int
	Pool        *Pool
	Logger      *slog.Logger
}

type Stats struct {
	Converted      uint64
	Failed         uint64
	Unchanged      uint64
	FullUpdates    uint64
	PartialUpdates uint64
	Rectangles     uint64
	BytesOut       uint64
}

// Converter runs the two conversion stages: source format to canonical
// BGRA32, then canonical to the wire format. It is safe for concurrent use;
// per-stream damage trackers are not and belong to the caller.
type Converter struct {
	format WireFormat
	align  int
	pool   *Pool
	log    *slog.Logger

	converted atomic.Uint64
	failed    atomic.Uint64
	unchanged atomic.Uint64
	full      atomic.Uint64
	partial   atomic.Uint64
	rects     atomic.Uint64
	bytesOut  atomic.Uint64
}

func NewConverter(opts Options) (*Converter, error) {
	if opts.Format == 0 {
		opts.Format = BgrX32
	}
	if !opts.Format.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "wire format %d", opts.Format)
	}
	if opts.StrideAlign <= 0 {
		opts.StrideAlign = DefaultStrideAlign
	}
	if opts.Pool == nil {
		opts.Pool = NewPool(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Converter{
		format: opts.Format,
		align:  opts.StrideAlign,
		pool:   opts.Pool,
		log:    opts.Logger,
	}, nil
}

func (c *Converter) Format() WireFormat { return c.format }
func (c *Converter) Pool() *Pool        { return c.pool }

// Convert builds the update for f. When tracker is non-nil and the frame
// carries damage hints, only the damaged rectangles are converted unless the
// tracker asks for a full update. Convert does not release f.
func (c *Converter) Convert(f *frame.VideoFrame, tracker *damage.Tracker) (*Update, error) {
	upd, err := c.convert(f, tracker)
	if err != nil {
		c.failed.Add(1)
		return nil, err
	}
	return upd, nil
}

func (c *Converter) convert(f *frame.VideoFrame, tracker *damage.Tracker) (*Update, error) {
	if f == nil {
		return nil, errors.Wrap(ErrConversion, "nil frame")
	}
	if !f.Format.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%s", f.Format)
	}
	if _, err := f.Format.BufferSize(f.Width, f.Height, f.Stride); err != nil {
		return nil, errors.Wrap(ErrConversion, err.Error())
	}

	src, unmap, err := f.Buffer.Map()
	if err != nil {
		return nil, errors.Wrapf(ErrConversion, "stream %d seq %d: %v", f.StreamID, f.Seq, err)
	}
	defer func() {
		if uerr := unmap(); uerr != nil {
			c.log.Warn("bitmap: unmap failed", "stream", f.StreamID, "error", uerr)
		}
	}()

	rects, full := c.rectangles(f, tracker)
	upd := &Update{
		StreamID:  f.StreamID,
		Seq:       f.Seq,
		TraceID:   f.TraceID,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		FullFrame: full,
		Cursor:    f.Cursor,
		pool:      c.pool,
	}
	if len(rects) == 0 {
		c.unchanged.Add(1)
		return upd, nil
	}

	for _, r := range rects {
		data, err := c.convertRect(src, f, r)
		if err != nil {
			upd.Release()
			return nil, err
		}
		upd.Rectangles = append(upd.Rectangles, data)
		c.bytesOut.Add(uint64(len(data.Bytes)))
	}

	c.converted.Add(1)
	c.rects.Add(uint64(len(rects)))
	if full {
		c.full.Add(1)
	} else {
		c.partial.Add(1)
	}
	return upd, nil
}

func (c *Converter) rectangles(f *frame.VideoFrame, tracker *damage.Tracker) ([]frame.Region, bool) {
	whole := []frame.Region{f.Bounds()}
	if tracker == nil {
		return whole, true
	}
	tracker.SetFrameSize(f.Width, f.Height)
	if f.Damage == nil {
		tracker.Reset()
		return whole, true
	}
	tracker.AccumulateAll(f.Damage)
	ex := tracker.Extract()
	if ex.FullUpdate {
		return whole, true
	}
	return ex.Regions, false
}

func (c *Converter) convertRect(src []byte, f *frame.VideoFrame, r frame.Region) (Data, error) {
	w, h := int(r.Width), int(r.Height)

	scratch := c.pool.Get(w*h*4, canonical)
	defer c.pool.Put(scratch, canonical)

	if err := ToCanonical(scratch, src, f.Format, f.Width, f.Height, f.Stride, r); err != nil {
		return Data{}, err
	}

	stride := AlignedStride(w, c.format, c.align)
	out := c.pool.Get(stride*h, c.format)
	if err := PackCanonical(out, stride, scratch, w, h, c.format); err != nil {
		c.pool.Put(out, c.format)
		return Data{}, err
	}
	return Data{Rect: r, Format: c.format, Stride: stride, Bytes: out}, nil
}

func (c *Converter) Stats() Stats {
	return Stats{
		Converted:      c.converted.Load(),
		Failed:         c.failed.Load(),
		Unchanged:      c.unchanged.Load(),
		FullUpdates:    c.full.Load(),
		PartialUpdates: c.partial.Load(),
		Rectangles:     c.rects.Load(),
		BytesOut:       c.bytesOut.Load(),
	}
}
