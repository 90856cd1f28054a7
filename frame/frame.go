// Package frame holds the data passed between the capture host and the
// conversion pipeline: pixel formats, stream descriptors, damage regions and
// the VideoFrame itself.
package frame

import (
	"time"

	"github.com/google/uuid"
)

// CursorInfo is cursor overlay metadata attached to a frame when cursor
// extraction is enabled.
type CursorInfo struct {
	X        int32
	Y        int32
	HotspotX int32
	HotspotY int32
	Width    uint32
	Height   uint32
	// Bitmap is BGRA, Width*Height*4 bytes. It is shared between frames
	// until Serial changes and must be treated as read-only.
	Bitmap  []byte
	Visible bool
	Serial  uint64
}

// VideoFrame is one captured picture. Whoever holds it owns Buffer and must
// call Release once the frame is converted or dropped.
type VideoFrame struct {
	StreamID uint32
	Seq      uint64
	TraceID  uuid.UUID

	Width  uint32
	Height uint32
	Stride uint32
	Format PixelFormat

	// Timestamp is the capture time on the host clock.
	Timestamp time.Time
	// PTS is the compositor presentation timestamp, when it supplied one.
	PTS time.Duration

	Buffer *Buffer

	// Damage is nil when the compositor sent no damage information; callers
	// must then treat the whole frame as dirty.
	Damage []Region
	Cursor *CursorInfo
}

// Age reports how long ago the frame was captured.
func (f *VideoFrame) Age(now time.Time) time.Duration {
	if f == nil || f.Timestamp.IsZero() {
		return 0
	}
	return now.Sub(f.Timestamp)
}

// Release returns the frame's buffer. Safe to call more than once.
func (f *VideoFrame) Release() {
	if f == nil {
		return
	}
	f.Buffer.Release()
}

// Bounds is the whole-frame rectangle.
func (f *VideoFrame) Bounds() Region {
	return FullRegion(f.Width, f.Height)
}
