package bitmap

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"go2tv.app/wlcapture/frame"
)

// Data is one converted rectangle.
type Data struct {
	Rect   frame.Region
	Format WireFormat
	Stride int
	Bytes  []byte
}

// Update is the converted output for one frame. Rectangles keep the order
// in which they were produced. The consumer must call Release when done so
// the buffers go back to the pool.
type Update struct {
	StreamID  uint32
	Seq       uint64
	TraceID   uuid.UUID
	Timestamp time.Time
	Width     uint32
	Height    uint32
	// FullFrame is set when Rectangles is a single rectangle covering the
	// whole frame.
	FullFrame  bool
	Rectangles []Data
	Cursor     *frame.CursorInfo

	pool        *Pool
	releaseOnce sync.Once
}

// Empty reports an update with nothing to send (no damage since last frame).
func (u *Update) Empty() bool {
	return u == nil || len(u.Rectangles) == 0
}

// Bytes is the total payload size.
func (u *Update) Bytes() int {
	n := 0
	for _, r := range u.Rectangles {
		n += len(r.Bytes)
	}
	return n
}

func (u *Update) Release() {
	if u == nil {
		return
	}
	u.releaseOnce.Do(func() {
		if u.pool == nil {
			return
		}
		for i := range u.Rectangles {
			u.pool.Put(u.Rectangles[i].Bytes, u.Rectangles[i].Format)
			u.Rectangles[i].Bytes = nil
		}
	})
}
