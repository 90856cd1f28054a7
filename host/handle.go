package host

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go2tv.app/wlcapture/frame"
)

// StreamHandle is the consumer's end of an active stream. Its id stays
// reserved until both the stream has stopped and Release was called.
type StreamHandle struct {
	ID         uint32
	Name       string
	Descriptor frame.StreamDescriptor
	// Negotiated is the format agreed when the stream first became active.
	Negotiated Negotiated

	frames <-chan *frame.VideoFrame
	host   *Host

	releaseOnce sync.Once
}

// Frames yields captured frames in capture order. It is closed when the
// stream stops; the receiver owns and must release every frame it takes.
func (sh *StreamHandle) Frames() <-chan *frame.VideoFrame { return sh.frames }

// Close destroys the stream and releases the handle.
func (sh *StreamHandle) Close(ctx context.Context) error {
	err := sh.host.DestroyStream(ctx, sh.ID)
	sh.Release()
	if errors.Is(err, ErrStreamNotFound) || (err != nil && sh.host.Err() != nil) {
		// already stopped, or the host is gone and took the stream with it
		return nil
	}
	return err
}

// Release gives up the handle's claim on the id. Call it once the frame
// channel is no longer read.
func (sh *StreamHandle) Release() {
	sh.releaseOnce.Do(func() {
		sh.host.reg.release(sh.ID)
	})
}
