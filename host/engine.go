package host

import (
	"time"

	"go2tv.app/wlcapture/frame"
)

// Engine is the native capture library as seen by the capture thread. Every
// method, and every Sink callback it makes, runs on that one thread; Sink
// callbacks are only delivered from inside Iterate.
type Engine interface {
	// Connect takes ownership of fd.
	Connect(fd int, sink Sink) error
	CreateStream(id uint32, req StreamRequest) error
	// ConfigureStream answers a FormatOffer with the chosen parameters.
	ConfigureStream(id uint32, n Negotiated) error
	DestroyStream(id uint32) error
	// Iterate dispatches pending engine work, blocking at most timeout.
	Iterate(timeout time.Duration) error
	Disconnect() error
}

// Sink receives engine callbacks.
type Sink interface {
	OnFormatOffer(id uint32, offer FormatOffer)
	OnStreaming(id uint32)
	// OnBuffer hands over one filled buffer. It stays valid until its
	// Release has been called, which the host does on the capture thread.
	OnBuffer(id uint32, buf RawBuffer)
	// OnStreamError reports a transient failure, hotplug or node removal.
	OnStreamError(id uint32, err error)
	// OnDisconnect reports loss of the whole engine connection.
	OnDisconnect(err error)
}

type StreamRequest struct {
	Name        string
	NodeID      uint32
	Width       uint32
	Height      uint32
	FPS         uint32
	Formats     []frame.PixelFormat
	BufferKinds []frame.BufferKind
	BufferCount int
	Cursor      bool
	Damage      bool
}

// FormatOffer is what the producer can deliver for a stream.
type FormatOffer struct {
	// Formats is empty when the producer did not say; DefaultFormat is
	// assumed then.
	Formats     []frame.PixelFormat
	Width       uint32
	Height      uint32
	BufferKinds []frame.BufferKind
	// Modifiers are the DRM modifiers usable for DMA-BUF sharing.
	Modifiers []uint64
}

type Negotiated struct {
	Format      frame.PixelFormat
	Width       uint32
	Height      uint32
	Stride      uint32
	Kind        frame.BufferKind
	Modifier    uint64
	BufferCount int
	Cursor      bool
	Damage      bool
}

// RawBuffer is one engine buffer. Exactly one of Data and DmaBuf is set,
// matching Kind.
type RawBuffer struct {
	Kind   frame.BufferKind
	Data   []byte
	DmaBuf frame.DmaBuf
	// Stride overrides the negotiated stride when non-zero.
	Stride uint32
	PTS    time.Duration
	// Damage is nil when the producer sent no damage metadata.
	Damage []frame.Region
	Cursor *CursorMeta
	// Release hands the buffer back to the engine. Nil when the engine does
	// not need it back.
	Release func()
}

// CursorMeta is the cursor metadata of one buffer. Bitmap is only set when
// the cursor image changed and is valid for the duration of the callback.
type CursorMeta struct {
	X, Y               int32
	HotspotX, HotspotY int32
	Width, Height      uint32
	Stride             uint32
	Format             frame.PixelFormat
	Bitmap             []byte
	Visible            bool
}
