package frame

import (
	"sync"

	"github.com/pkg/errors"
)

// BufferKind tells which variant a Buffer holds.
type BufferKind uint8

const (
	BufferMapped BufferKind = iota + 1
	BufferDmaBuf
)

func (k BufferKind) String() string {
	switch k {
	case BufferMapped:
		return "mapped"
	case BufferDmaBuf:
		return "dmabuf"
	default:
		return "none"
	}
}

// ModifierLinear is DRM_FORMAT_MOD_LINEAR; only linear DMA-BUFs can be mapped
// and read on the CPU.
const ModifierLinear uint64 = 0

// DmaBuf is a GPU buffer exported by the compositor. FD is owned by the
// Buffer that wraps it.
type DmaBuf struct {
	FD       int
	Offset   uint32
	Stride   uint32
	Size     uint32
	Modifier uint64
}

var (
	ErrNotMappable = errors.New("buffer cannot be mapped")
	ErrReleased    = errors.New("buffer already released")
)

// Buffer owns the pixel storage of a VideoFrame: either locally mapped
// memory or a DMA-BUF, never both. The variant is fixed at construction.
type Buffer struct {
	kind BufferKind
	data []byte
	dma  DmaBuf

	releaseOnce sync.Once
	release     func()

	mu       sync.Mutex
	released bool
}

// NewMappedBuffer wraps memory the frame owns. release runs once, when the
// frame is released, and may hand data back to a pool.
func NewMappedBuffer(data []byte, release func()) *Buffer {
	return &Buffer{kind: BufferMapped, data: data, release: release}
}

// NewDmaBuffer wraps an owned DMA-BUF. release runs once and is expected to
// close d.FD.
func NewDmaBuffer(d DmaBuf, release func()) *Buffer {
	return &Buffer{kind: BufferDmaBuf, dma: d, release: release}
}

func (b *Buffer) Kind() BufferKind {
	if b == nil {
		return 0
	}
	return b.kind
}

// Bytes returns the mapped memory, or nil for a DMA-BUF.
func (b *Buffer) Bytes() []byte {
	if b == nil || b.kind != BufferMapped {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	return b.data
}

func (b *Buffer) DmaBuf() (DmaBuf, bool) {
	if b == nil || b.kind != BufferDmaBuf {
		return DmaBuf{}, false
	}
	return b.dma, true
}

// Map gives CPU access to the pixels. For mapped memory it is free; a linear
// DMA-BUF is mmapped read-only. The returned function undoes the mapping.
func (b *Buffer) Map() ([]byte, func() error, error) {
	if b == nil {
		return nil, nil, errors.Wrap(ErrNotMappable, "nil buffer")
	}
	b.mu.Lock()
	released := b.released
	b.mu.Unlock()
	if released {
		return nil, nil, ErrReleased
	}
	switch b.kind {
	case BufferMapped:
		return b.data, func() error { return nil }, nil
	case BufferDmaBuf:
		if b.dma.Modifier != ModifierLinear {
			return nil, nil, errors.Wrapf(ErrNotMappable, "dmabuf modifier %#x is not linear", b.dma.Modifier)
		}
		return mapDmaBuf(b.dma)
	default:
		return nil, nil, errors.Wrap(ErrNotMappable, "empty buffer")
	}
}

// Release hands the storage back. It is safe to call more than once.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	b.releaseOnce.Do(func() {
		b.mu.Lock()
		b.released = true
		b.mu.Unlock()
		if b.release != nil {
			b.release()
		}
	})
}

func (b *Buffer) Released() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}
