package host

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"go2tv.app/wlcapture/frame"
	"go2tv.app/wlcapture/internal/logging"
)

// fakeEngine answers CreateStream with a format offer and ConfigureStream
// with streaming, all from inside Iterate like a real engine would.
type fakeEngine struct {
	mu         sync.Mutex
	sink       Sink
	offer      FormatOffer
	silent     bool
	failCreate error
	iterateErr error
	actions    []func(Sink)

	connects    int
	disconnects int
	creates     int
	destroyed   []uint32
	configured  map[uint32]Negotiated
	released    atomic.Int64

	// a native engine frees stream state on destroy, so destroying from
	// inside Iterate is a use-after-free there
	iterating        atomic.Bool
	destroyInIterate atomic.Int64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		offer: FormatOffer{
			Formats:     []frame.PixelFormat{frame.FormatBGRx, frame.FormatNV12},
			Width:       64,
			Height:      48,
			BufferKinds: []frame.BufferKind{frame.BufferMapped},
		},
		configured: make(map[uint32]Negotiated),
	}
}

func (e *fakeEngine) Connect(fd int, sink Sink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connects++
	e.sink = sink
	return closeFD(fd)
}

func (e *fakeEngine) CreateStream(id uint32, req StreamRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.creates++
	if e.failCreate != nil {
		return e.failCreate
	}
	if !e.silent {
		offer := e.offer
		e.actions = append(e.actions, func(s Sink) { s.OnFormatOffer(id, offer) })
	}
	return nil
}

func (e *fakeEngine) ConfigureStream(id uint32, n Negotiated) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configured[id] = n
	e.actions = append(e.actions, func(s Sink) { s.OnStreaming(id) })
	return nil
}

func (e *fakeEngine) DestroyStream(id uint32) error {
	if e.iterating.Load() {
		e.destroyInIterate.Add(1)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = append(e.destroyed, id)
	return nil
}

func (e *fakeEngine) Iterate(timeout time.Duration) error {
	e.mu.Lock()
	if e.iterateErr != nil {
		err := e.iterateErr
		e.mu.Unlock()
		return err
	}
	actions := e.actions
	e.actions = nil
	sink := e.sink
	e.mu.Unlock()

	if len(actions) == 0 {
		time.Sleep(timeout)
		return nil
	}
	e.iterating.Store(true)
	defer e.iterating.Store(false)
	for _, a := range actions {
		a(sink)
	}
	return nil
}

func (e *fakeEngine) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnects++
	return nil
}

func (e *fakeEngine) destroyedIDs() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint32(nil), e.destroyed...)
}

func (e *fakeEngine) inject(a func(Sink)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, a)
}

func (e *fakeEngine) set(fn func(e *fakeEngine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

// buffer injects one mapped buffer for stream id.
func (e *fakeEngine) buffer(id uint32, damage []frame.Region) {
	e.inject(func(s Sink) {
		s.OnBuffer(id, RawBuffer{
			Kind:    frame.BufferMapped,
			Data:    make([]byte, 64*4*48),
			Damage:  damage,
			Release: func() { e.released.Add(1) },
		})
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.OperationTimeout = time.Second
	cfg.ShutdownTimeout = 200 * time.Millisecond
	cfg.Reconnect = ReconnectConfig{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond}
	return cfg
}

// startHost returns a connected host and registers its shutdown.
func startHost(t *testing.T, cfg Config, e *fakeEngine) *Host {
	t.Helper()
	h, err := New(cfg, e, WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})

	require.NoError(t, h.Connect(testCtx(t), pipeFD(t)))
	return h
}

// pipeFD is a valid descriptor the host can duplicate.
func pipeFD(t *testing.T) int {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return int(r.Fd())
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func desc(region string) frame.StreamDescriptor {
	return frame.StreamDescriptor{
		RegionID: region,
		NodeID:   42,
		Width:    64,
		Height:   48,
		Source:   frame.SourceMonitor,
		Priority: frame.PriorityNormal,
	}
}

// waitEvent reads events until one of kind arrives.
func waitEvent(t *testing.T, h *Host, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			require.True(t, ok, "event stream closed while waiting for %s", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func recvFrame(t *testing.T, sh *StreamHandle) *frame.VideoFrame {
	t.Helper()
	select {
	case f, ok := <-sh.Frames():
		require.True(t, ok, "frame channel closed")
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame")
		return nil
	}
}

func waitClosed(t *testing.T, ch <-chan *frame.VideoFrame) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return
			}
			f.Release()
		case <-timeout:
			t.Fatal("frame channel not closed")
		}
	}
}

var errGone = errors.New("node removed")
