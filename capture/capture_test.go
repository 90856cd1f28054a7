package capture

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/wlcapture/config"
	"go2tv.app/wlcapture/frame"
	"go2tv.app/wlcapture/host"
	"go2tv.app/wlcapture/internal/logging"
)

// scriptedEngine offers BGRx at 32x16 for every stream and streams as soon
// as it is configured.
type scriptedEngine struct {
	mu       sync.Mutex
	sink     host.Sink
	actions  []func(host.Sink)
	released atomic.Int64
	failNode uint32
}

func (e *scriptedEngine) Connect(fd int, sink host.Sink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
	return os.NewFile(uintptr(fd), "pipewire").Close()
}

func (e *scriptedEngine) CreateStream(id uint32, req host.StreamRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if req.NodeID == e.failNode {
		e.actions = append(e.actions, func(s host.Sink) {
			s.OnFormatOffer(id, host.FormatOffer{Formats: []frame.PixelFormat{frame.FormatUnknown}, Width: 32, Height: 16})
		})
		return nil
	}
	e.actions = append(e.actions, func(s host.Sink) {
		s.OnFormatOffer(id, host.FormatOffer{
			Formats:     []frame.PixelFormat{frame.FormatBGRx},
			Width:       32,
			Height:      16,
			BufferKinds: []frame.BufferKind{frame.BufferMapped},
		})
	})
	return nil
}

func (e *scriptedEngine) ConfigureStream(id uint32, _ host.Negotiated) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, func(s host.Sink) { s.OnStreaming(id) })
	return nil
}

func (e *scriptedEngine) DestroyStream(uint32) error { return nil }
func (e *scriptedEngine) Disconnect() error          { return nil }

func (e *scriptedEngine) Iterate(timeout time.Duration) error {
	e.mu.Lock()
	actions, sink := e.actions, e.sink
	e.actions = nil
	e.mu.Unlock()
	if len(actions) == 0 {
		time.Sleep(timeout)
	}
	for _, a := range actions {
		a(sink)
	}
	return nil
}

func (e *scriptedEngine) push(id uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, func(s host.Sink) {
		s.OnBuffer(id, host.RawBuffer{
			Kind:    frame.BufferMapped,
			Data:    make([]byte, 32*4*16),
			Release: func() { e.released.Add(1) },
		})
	})
}

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

func descs(nodes ...uint32) []frame.StreamDescriptor {
	var out []frame.StreamDescriptor
	for i, n := range nodes {
		out = append(out, frame.StreamDescriptor{
			RegionID: "region-" + string(rune('a'+i)),
			NodeID:   n,
			Width:    32,
			Height:   16,
			Source:   frame.SourceMonitor,
			Priority: frame.PriorityNormal,
		})
	}
	return out
}

func TestSessionDeliversUpdates(t *testing.T) {
	e := &scriptedEngine{}
	ctx := testCtx(t)
	s, err := newSession(ctx, config.Default(), e, pipeFD(t), descs(10, 11), logging.Discard())
	require.NoError(t, err)
	require.Len(t, s.Streams, 2)
	assert.NotEqual(t, s.Streams[0].ID, s.Streams[1].ID)
	assert.Equal(t, frame.FormatBGRx, s.Streams[0].Negotiated.Format)

	e.push(s.Streams[1].ID)
	select {
	case u := <-s.Updates():
		assert.Equal(t, s.Streams[1].ID, u.StreamID)
		assert.True(t, u.FullFrame)
		u.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("no update")
	}

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, int64(1), e.released.Load())
	assert.Equal(t, 0, s.Host().Outstanding())
	_, ok := <-s.Updates()
	assert.False(t, ok)
	assert.NoError(t, s.Close(ctx), "close is idempotent")
}

func TestSessionFailsOnRejectedRegion(t *testing.T) {
	e := &scriptedEngine{failNode: 11}
	_, err := newSession(testCtx(t), config.Default(), e, pipeFD(t), descs(10, 11), logging.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, host.ErrNegotiation)
	assert.Contains(t, err.Error(), "region-b")
}

func TestSessionStopsHostWhenPipelineFails(t *testing.T) {
	cfg := config.Default()
	cfg.LowWaterMark = cfg.HighWaterMark
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := newSession(ctx, cfg, &scriptedEngine{}, pipeFD(t), descs(10), logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "water marks")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSessionNeedsStreams(t *testing.T) {
	_, err := newSession(testCtx(t), config.Default(), &scriptedEngine{}, pipeFD(t), nil, logging.Discard())
	assert.ErrorIs(t, err, ErrNoStreams)
}

func TestOptionsNormalize(t *testing.T) {
	o := Options{}
	cfg, err := o.normalize()
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, frame.SourceMonitor|frame.SourceWindow, o.Sources)
	assert.Equal(t, frame.PriorityHigh, o.Priority(0, frame.StreamDescriptor{}))
	assert.Equal(t, frame.PriorityNormal, o.Priority(3, frame.StreamDescriptor{}))

	bad := config.Default()
	bad.BufferCount = 0
	o = Options{Config: &bad}
	_, err = o.normalize()
	assert.ErrorIs(t, err, ErrInvalidOptions)
}
