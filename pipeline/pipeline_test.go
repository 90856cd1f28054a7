package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/wlcapture/bitmap"
	"go2tv.app/wlcapture/bitrate"
	"go2tv.app/wlcapture/frame"
	"go2tv.app/wlcapture/internal/logging"
)

const (
	testW = 8
	testH = 4
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Processor.TargetFPS = 1000
	cfg.Processor.MaxFrameAge = 0
	cfg.Dispatch.MaxFrameAge = 10 * time.Second
	return cfg
}

func startPipeline(t *testing.T, cfg Config) (*Pipeline, <-chan error) {
	t.Helper()
	p, err := New(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return p, errc
}

// bgrxFrame is a solid frame; released counts buffer releases.
func bgrxFrame(stream uint32, seq uint64, damage []frame.Region, released *atomic.Int64) *frame.VideoFrame {
	data := make([]byte, testW*4*testH)
	for i := 0; i < len(data); i += 4 {
		data[i], data[i+1], data[i+2], data[i+3] = 0x10, 0x20, 0x30, 0x00
	}
	return &frame.VideoFrame{
		StreamID:  stream,
		Seq:       seq,
		Width:     testW,
		Height:    testH,
		Stride:    testW * 4,
		Format:    frame.FormatBGRx,
		Timestamp: time.Now(),
		Damage:    damage,
		Buffer: frame.NewMappedBuffer(data, func() {
			if released != nil {
				released.Add(1)
			}
		}),
	}
}

func recvUpdate(t *testing.T, p *Pipeline) *bitmap.Update {
	t.Helper()
	select {
	case u, ok := <-p.Updates():
		require.True(t, ok, "updates closed")
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("no update")
		return nil
	}
}

func TestFramesFlowToUpdates(t *testing.T) {
	p, _ := startPipeline(t, testConfig())

	ch := make(chan *frame.VideoFrame, 4)
	require.NoError(t, p.AddStream(1, frame.PriorityNormal, ch, nil))

	var released atomic.Int64
	ch <- bgrxFrame(1, 1, nil, &released)
	u := recvUpdate(t, p)
	defer u.Release()

	assert.Equal(t, uint32(1), u.StreamID)
	assert.True(t, u.FullFrame, "no damage info means the whole frame")
	require.Len(t, u.Rectangles, 1)
	r := u.Rectangles[0]
	assert.Equal(t, frame.FullRegion(testW, testH), r.Rect)
	assert.Equal(t, bitmap.BgrX32, r.Format)
	assert.Equal(t, []byte{0x10, 0x20, 0x30, 0xff}, r.Bytes[:4])
	assert.Equal(t, int64(1), released.Load(), "source frame released after conversion")

	ch <- bgrxFrame(1, 2, []frame.Region{{X: 0, Y: 0, Width: 2, Height: 2}}, &released)
	u2 := recvUpdate(t, p)
	defer u2.Release()
	assert.False(t, u2.FullFrame)
	require.Len(t, u2.Rectangles, 1)
	assert.Equal(t, frame.Region{Width: 2, Height: 2}, u2.Rectangles[0].Rect)

	s := p.Stats()
	assert.Equal(t, uint64(2), s.Delivered)
	assert.Equal(t, uint64(1), s.Converter.FullUpdates)
	assert.Equal(t, uint64(1), s.Converter.PartialUpdates)
}

func TestUnchangedFramesProduceNoUpdate(t *testing.T) {
	p, _ := startPipeline(t, testConfig())
	ch := make(chan *frame.VideoFrame, 4)
	require.NoError(t, p.AddStream(1, frame.PriorityNormal, ch, nil))

	var released atomic.Int64
	ch <- bgrxFrame(1, 1, []frame.Region{}, &released)

	require.Eventually(t, func() bool { return p.Stats().Unchanged == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int64(1), released.Load())
	select {
	case u := <-p.Updates():
		t.Fatalf("unexpected update %+v", u)
	default:
	}
}

func TestDamageDisabledAlwaysFull(t *testing.T) {
	cfg := testConfig()
	cfg.EnableDamage = false
	p, _ := startPipeline(t, cfg)
	ch := make(chan *frame.VideoFrame, 1)
	require.NoError(t, p.AddStream(1, frame.PriorityNormal, ch, nil))

	ch <- bgrxFrame(1, 1, []frame.Region{{Width: 1, Height: 1}}, nil)
	u := recvUpdate(t, p)
	defer u.Release()
	assert.True(t, u.FullFrame)
}

func TestConversionFailureIsCounted(t *testing.T) {
	p, _ := startPipeline(t, testConfig())
	ch := make(chan *frame.VideoFrame, 2)
	require.NoError(t, p.AddStream(1, frame.PriorityNormal, ch, nil))

	var released atomic.Int64
	bad := bgrxFrame(1, 1, nil, &released)
	bad.Format = frame.FormatUnknown
	ch <- bad
	ch <- bgrxFrame(1, 2, nil, &released)

	u := recvUpdate(t, p)
	defer u.Release()
	assert.Equal(t, uint64(2), u.Seq)
	assert.Equal(t, uint64(1), p.Stats().Failed)
	assert.Equal(t, int64(2), released.Load())
}

func TestClosedStreamRunsOnDone(t *testing.T) {
	p, _ := startPipeline(t, testConfig())
	ch := make(chan *frame.VideoFrame, 1)
	done := make(chan struct{})
	require.NoError(t, p.AddStream(3, frame.PriorityHigh, ch, func() { close(done) }))

	ch <- bgrxFrame(3, 1, nil, nil)
	u := recvUpdate(t, p)
	u.Release()
	close(ch)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("onDone not called")
	}
	// the id can be reused once drained
	require.NoError(t, p.AddStream(3, frame.PriorityHigh, make(chan *frame.VideoFrame), nil))
}

func TestBitrateFeedback(t *testing.T) {
	p, _ := startPipeline(t, testConfig())
	before := p.RecommendedBitrate()
	require.NotZero(t, before)

	for i := 0; i < 5; i++ {
		p.RecordNetworkFeedback(0.3, 20*time.Millisecond)
	}
	assert.Less(t, p.RecommendedBitrate(), before)

	s := p.Stats()
	require.NotNil(t, s.Bitrate)
	assert.Equal(t, p.RecommendedBitrate(), s.RecommendedKbps)
	assert.Error(t, p.RecordRTCP([]byte{0x01}), "garbage is not RTCP")
}

func TestBitrateResetsWhenStreamsGone(t *testing.T) {
	p, _ := startPipeline(t, testConfig())
	initial := p.RecommendedBitrate()

	ch := make(chan *frame.VideoFrame)
	done := make(chan struct{})
	require.NoError(t, p.AddStream(1, frame.PriorityNormal, ch, func() { close(done) }))
	for i := 0; i < 5; i++ {
		p.RecordNetworkFeedback(0.3, 20*time.Millisecond)
	}
	require.Less(t, p.RecommendedBitrate(), initial)
	require.True(t, p.Bitrate().ShouldSkipFrame(), "congested after loss")

	close(ch)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream not drained")
	}
	require.NoError(t, p.AddStream(1, frame.PriorityNormal, make(chan *frame.VideoFrame), nil))
	assert.Equal(t, initial, p.RecommendedBitrate())
	assert.False(t, p.Bitrate().ShouldSkipFrame())
}

func TestBitrateControllerExposed(t *testing.T) {
	p, _ := startPipeline(t, testConfig())
	ctl := p.Bitrate()
	require.NotNil(t, ctl)

	ctl.SetPreset(bitrate.PresetLowLatency)
	assert.Equal(t, bitrate.PresetLowLatency, ctl.Preset())
	assert.NotZero(t, ctl.RecommendedQuality())
	assert.Equal(t, ctl.RecommendedBitrate(), p.RecommendedBitrate())
}

func TestBitrateDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Bitrate = nil
	p, _ := startPipeline(t, cfg)

	p.RecordEncode(time.Millisecond, 1000)
	p.RecordNetworkFeedback(0.5, time.Second)
	assert.Zero(t, p.RecommendedBitrate())
	assert.NoError(t, p.RecordRTCP([]byte{0x01}))
	assert.Nil(t, p.Stats().Bitrate)
	assert.Nil(t, p.Bitrate())
}

func TestCloseStopsRun(t *testing.T) {
	p, err := New(testConfig(), WithLogger(logging.Discard()))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background()) }()

	var released atomic.Int64
	require.NoError(t, p.AddStream(1, frame.PriorityNormal, make(chan *frame.VideoFrame), nil))
	time.Sleep(10 * time.Millisecond)
	p.Close()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	_, ok := <-p.Updates()
	assert.False(t, ok, "updates closed")
	assert.ErrorIs(t, p.Run(context.Background()), ErrRunning)
	assert.Zero(t, released.Load())
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.OutputSize = 0
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Dispatch.ChannelSize = 0
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Processor.TargetFPS = 0
	_, err = New(cfg)
	assert.Error(t, err)
}
