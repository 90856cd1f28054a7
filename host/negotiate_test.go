package host

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/wlcapture/frame"
)

func TestNegotiate(t *testing.T) {
	zeroCopy := StreamRequest{
		Formats:     frame.PreferenceOrder(frame.FormatBGRx),
		BufferKinds: []frame.BufferKind{frame.BufferDmaBuf, frame.BufferMapped},
		BufferCount: 3,
	}
	mappedOnly := zeroCopy
	mappedOnly.BufferKinds = []frame.BufferKind{frame.BufferMapped}

	both := []frame.BufferKind{frame.BufferMapped, frame.BufferDmaBuf}

	tests := []struct {
		name         string
		req          StreamRequest
		offer        FormatOffer
		wantFormat   frame.PixelFormat
		wantKind     frame.BufferKind
		wantModifier uint64
		wantErr      error
	}{
		{
			name:       "zero-copy preferred with linear modifier",
			req:        zeroCopy,
			offer:      FormatOffer{Formats: []frame.PixelFormat{frame.FormatRGBA, frame.FormatBGRx}, Width: 8, Height: 8, BufferKinds: both, Modifiers: []uint64{0x0100000000000001, frame.ModifierLinear}},
			wantFormat: frame.FormatBGRx,
			wantKind:   frame.BufferDmaBuf,
		},
		{
			name:         "first modifier when linear is missing",
			req:          zeroCopy,
			offer:        FormatOffer{Formats: []frame.PixelFormat{frame.FormatNV12}, Width: 8, Height: 8, BufferKinds: both, Modifiers: []uint64{7, 9}},
			wantFormat:   frame.FormatNV12,
			wantKind:     frame.BufferDmaBuf,
			wantModifier: 7,
		},
		{
			name:       "falls back to mapped without modifiers",
			req:        zeroCopy,
			offer:      FormatOffer{Formats: []frame.PixelFormat{frame.FormatBGRA}, Width: 8, Height: 8, BufferKinds: both},
			wantFormat: frame.FormatBGRA,
			wantKind:   frame.BufferMapped,
		},
		{
			name:       "zero-copy disabled",
			req:        mappedOnly,
			offer:      FormatOffer{Formats: []frame.PixelFormat{frame.FormatBGRx}, Width: 8, Height: 8, BufferKinds: both, Modifiers: []uint64{0}},
			wantFormat: frame.FormatBGRx,
			wantKind:   frame.BufferMapped,
		},
		{
			name:       "unspecified formats use the default",
			req:        mappedOnly,
			offer:      FormatOffer{Width: 8, Height: 8},
			wantFormat: frame.DefaultFormat,
			wantKind:   frame.BufferMapped,
		},
		{
			name:    "no common format",
			req:     zeroCopy,
			offer:   FormatOffer{Formats: []frame.PixelFormat{frame.PixelFormat(99)}, Width: 8, Height: 8},
			wantErr: ErrNegotiation,
		},
		{
			name:    "no common buffer mode",
			req:     mappedOnly,
			offer:   FormatOffer{Width: 8, Height: 8, BufferKinds: []frame.BufferKind{frame.BufferDmaBuf}, Modifiers: []uint64{0}},
			wantErr: ErrNegotiation,
		},
		{
			name:    "zero size",
			req:     zeroCopy,
			offer:   FormatOffer{Width: 0, Height: 8},
			wantErr: ErrNegotiation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := negotiate(tt.req, tt.offer)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFormat, n.Format)
			assert.Equal(t, tt.wantKind, n.Kind)
			assert.Equal(t, tt.wantModifier, n.Modifier)
			assert.Equal(t, tt.wantFormat.MinStride(8), n.Stride)
			assert.Equal(t, 3, n.BufferCount)
		})
	}
}

func TestRegistryNeverReusesLiveIDs(t *testing.T) {
	r := newRegistry()
	r.maxID = 4

	a, err := r.reserve("a")
	require.NoError(t, err)
	b, err := r.reserve("b")
	require.NoError(t, err)
	c, err := r.reserve("c")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, []uint32{a, b, c})

	_, err = r.reserve("a")
	assert.ErrorIs(t, err, ErrStreamExists)

	// session gone, handle still held
	r.release(b)
	assert.True(t, r.live(b))
	got, ok := r.streamFor("b")
	assert.True(t, ok)
	assert.Equal(t, b, got)

	r.release(b)
	assert.False(t, r.live(b))
	_, ok = r.streamFor("b")
	assert.False(t, ok)

	d, err := r.reserve("d")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), d)

	// wraps, skipping live 1
	e, err := r.reserve("e")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), e)

	_, err = r.reserve("f")
	assert.ErrorIs(t, err, ErrMaxStreams)

	r.forgetRegion(a)
	assert.True(t, r.live(a))
	id, ok := r.streamFor("e")
	assert.True(t, ok)
	assert.Equal(t, e, id)
	_, ok = r.streamFor("a")
	assert.False(t, ok)
}

func TestCursorTracker(t *testing.T) {
	var c cursorTracker
	assert.Nil(t, c.update(nil))

	info := c.update(&CursorMeta{X: 5, Y: 6, Visible: true})
	assert.False(t, info.Visible, "no bitmap yet")
	assert.Equal(t, uint64(0), info.Serial)

	rgba := []byte{
		10, 20, 30, 255, 1, 2, 3, 4, 0xee, 0xee, 0xee, 0xee,
		40, 50, 60, 128, 5, 6, 7, 8, 0xee, 0xee, 0xee, 0xee,
	}
	info = c.update(&CursorMeta{
		X: 7, Y: 8, HotspotX: 1, HotspotY: 1,
		Width: 2, Height: 2, Stride: 12,
		Format: frame.FormatRGBA, Bitmap: rgba, Visible: true,
	})
	require.True(t, info.Visible)
	assert.Equal(t, uint64(1), info.Serial)
	assert.Equal(t, []byte{30, 20, 10, 255, 3, 2, 1, 4, 60, 50, 40, 128, 7, 6, 5, 8}, info.Bitmap)
	assert.Equal(t, int32(1), info.HotspotX)

	// position only: bitmap and serial carry over
	moved := c.update(&CursorMeta{X: 100, Y: 200, Visible: true})
	assert.Equal(t, int32(100), moved.X)
	assert.Equal(t, uint64(1), moved.Serial)
	assert.Equal(t, info.Bitmap, moved.Bitmap)

	// truncated bitmap is ignored
	bad := c.update(&CursorMeta{Width: 4, Height: 4, Bitmap: make([]byte, 8), Visible: true})
	assert.Equal(t, uint64(1), bad.Serial)
}

func TestCursorRejectsOversizedGeometry(t *testing.T) {
	tests := []struct {
		name string
		meta CursorMeta
	}{
		{name: "row overflows 32 bits", meta: CursorMeta{Width: 1 << 30, Height: 1}},
		{name: "stride beyond bitmap", meta: CursorMeta{Width: 1, Height: 2, Stride: 0xffffffff}},
		{name: "height beyond bitmap", meta: CursorMeta{Width: 1, Height: 0xffffffff}},
		{name: "stride below row", meta: CursorMeta{Width: 4, Height: 1, Stride: 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.meta
			m.Bitmap = make([]byte, 16)
			m.Visible = true
			out, ok := cursorToBGRA(&m)
			assert.False(t, ok)
			assert.Nil(t, out)

			var c cursorTracker
			info := c.update(&m)
			assert.False(t, info.Visible)
			assert.Zero(t, info.Serial)
		})
	}
}

func TestBackoff(t *testing.T) {
	cfg := ReconnectConfig{MaxRetries: 5, RetryDelay: 100 * time.Millisecond, MaxRetryDelay: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{64, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}

	uncapped := ReconnectConfig{RetryDelay: time.Hour}
	for _, attempt := range []int{40, 64, 1000} {
		d := uncapped.Backoff(attempt)
		assert.Positive(t, d, "attempt %d", attempt)
		assert.Equal(t, time.Duration(math.MaxInt64), d)
	}
}
