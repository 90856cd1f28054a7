package bitmap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/wlcapture/damage"
	"go2tv.app/wlcapture/frame"
)

// 2x2 NV12 block: luma 16, 235 / 81, 145 sharing one chroma sample U=90 V=240.
var nv12Block = []byte{
	16, 235,
	81, 145,
	90, 240,
}

var nv12BlockBGRA = []byte{
	0, 0, 179, 255, 178, 179, 255, 255,
	0, 0, 255, 255, 74, 74, 255, 255,
}

func TestNV12TestVector(t *testing.T) {
	dst := make([]byte, 16)
	err := ToCanonical(dst, nv12Block, frame.FormatNV12, 2, 2, 2, frame.FullRegion(2, 2))
	require.NoError(t, err)
	assert.Equal(t, nv12BlockBGRA, dst)
}

func TestYUVToBGR(t *testing.T) {
	tests := []struct {
		name    string
		y, u, v uint8
		b, g, r uint8
	}{
		{name: "black", y: 16, u: 128, v: 128},
		{name: "white", y: 235, u: 128, v: 128, b: 255, g: 255, r: 255},
		{name: "mid gray", y: 126, u: 128, v: 128, b: 128, g: 128, r: 128},
		{name: "red chroma", y: 81, u: 90, v: 240, b: 0, g: 0, r: 255},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, g, r := YUVToBGR(tt.y, tt.u, tt.v)
			assert.Equal(t, []uint8{tt.b, tt.g, tt.r}, []uint8{b, g, r})
		})
	}
}

func TestI420AndYUY2MatchNV12(t *testing.T) {
	i420 := []byte{
		16, 235,
		81, 145,
		90,
		240,
	}
	dst := make([]byte, 16)
	require.NoError(t, ToCanonical(dst, i420, frame.FormatI420, 2, 2, 2, frame.FullRegion(2, 2)))
	assert.Equal(t, nv12BlockBGRA, dst)

	// YUY2 carries chroma per row; repeat the sample on both rows.
	yuy2 := []byte{
		16, 90, 235, 240,
		81, 90, 145, 240,
	}
	clear(dst)
	require.NoError(t, ToCanonical(dst, yuy2, frame.FormatYUY2, 2, 2, 4, frame.FullRegion(2, 2)))
	assert.Equal(t, nv12BlockBGRA, dst)
}

func TestPackedSwizzle(t *testing.T) {
	rgbx := []byte{10, 20, 30, 0, 40, 50, 60, 0}
	dst := make([]byte, 8)
	require.NoError(t, ToCanonical(dst, rgbx, frame.FormatRGBx, 2, 1, 8, frame.FullRegion(2, 1)))
	assert.Equal(t, []byte{30, 20, 10, 255, 60, 50, 40, 255}, dst)

	bgra := []byte{1, 2, 3, 4}
	dst = make([]byte, 4)
	require.NoError(t, ToCanonical(dst, bgra, frame.FormatBGRA, 1, 1, 4, frame.FullRegion(1, 1)))
	assert.Equal(t, []byte{1, 2, 3, 4}, dst)

	rgb := []byte{7, 8, 9, 0, 0, 0}
	dst = make([]byte, 4)
	require.NoError(t, ToCanonical(dst, rgb, frame.FormatRGB, 1, 1, 6, frame.FullRegion(1, 1)))
	assert.Equal(t, []byte{9, 8, 7, 255}, dst)
}

func TestPackCanonical(t *testing.T) {
	canon := []byte{0xFF, 0x80, 0x10, 0xFF} // B G R A
	tests := []struct {
		name   string
		format WireFormat
		want   []byte
	}{
		{name: "bgrx32", format: BgrX32, want: []byte{0xFF, 0x80, 0x10, 0xFF}},
		{name: "bgr24", format: Bgr24, want: []byte{0xFF, 0x80, 0x10}},
		// r=0x10>>3=2, g=0x80>>2=32, b=0xFF>>3=31 -> 2<<11|32<<5|31 = 0x141F
		{name: "rgb16", format: Rgb16, want: []byte{0x1F, 0x14}},
		// r=2, g=0x80>>3=16, b=31 -> 2<<10|16<<5|31 = 0x0A1F
		{name: "rgb15", format: Rgb15, want: []byte{0x1F, 0x0A}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stride := AlignedStride(1, tt.format, 4)
			dst := bytes.Repeat([]byte{0xAA}, stride)
			require.NoError(t, PackCanonical(dst, stride, canon, 1, 1, tt.format))
			assert.Equal(t, tt.want, dst[:len(tt.want)])
			assert.Equal(t, make([]byte, stride-len(tt.want)), dst[len(tt.want):])
		})
	}
}

func TestPackCanonicalIdempotent(t *testing.T) {
	canon := make([]byte, 13*7*4)
	for i := range canon {
		canon[i] = byte(i * 31)
	}
	for _, format := range []WireFormat{BgrX32, Bgr24, Rgb16, Rgb15} {
		stride := AlignedStride(13, format, DefaultStrideAlign)
		first := make([]byte, stride*7)
		second := bytes.Repeat([]byte{0x5A}, stride*7)
		require.NoError(t, PackCanonical(first, stride, canon, 13, 7, format))
		require.NoError(t, PackCanonical(second, stride, canon, 13, 7, format))
		assert.Equal(t, first, second, format.String())
	}
}

func bgrxFrame(w, h uint32, damage []frame.Region) *frame.VideoFrame {
	stride := w * 4
	data := make([]byte, int(stride*h))
	for i := range data {
		data[i] = byte(i)
	}
	return &frame.VideoFrame{
		StreamID: 1,
		Width:    w,
		Height:   h,
		Stride:   stride,
		Format:   frame.FormatBGRx,
		Buffer:   frame.NewMappedBuffer(data, nil),
		Damage:   damage,
	}
}

func TestConvertFullFrameWithoutDamage(t *testing.T) {
	c, err := NewConverter(Options{Format: Bgr24})
	require.NoError(t, err)

	upd, err := c.Convert(bgrxFrame(16, 4, nil), damage.NewTracker(16, 4, damage.DefaultOptions()))
	require.NoError(t, err)
	require.Len(t, upd.Rectangles, 1)
	assert.True(t, upd.FullFrame)
	assert.Equal(t, frame.FullRegion(16, 4), upd.Rectangles[0].Rect)
	assert.Equal(t, AlignedStride(16, Bgr24, DefaultStrideAlign), upd.Rectangles[0].Stride)
	assert.Equal(t, uint64(1), c.Stats().FullUpdates)
}

func TestConvertDamagedRectanglesOnly(t *testing.T) {
	c, err := NewConverter(Options{Format: BgrX32, StrideAlign: 1})
	require.NoError(t, err)
	opts := damage.DefaultOptions()
	opts.MergeDistance = 0
	tracker := damage.NewTracker(100, 100, opts)

	f := bgrxFrame(100, 100, []frame.Region{
		{X: 0, Y: 0, Width: 10, Height: 10},
		{X: 50, Y: 50, Width: 4, Height: 2},
	})
	upd, err := c.Convert(f, tracker)
	require.NoError(t, err)
	assert.False(t, upd.FullFrame)
	require.Len(t, upd.Rectangles, 2)

	r := upd.Rectangles[1]
	assert.Equal(t, frame.Region{X: 50, Y: 50, Width: 4, Height: 2}, r.Rect)
	assert.Equal(t, 16, r.Stride)
	src := f.Buffer.Bytes()
	for row := 0; row < 2; row++ {
		off := (50+row)*400 + 50*4
		for px := 0; px < 4; px++ {
			want := []byte{src[off+px*4], src[off+px*4+1], src[off+px*4+2], 0xFF}
			assert.Equal(t, want, r.Bytes[row*16+px*4:row*16+px*4+4])
		}
	}
	assert.True(t, tracker.Empty(), "extraction resets tracker")

	upd.Release()
	assert.Nil(t, upd.Rectangles[0].Bytes)
	assert.Positive(t, c.Pool().Stats().Returned)
}

func TestConvertLargeDamageBecomesFull(t *testing.T) {
	c, err := NewConverter(Options{})
	require.NoError(t, err)
	tracker := damage.NewTracker(100, 100, damage.DefaultOptions())

	upd, err := c.Convert(bgrxFrame(100, 100, []frame.Region{{Width: 100, Height: 50}}), tracker)
	require.NoError(t, err)
	assert.True(t, upd.FullFrame)
	require.Len(t, upd.Rectangles, 1)
	assert.Equal(t, frame.FullRegion(100, 100), upd.Rectangles[0].Rect)
}

func TestConvertEmptyDamageIsUnchanged(t *testing.T) {
	c, err := NewConverter(Options{})
	require.NoError(t, err)

	upd, err := c.Convert(bgrxFrame(8, 8, []frame.Region{}), damage.NewTracker(8, 8, damage.DefaultOptions()))
	require.NoError(t, err)
	assert.True(t, upd.Empty())
	assert.Equal(t, uint64(1), c.Stats().Unchanged)
}

func TestConvertErrors(t *testing.T) {
	c, err := NewConverter(Options{})
	require.NoError(t, err)

	bad := bgrxFrame(8, 8, nil)
	bad.Stride = 16
	_, err = c.Convert(bad, nil)
	assert.ErrorIs(t, err, ErrConversion)

	short := bgrxFrame(8, 8, nil)
	short.Buffer = frame.NewMappedBuffer(make([]byte, 10), nil)
	_, err = c.Convert(short, nil)
	assert.ErrorIs(t, err, ErrConversion)

	unknown := bgrxFrame(8, 8, nil)
	unknown.Format = frame.FormatUnknown
	_, err = c.Convert(unknown, nil)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.ErrorIs(t, err, ErrConversion)

	assert.Equal(t, uint64(3), c.Stats().Failed)

	_, err = NewConverter(Options{Format: 9})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestPoolReuse(t *testing.T) {
	p := NewPool(1)
	a := p.Get(64, Bgr24)
	p.Put(a, Bgr24)
	p.Put(make([]byte, 64), Bgr24)

	b := p.Get(64, Bgr24)
	assert.Equal(t, &a[0], &b[0])
	_ = p.Get(64, Rgb16)

	s := p.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(2), s.Misses)
	assert.Equal(t, uint64(1), s.Discarded)
}
