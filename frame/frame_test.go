package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionGeometry(t *testing.T) {
	a := Region{X: 0, Y: 0, Width: 10, Height: 10}
	b := Region{X: 5, Y: 5, Width: 10, Height: 10}
	c := Region{X: 30, Y: 0, Width: 5, Height: 5}

	assert.True(t, a.Overlaps(b))
	assert.False(t, a.Overlaps(c))
	assert.Equal(t, uint32(0), a.Gap(b))
	assert.Equal(t, uint32(20), a.Gap(c))
	assert.Equal(t, Region{X: 0, Y: 0, Width: 15, Height: 15}, a.Union(b))
	assert.True(t, a.Union(c).Contains(c))

	touching := Region{X: 10, Y: 0, Width: 5, Height: 5}
	assert.False(t, a.Overlaps(touching))
	assert.Equal(t, uint32(0), a.Gap(touching))
}

func TestRegionClip(t *testing.T) {
	tests := []struct {
		name string
		in   Region
		want Region
		ok   bool
	}{
		{name: "inside", in: Region{X: 1, Y: 1, Width: 2, Height: 2}, want: Region{X: 1, Y: 1, Width: 2, Height: 2}, ok: true},
		{name: "overhang", in: Region{X: 90, Y: 40, Width: 20, Height: 20}, want: Region{X: 90, Y: 40, Width: 10, Height: 10}, ok: true},
		{name: "outside", in: Region{X: 100, Y: 0, Width: 5, Height: 5}, ok: false},
		{name: "empty", in: Region{X: 1, Y: 1}, ok: false},
		{name: "overflow", in: Region{X: 10, Y: 10, Width: ^uint32(0), Height: ^uint32(0)}, want: Region{X: 10, Y: 10, Width: 90, Height: 40}, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.in.Clip(100, 50)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestBufferSize(t *testing.T) {
	tests := []struct {
		name   string
		format PixelFormat
		w, h   uint32
		stride uint32
		want   int
		err    bool
	}{
		{name: "bgrx", format: FormatBGRx, w: 4, h: 2, stride: 16, want: 32},
		{name: "bgrx padded", format: FormatBGRx, w: 4, h: 2, stride: 64, want: 128},
		{name: "bgrx short stride", format: FormatBGRx, w: 4, h: 2, stride: 12, err: true},
		{name: "nv12", format: FormatNV12, w: 4, h: 4, stride: 4, want: 24},
		{name: "nv12 odd", format: FormatNV12, w: 3, h: 3, stride: 4, want: 12 + 8},
		{name: "i420", format: FormatI420, w: 4, h: 4, stride: 4, want: 16 + 2*2*2},
		{name: "yuy2", format: FormatYUY2, w: 4, h: 2, stride: 8, want: 16},
		{name: "zero", format: FormatRGB, w: 0, h: 2, stride: 0, err: true},
		{name: "unknown", format: FormatUnknown, w: 2, h: 2, stride: 8, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.format.BufferSize(tt.w, tt.h, tt.stride)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPreferenceOrder(t *testing.T) {
	order := PreferenceOrder(FormatNV12)
	require.Len(t, order, len(SupportedFormats()))
	assert.Equal(t, FormatNV12, order[0])
	assert.Equal(t, FormatBGRx, order[1])

	assert.Equal(t, DefaultFormat, PreferenceOrder(FormatUnknown)[0])

	f, err := ParsePixelFormat("bgra")
	require.NoError(t, err)
	assert.Equal(t, FormatBGRA, f)
	_, err = ParsePixelFormat("P010")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestBufferReleaseOnce(t *testing.T) {
	calls := 0
	b := NewMappedBuffer([]byte{1, 2, 3}, func() { calls++ })
	f := &VideoFrame{Buffer: b, Timestamp: time.Now().Add(-time.Second)}

	assert.GreaterOrEqual(t, f.Age(time.Now()), time.Second)
	assert.Equal(t, BufferMapped, b.Kind())
	_, ok := b.DmaBuf()
	assert.False(t, ok)

	f.Release()
	f.Release()
	assert.Equal(t, 1, calls)
	assert.Nil(t, b.Bytes())
	_, _, err := b.Map()
	assert.ErrorIs(t, err, ErrReleased)
}

func TestDmaBufferRejectsTiledModifier(t *testing.T) {
	b := NewDmaBuffer(DmaBuf{FD: 3, Size: 64, Modifier: 0x0100000000000001}, nil)
	assert.Nil(t, b.Bytes())
	_, _, err := b.Map()
	assert.ErrorIs(t, err, ErrNotMappable)
}

func TestDescriptorValidate(t *testing.T) {
	ok := StreamDescriptor{RegionID: "42", NodeID: 42, Width: 1920, Height: 1080, Source: SourceMonitor}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Width = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidDescriptor)

	bad = ok
	bad.Source = 3
	assert.ErrorIs(t, bad.Validate(), ErrInvalidDescriptor)
}
