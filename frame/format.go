package frame

import (
	"strings"

	"github.com/pkg/errors"
)

// PixelFormat is the layout of a captured buffer as delivered by the compositor.
type PixelFormat uint8

const (
	FormatUnknown PixelFormat = iota
	FormatBGRx
	FormatBGRA
	FormatRGBx
	FormatRGBA
	FormatRGB
	FormatBGR
	FormatNV12
	FormatI420
	FormatYUY2
)

// DefaultFormat is used when negotiation has no preferred format configured.
const DefaultFormat = FormatBGRx

var ErrUnknownFormat = errors.New("unknown pixel format")

var formatNames = map[PixelFormat]string{
	FormatBGRx: "BGRx",
	FormatBGRA: "BGRA",
	FormatRGBx: "RGBx",
	FormatRGBA: "RGBA",
	FormatRGB:  "RGB",
	FormatBGR:  "BGR",
	FormatNV12: "NV12",
	FormatI420: "I420",
	FormatYUY2: "YUY2",
}

func (f PixelFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "unknown"
}

// ParsePixelFormat accepts the names printed by String, case-insensitively.
func ParsePixelFormat(s string) (PixelFormat, error) {
	want := strings.TrimSpace(s)
	for f, name := range formatNames {
		if strings.EqualFold(name, want) {
			return f, nil
		}
	}
	return FormatUnknown, errors.Wrapf(ErrUnknownFormat, "%q", s)
}

// SupportedFormats lists every format the pipeline can convert, in
// negotiation preference order.
func SupportedFormats() []PixelFormat {
	return []PixelFormat{
		FormatBGRx,
		FormatBGRA,
		FormatRGBx,
		FormatRGBA,
		FormatRGB,
		FormatBGR,
		FormatNV12,
		FormatYUY2,
		FormatI420,
	}
}

// PreferenceOrder returns SupportedFormats with preferred moved to the front.
// An unknown preferred format falls back to DefaultFormat.
func PreferenceOrder(preferred PixelFormat) []PixelFormat {
	if !preferred.Valid() {
		preferred = DefaultFormat
	}
	out := []PixelFormat{preferred}
	for _, f := range SupportedFormats() {
		if f != preferred {
			out = append(out, f)
		}
	}
	return out
}

func (f PixelFormat) Valid() bool {
	_, ok := formatNames[f]
	return ok
}

// HasAlpha reports whether the fourth byte of a packed pixel is meaningful.
func (f PixelFormat) HasAlpha() bool {
	return f == FormatBGRA || f == FormatRGBA
}

// BytesPerPixel is the size of one pixel of the first plane.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatBGRx, FormatBGRA, FormatRGBx, FormatRGBA:
		return 4
	case FormatRGB, FormatBGR:
		return 3
	case FormatYUY2:
		return 2
	case FormatNV12, FormatI420:
		return 1
	default:
		return 0
	}
}

// MinStride is the smallest legal row pitch of the first plane.
func (f PixelFormat) MinStride(width uint32) uint32 {
	switch f {
	case FormatNV12:
		// interleaved UV rows hold a full pair for an odd trailing column
		return evenUp(width)
	case FormatYUY2:
		return evenUp(width) * 2
	default:
		return width * uint32(f.BytesPerPixel())
	}
}

// ChromaStride is the row pitch of the chroma planes derived from the luma
// stride. Packed formats have no chroma plane and return 0.
func (f PixelFormat) ChromaStride(stride uint32) uint32 {
	switch f {
	case FormatNV12:
		return stride
	case FormatI420:
		return (stride + 1) / 2
	default:
		return 0
	}
}

// BufferSize returns the number of bytes a frame of the given geometry
// occupies. Planar formats store their chroma planes directly after luma.
func (f PixelFormat) BufferSize(width, height, stride uint32) (int, error) {
	if !f.Valid() {
		return 0, errors.Wrapf(ErrUnknownFormat, "format %d", f)
	}
	if width == 0 || height == 0 {
		return 0, errors.Errorf("invalid dimensions %dx%d", width, height)
	}
	if stride < f.MinStride(width) {
		return 0, errors.Errorf("stride %d below minimum %d for %s width %d", stride, f.MinStride(width), f, width)
	}
	luma := int(stride) * int(height)
	chromaRows := int((height + 1) / 2)
	switch f {
	case FormatNV12:
		return luma + int(f.ChromaStride(stride))*chromaRows, nil
	case FormatI420:
		return luma + 2*int(f.ChromaStride(stride))*chromaRows, nil
	default:
		return luma, nil
	}
}

func evenUp(v uint32) uint32 {
	return (v + 1) &^ 1
}
