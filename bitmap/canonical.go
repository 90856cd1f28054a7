package bitmap

import (
	"github.com/pkg/errors"

	"go2tv.app/wlcapture/frame"
)

// BT.601 limited-range coefficients in 8.8 fixed point:
//
//	C = Y - 16, D = U - 128, E = V - 128
//	R = clamp((298*C + 409*E + 128) >> 8)
//	G = clamp((298*C - 100*D - 208*E + 128) >> 8)
//	B = clamp((298*C + 516*D + 128) >> 8)
const (
	yScale = 298
	vToR   = 409
	uToG   = 100
	vToG   = 208
	uToB   = 516
)

// YUVToBGR converts one BT.601 sample. Shifts are arithmetic, so negative
// intermediates round toward minus infinity before clamping.
func YUVToBGR(y, u, v uint8) (b, g, r uint8) {
	c := int32(y) - 16
	d := int32(u) - 128
	e := int32(v) - 128

	r = clamp8((yScale*c + vToR*e + 128) >> 8)
	g = clamp8((yScale*c - uToG*d - vToG*e + 128) >> 8)
	b = clamp8((yScale*c + uToB*d + 128) >> 8)
	return b, g, r
}

func clamp8(v int32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// ToCanonical converts rect of a source frame into dst as tightly packed
// BGRA32 rows (rect.Width*4 bytes each, alpha 255 unless the source has
// alpha). src must hold the whole frame in format with the given luma stride.
func ToCanonical(dst []byte, src []byte, format frame.PixelFormat, width, height, stride uint32, rect frame.Region) error {
	need, err := format.BufferSize(width, height, stride)
	if err != nil {
		return errors.Wrap(ErrConversion, err.Error())
	}
	if len(src) < need {
		return errors.Wrapf(ErrConversion, "%s %dx%d stride %d needs %d bytes, have %d", format, width, height, stride, need, len(src))
	}
	if !frame.FullRegion(width, height).Contains(rect) || rect.Empty() {
		return errors.Wrapf(ErrConversion, "rectangle %s outside %dx%d frame", rect, width, height)
	}
	if len(dst) < int(rect.Width)*int(rect.Height)*4 {
		return errors.Wrapf(ErrConversion, "canonical buffer too small for %s", rect)
	}

	switch format {
	case frame.FormatBGRx, frame.FormatBGRA, frame.FormatRGBx, frame.FormatRGBA, frame.FormatRGB, frame.FormatBGR:
		packedToCanonical(dst, src, format, stride, rect)
	case frame.FormatNV12:
		nv12ToCanonical(dst, src, stride, height, rect)
	case frame.FormatI420:
		i420ToCanonical(dst, src, stride, height, rect)
	case frame.FormatYUY2:
		yuy2ToCanonical(dst, src, stride, rect)
	default:
		return errors.Wrapf(ErrUnsupportedFormat, "%s", format)
	}
	return nil
}

func packedToCanonical(dst, src []byte, format frame.PixelFormat, stride uint32, rect frame.Region) {
	bpp := format.BytesPerPixel()
	// byte offsets of blue, green, red inside a source pixel
	var bi, gi, ri int
	switch format {
	case frame.FormatBGRx, frame.FormatBGRA, frame.FormatBGR:
		bi, gi, ri = 0, 1, 2
	default:
		bi, gi, ri = 2, 1, 0
	}
	alpha := format.HasAlpha()

	out := 0
	for y := rect.Y; y < rect.Bottom(); y++ {
		row := src[int(y)*int(stride):]
		for x := rect.X; x < rect.Right(); x++ {
			p := row[int(x)*bpp:]
			dst[out] = p[bi]
			dst[out+1] = p[gi]
			dst[out+2] = p[ri]
			if alpha {
				dst[out+3] = p[3]
			} else {
				dst[out+3] = 0xFF
			}
			out += 4
		}
	}
}

func nv12ToCanonical(dst, src []byte, stride, height uint32, rect frame.Region) {
	uvPlane := src[int(stride)*int(height):]
	out := 0
	for y := rect.Y; y < rect.Bottom(); y++ {
		yRow := src[int(y)*int(stride):]
		uvRow := uvPlane[int(y/2)*int(stride):]
		for x := rect.X; x < rect.Right(); x++ {
			uv := int(x/2) * 2
			b, g, r := YUVToBGR(yRow[x], uvRow[uv], uvRow[uv+1])
			dst[out], dst[out+1], dst[out+2], dst[out+3] = b, g, r, 0xFF
			out += 4
		}
	}
}

func i420ToCanonical(dst, src []byte, stride, height uint32, rect frame.Region) {
	cs := int(frame.FormatI420.ChromaStride(stride))
	chromaRows := int((height + 1) / 2)
	uPlane := src[int(stride)*int(height):]
	vPlane := uPlane[cs*chromaRows:]
	out := 0
	for y := rect.Y; y < rect.Bottom(); y++ {
		yRow := src[int(y)*int(stride):]
		uRow := uPlane[int(y/2)*cs:]
		vRow := vPlane[int(y/2)*cs:]
		for x := rect.X; x < rect.Right(); x++ {
			b, g, r := YUVToBGR(yRow[x], uRow[x/2], vRow[x/2])
			dst[out], dst[out+1], dst[out+2], dst[out+3] = b, g, r, 0xFF
			out += 4
		}
	}
}

// yuy2ToCanonical reads Y0 U Y1 V macropixels.
func yuy2ToCanonical(dst, src []byte, stride uint32, rect frame.Region) {
	out := 0
	for y := rect.Y; y < rect.Bottom(); y++ {
		row := src[int(y)*int(stride):]
		for x := rect.X; x < rect.Right(); x++ {
			base := int(x/2) * 4
			luma := row[base+int(x%2)*2]
			b, g, r := YUVToBGR(luma, row[base+1], row[base+3])
			dst[out], dst[out+1], dst[out+2], dst[out+3] = b, g, r, 0xFF
			out += 4
		}
	}
}
