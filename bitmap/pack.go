package bitmap

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PackCanonical writes width x height BGRA32 pixels from canon (tightly
// packed rows) into dst as format, with dstStride bytes per row. Row padding
// is zeroed, so equal input always gives equal output bytes.
//
//	BgrX32: B, G, R, 0xFF
//	Bgr24:  B, G, R
//	Rgb16:  uint16le (R>>3)<<11 | (G>>2)<<5 | B>>3
//	Rgb15:  uint16le (R>>3)<<10 | (G>>3)<<5 | B>>3
func PackCanonical(dst []byte, dstStride int, canon []byte, width, height int, format WireFormat) error {
	if !format.Valid() {
		return errors.Wrapf(ErrUnsupportedFormat, "wire format %d", format)
	}
	row := width * format.BytesPerPixel()
	if dstStride < row {
		return errors.Wrapf(ErrConversion, "stride %d below row size %d", dstStride, row)
	}
	if len(canon) < width*height*4 || len(dst) < dstStride*height {
		return errors.Wrapf(ErrConversion, "buffer too small for %dx%d %s", width, height, format)
	}

	for y := 0; y < height; y++ {
		in := canon[y*width*4 : (y+1)*width*4]
		out := dst[y*dstStride : (y+1)*dstStride]
		switch format {
		case BgrX32:
			for x := 0; x < width; x++ {
				o := x * 4
				out[o], out[o+1], out[o+2], out[o+3] = in[o], in[o+1], in[o+2], 0xFF
			}
		case Bgr24:
			for x := 0; x < width; x++ {
				out[x*3], out[x*3+1], out[x*3+2] = in[x*4], in[x*4+1], in[x*4+2]
			}
		case Rgb16:
			for x := 0; x < width; x++ {
				b, g, r := uint16(in[x*4]), uint16(in[x*4+1]), uint16(in[x*4+2])
				binary.LittleEndian.PutUint16(out[x*2:], (r>>3)<<11|(g>>2)<<5|b>>3)
			}
		case Rgb15:
			for x := 0; x < width; x++ {
				b, g, r := uint16(in[x*4]), uint16(in[x*4+1]), uint16(in[x*4+2])
				binary.LittleEndian.PutUint16(out[x*2:], (r>>3)<<10|(g>>3)<<5|b>>3)
			}
		}
		clear(out[row:])
	}
	return nil
}
