package bitmap

import (
	"strings"

	"github.com/pkg/errors"
)

// WireFormat is the pixel layout handed to the consumer.
type WireFormat uint8

const (
	// canonical is the intermediate BGRA32 layout; it only keys pool scratch.
	canonical WireFormat = iota
	// BgrX32 is 32-bit padded truecolor: B, G, R, 0xFF.
	BgrX32
	// Bgr24 is 24-bit truecolor: B, G, R.
	Bgr24
	// Rgb16 is little-endian 5:6:5, red in the high bits.
	Rgb16
	// Rgb15 is little-endian x:5:5:5, red in bits 10-14.
	Rgb15
)

// DefaultStrideAlign pads every output row to this many bytes.
const DefaultStrideAlign = 64

func (f WireFormat) String() string {
	switch f {
	case canonical:
		return "BGRA32"
	case BgrX32:
		return "BgrX32"
	case Bgr24:
		return "Bgr24"
	case Rgb16:
		return "Rgb16"
	case Rgb15:
		return "Rgb15"
	default:
		return "unknown"
	}
}

func (f WireFormat) BytesPerPixel() int {
	switch f {
	case canonical, BgrX32:
		return 4
	case Bgr24:
		return 3
	case Rgb16, Rgb15:
		return 2
	default:
		return 0
	}
}

func (f WireFormat) Valid() bool {
	return f >= BgrX32 && f <= Rgb15
}

func ParseWireFormat(s string) (WireFormat, error) {
	for _, f := range []WireFormat{BgrX32, Bgr24, Rgb16, Rgb15} {
		if strings.EqualFold(f.String(), strings.TrimSpace(s)) {
			return f, nil
		}
	}
	return 0, errors.Wrapf(ErrUnsupportedFormat, "wire format %q", s)
}

// AlignedStride is the row pitch for width pixels of f padded to align bytes.
func AlignedStride(width int, f WireFormat, align int) int {
	row := width * f.BytesPerPixel()
	if align <= 1 {
		return row
	}
	return (row + align - 1) / align * align
}
