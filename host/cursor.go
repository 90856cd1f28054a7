package host

import (
	"go2tv.app/wlcapture/frame"
)

// cursorTracker turns per-buffer cursor metadata into frame.CursorInfo. The
// bitmap is copied out of engine memory once per change and shared by every
// following frame until the next change bumps Serial.
type cursorTracker struct {
	bitmap        []byte
	width, height uint32
	hotX, hotY    int32
	serial        uint64
}

func (c *cursorTracker) update(m *CursorMeta) *frame.CursorInfo {
	if m == nil {
		return nil
	}
	if len(m.Bitmap) > 0 && m.Width > 0 && m.Height > 0 {
		if bmp, ok := cursorToBGRA(m); ok {
			c.bitmap = bmp
			c.width, c.height = m.Width, m.Height
			c.hotX, c.hotY = m.HotspotX, m.HotspotY
			c.serial++
		}
	}
	return &frame.CursorInfo{
		X:        m.X,
		Y:        m.Y,
		HotspotX: c.hotX,
		HotspotY: c.hotY,
		Width:    c.width,
		Height:   c.height,
		Bitmap:   c.bitmap,
		Visible:  m.Visible && c.bitmap != nil,
		Serial:   c.serial,
	}
}

// cursorToBGRA copies a 32-bit cursor image into tightly packed BGRA.
// Geometry comes from compositor metadata and is bounded by the bitmap
// length before anything is allocated.
func cursorToBGRA(m *CursorMeta) ([]byte, bool) {
	if m.Width == 0 || m.Height == 0 || uint64(m.Width)*4 > uint64(len(m.Bitmap)) {
		return nil, false
	}
	row, height := int(m.Width)*4, int(m.Height)
	stride := int(m.Stride)
	if stride == 0 {
		stride = row
	}
	if stride < row || height > len(m.Bitmap)/stride {
		return nil, false
	}

	out := make([]byte, row*height)
	for y := 0; y < height; y++ {
		src := m.Bitmap[y*stride : y*stride+row]
		dst := out[y*row : (y+1)*row]
		for x := 0; x < len(src); x += 4 {
			switch m.Format {
			case frame.FormatRGBA, frame.FormatRGBx:
				dst[x], dst[x+1], dst[x+2], dst[x+3] = src[x+2], src[x+1], src[x], src[x+3]
			case frame.FormatBGRA, frame.FormatBGRx, frame.FormatUnknown:
				copy(dst[x:x+4], src[x:x+4])
			default:
				return nil, false
			}
			if m.Format == frame.FormatRGBx || m.Format == frame.FormatBGRx {
				dst[x+3] = 0xff
			}
		}
	}
	return out, true
}
