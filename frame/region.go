package frame

import "fmt"

// Region is a frame-local rectangle, used for damage hints and for the
// rectangles of a bitmap update.
type Region struct {
	X      uint32
	Y      uint32
	Width  uint32
	Height uint32
}

// FullRegion covers a whole frame of the given size.
func FullRegion(width, height uint32) Region {
	return Region{Width: width, Height: height}
}

func (r Region) Right() uint32  { return r.X + r.Width }
func (r Region) Bottom() uint32 { return r.Y + r.Height }

func (r Region) Area() uint64 {
	return uint64(r.Width) * uint64(r.Height)
}

func (r Region) Empty() bool {
	return r.Width == 0 || r.Height == 0
}

// Contains reports whether o lies completely inside r.
func (r Region) Contains(o Region) bool {
	return o.X >= r.X && o.Y >= r.Y && o.Right() <= r.Right() && o.Bottom() <= r.Bottom()
}

// Overlaps reports whether r and o share at least one pixel.
func (r Region) Overlaps(o Region) bool {
	return r.X < o.Right() && o.X < r.Right() && r.Y < o.Bottom() && o.Y < r.Bottom()
}

// Gap is the larger of the horizontal and vertical distances between the
// edges of r and o. Overlapping or touching rectangles have a gap of zero.
func (r Region) Gap(o Region) uint32 {
	var dx, dy uint32
	switch {
	case o.X >= r.Right():
		dx = o.X - r.Right()
	case r.X >= o.Right():
		dx = r.X - o.Right()
	}
	switch {
	case o.Y >= r.Bottom():
		dy = o.Y - r.Bottom()
	case r.Y >= o.Bottom():
		dy = r.Y - o.Bottom()
	}
	return max(dx, dy)
}

// Union returns the smallest rectangle containing both r and o.
func (r Region) Union(o Region) Region {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	x := min(r.X, o.X)
	y := min(r.Y, o.Y)
	return Region{
		X:      x,
		Y:      y,
		Width:  max(r.Right(), o.Right()) - x,
		Height: max(r.Bottom(), o.Bottom()) - y,
	}
}

// Clip restricts r to a width x height frame. The second result is false
// when nothing of r remains.
func (r Region) Clip(width, height uint32) (Region, bool) {
	if r.X >= width || r.Y >= height || r.Empty() {
		return Region{}, false
	}
	c := r
	if c.Right() > width || c.Right() < c.X {
		c.Width = width - c.X
	}
	if c.Bottom() > height || c.Bottom() < c.Y {
		c.Height = height - c.Y
	}
	return c, !c.Empty()
}

func (r Region) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}
