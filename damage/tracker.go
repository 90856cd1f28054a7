// Package damage accumulates changed-region rectangles for a frame and decides
// between partial and full updates.
package damage

import (
	"go2tv.app/wlcapture/frame"
)

// DefaultThreshold is the damaged fraction above which a full update is
// cheaper than sending rectangles.
const DefaultThreshold = 0.40

type Options struct {
	// MergeDistance merges two rectangles whose gap is below this many
	// pixels. Overlapping and touching rectangles always merge.
	MergeDistance uint32
	// MaxRegions collapses the set into its bounding box once exceeded.
	MaxRegions int
	// Threshold is the damage ratio above which ShouldFullUpdate is true.
	Threshold float64
	// Persist keeps accumulated regions across Extract calls.
	Persist bool
}

func DefaultOptions() Options {
	return Options{
		MergeDistance: 32,
		MaxRegions:    64,
		Threshold:     DefaultThreshold,
	}
}

type Stats struct {
	Accumulated uint64
	Ignored     uint64
	Merges      uint64
	Collapses   uint64
	Extractions uint64
	FullUpdates uint64
	// TotalArea sums the damaged area handed out by Extract.
	TotalArea uint64
}

// Extraction is the result of one Extract call.
type Extraction struct {
	Regions     []frame.Region
	BoundingBox frame.Region
	Ratio       float64
	FullUpdate  bool
}

// Tracker keeps a reduced, pairwise non-overlapping rectangle set for one
// stream. It is not safe for concurrent use.
type Tracker struct {
	width   uint32
	height  uint32
	opts    Options
	regions []frame.Region
	stats   Stats
}

func NewTracker(width, height uint32, opts Options) *Tracker {
	if opts.MaxRegions <= 0 {
		opts.MaxRegions = DefaultOptions().MaxRegions
	}
	return &Tracker{width: width, height: height, opts: opts}
}

// SetFrameSize adapts the tracker to a renegotiated frame size. Regions are
// discarded when the size changes.
func (t *Tracker) SetFrameSize(width, height uint32) {
	if width == t.width && height == t.height {
		return
	}
	t.width, t.height = width, height
	t.regions = t.regions[:0]
}

func (t *Tracker) mergeable(a, b frame.Region) bool {
	if a.Overlaps(b) {
		return true
	}
	gap := a.Gap(b)
	return gap == 0 || gap < t.opts.MergeDistance
}

// Accumulate adds one damaged rectangle. Rectangles are clipped to the frame;
// the result is false when nothing of r was inside it.
func (t *Tracker) Accumulate(r frame.Region) bool {
	clipped, ok := r.Clip(t.width, t.height)
	if !ok {
		t.stats.Ignored++
		return false
	}
	t.stats.Accumulated++

	merged := clipped
	for {
		idx := -1
		for i, existing := range t.regions {
			if t.mergeable(existing, merged) {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		merged = merged.Union(t.regions[idx])
		t.regions = append(t.regions[:idx], t.regions[idx+1:]...)
		t.stats.Merges++
	}
	t.regions = append(t.regions, merged)

	if len(t.regions) > t.opts.MaxRegions {
		box, _ := t.BoundingBox()
		t.regions = append(t.regions[:0], box)
		t.stats.Collapses++
	}
	return true
}

func (t *Tracker) AccumulateAll(regions []frame.Region) {
	for _, r := range regions {
		t.Accumulate(r)
	}
}

// AddFull marks the whole frame as damaged.
func (t *Tracker) AddFull() {
	t.Accumulate(frame.FullRegion(t.width, t.height))
}

// Regions returns a copy of the current reduced set.
func (t *Tracker) Regions() []frame.Region {
	out := make([]frame.Region, len(t.regions))
	copy(out, t.regions)
	return out
}

func (t *Tracker) Empty() bool {
	return len(t.regions) == 0
}

// BoundingBox is the smallest rectangle covering every accumulated region.
func (t *Tracker) BoundingBox() (frame.Region, bool) {
	if len(t.regions) == 0 {
		return frame.Region{}, false
	}
	box := t.regions[0]
	for _, r := range t.regions[1:] {
		box = box.Union(r)
	}
	return box, true
}

// DamagedArea sums the areas of the reduced set. The set never overlaps, so
// this is the covered area.
func (t *Tracker) DamagedArea() uint64 {
	var area uint64
	for _, r := range t.regions {
		area += r.Area()
	}
	return area
}

// DamageRatio is DamagedArea over the frame area, clamped to [0,1].
func (t *Tracker) DamageRatio() float64 {
	total := uint64(t.width) * uint64(t.height)
	if total == 0 {
		return 0
	}
	ratio := float64(t.DamagedArea()) / float64(total)
	return min(max(ratio, 0), 1)
}

func (t *Tracker) ShouldFullUpdate() bool {
	return t.DamageRatio() > t.opts.Threshold
}

// Extract snapshots the tracker and resets it, unless Persist is set.
func (t *Tracker) Extract() Extraction {
	box, _ := t.BoundingBox()
	ex := Extraction{
		Regions:     t.Regions(),
		BoundingBox: box,
		Ratio:       t.DamageRatio(),
		FullUpdate:  t.ShouldFullUpdate(),
	}
	t.stats.Extractions++
	t.stats.TotalArea += t.DamagedArea()
	if ex.FullUpdate {
		t.stats.FullUpdates++
	}
	if !t.opts.Persist {
		t.Reset()
	}
	return ex
}

func (t *Tracker) Reset() {
	t.regions = t.regions[:0]
}

func (t *Tracker) Stats() Stats {
	return t.stats
}
