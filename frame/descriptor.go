package frame

import (
	"strconv"

	"github.com/pkg/errors"
)

// SourceKind mirrors the ScreenCast portal source type bits.
type SourceKind uint32

const (
	SourceMonitor SourceKind = 1
	SourceWindow  SourceKind = 2
	SourceVirtual SourceKind = 4
)

func (k SourceKind) String() string {
	switch k {
	case SourceMonitor:
		return "monitor"
	case SourceWindow:
		return "window"
	case SourceVirtual:
		return "virtual"
	default:
		return "unknown"
	}
}

// Priority orders streams inside the dispatcher. Higher values are served
// first and shed last.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "priority(" + strconv.Itoa(int(p)) + ")"
	}
}

// StreamDescriptor describes one captured region as handed out by the
// session broker. It is copied by value and never modified after submission.
type StreamDescriptor struct {
	// RegionID identifies the region across reconnects. The broker's stream
	// id is used when present, otherwise the node id.
	RegionID string
	NodeID   uint32
	X        int32
	Y        int32
	Width    uint32
	Height   uint32
	Source   SourceKind
	Priority Priority
}

var ErrInvalidDescriptor = errors.New("invalid stream descriptor")

func (d StreamDescriptor) Validate() error {
	if d.RegionID == "" {
		return errors.Wrap(ErrInvalidDescriptor, "empty region id")
	}
	if d.Width == 0 || d.Height == 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "region %s has size %dx%d", d.RegionID, d.Width, d.Height)
	}
	switch d.Source {
	case SourceMonitor, SourceWindow, SourceVirtual:
	default:
		return errors.Wrapf(ErrInvalidDescriptor, "region %s has source kind %d", d.RegionID, d.Source)
	}
	return nil
}
