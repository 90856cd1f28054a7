//go:build !linux || !cgo

package pipewire

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"go2tv.app/wlcapture/host"
)

var ErrLibraryNotLoaded = errors.New("pipewire capture backend is only available on linux")

// Engine is a placeholder so callers compile everywhere; it never connects.
type Engine struct{}

var _ host.Engine = (*Engine)(nil)

func IsAvailable() bool {
	return false
}

func NewEngine(*slog.Logger) (*Engine, error) {
	return nil, ErrLibraryNotLoaded
}

func (*Engine) Connect(int, host.Sink) error                     { return ErrLibraryNotLoaded }
func (*Engine) CreateStream(uint32, host.StreamRequest) error    { return ErrLibraryNotLoaded }
func (*Engine) ConfigureStream(uint32, host.Negotiated) error    { return ErrLibraryNotLoaded }
func (*Engine) DestroyStream(uint32) error                       { return nil }
func (*Engine) Disconnect() error                                { return nil }
func (*Engine) Iterate(timeout time.Duration) error {
	time.Sleep(timeout)
	return nil
}
