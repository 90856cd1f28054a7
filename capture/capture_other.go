//go:build !linux

package capture

import (
	"context"

	"github.com/pkg/errors"

	"go2tv.app/wlcapture/config"
)

func open(context.Context, config.Config, *Options) (*Session, error) {
	return nil, errors.Wrap(ErrNotImplemented, "no backend for this operating system")
}
