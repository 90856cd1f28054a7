//go:build !unix

package frame

import "github.com/pkg/errors"

func mapDmaBuf(d DmaBuf) ([]byte, func() error, error) {
	return nil, nil, errors.Wrap(ErrNotMappable, "dmabuf mapping needs a unix platform")
}
