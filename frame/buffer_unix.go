//go:build unix

package frame

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func mapDmaBuf(d DmaBuf) ([]byte, func() error, error) {
	if d.FD < 0 || d.Size == 0 {
		return nil, nil, errors.Wrapf(ErrNotMappable, "dmabuf fd=%d size=%d", d.FD, d.Size)
	}

	// mmap offsets must be page aligned; map from the page start and slice.
	page := uint32(os.Getpagesize())
	base := d.Offset - d.Offset%page
	skip := int(d.Offset - base)

	mem, err := unix.Mmap(d.FD, int64(base), skip+int(d.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrNotMappable, "mmap dmabuf fd=%d: %v", d.FD, err)
	}
	return mem[skip:], func() error { return unix.Munmap(mem) }, nil
}
