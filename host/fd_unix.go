//go:build unix

package host

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func validateFD(fd int) error {
	if fd < 0 {
		return errors.Wrapf(ErrConnection, "invalid fd %d", fd)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return errors.Wrapf(ErrConnection, "fd %d: %v", fd, err)
	}
	return nil
}

// dupFD returns a close-on-exec copy that the caller owns.
func dupFD(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrapf(err, "dup fd %d", fd)
	}
	return nfd, nil
}

func closeFD(fd int) error {
	return unix.Close(fd)
}
