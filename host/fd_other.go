//go:build !unix

package host

import "github.com/pkg/errors"

func validateFD(fd int) error {
	return errors.Wrapf(ErrConnection, "fd %d: file descriptors are not supported on this platform", fd)
}

func dupFD(fd int) (int, error) {
	return -1, errors.Errorf("dup fd %d: not supported on this platform", fd)
}

func closeFD(int) error { return nil }
