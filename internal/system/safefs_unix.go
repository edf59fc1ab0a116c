//go:build unix

package system

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	oNoFollow = unix.O_NOFOLLOW
	// a planted FIFO must not block the daemon in open(2)
	oNonBlock = unix.O_NONBLOCK
)

// open(2) reports a symlink under O_NOFOLLOW as ELOOP
func isSymlinkErr(err error) bool {
	return errors.Is(err, unix.ELOOP)
}
