//go:build unix

package forward

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isMsgSizeError reports whether err is the kernel rejecting a datagram
// as too large for the underlying transport (EMSGSIZE), the trigger for
// udpFragmentSize chunking.
func isMsgSizeError(err error) bool {
	return errors.Is(err, unix.EMSGSIZE)
}
