//go:build openbsd

package proxy

import "golang.org/x/sys/unix"

// setBindAny uses the socket-level SO_BINDANY option.
func setBindAny(fd int, _ string) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BINDANY, 1)
}
