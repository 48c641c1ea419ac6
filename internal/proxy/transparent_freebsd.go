//go:build freebsd

package proxy

import "golang.org/x/sys/unix"

// setBindAny uses the protocol-level IP_BINDANY/IPV6_BINDANY options.
func setBindAny(fd int, network string) error {
	if network == "tcp6" {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_BINDANY, 1)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_BINDANY, 1)
}
