//go:build linux

package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// TransparentSupported reports whether ListenTransparentTCP works here.
const TransparentSupported = true

// ListenTransparentTCP listens on addr with IP_TRANSPARENT so the socket can
// accept connections steered to it by TPROXY or REDIRECT rules. It needs
// CAP_NET_ADMIN, and the firewall rules are still up to the operator.
func ListenTransparentTCP(ctx context.Context, addr string, ka net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(network, address string, c syscall.RawConn) error {
		if err := reuseAddrControl(network, address, c); err != nil {
			return err
		}
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if network == "tcp6" {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
			} else {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			}
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return &KeepAliveListener{Listener: ln, KeepAliveConfig: ka}, nil
}

// ip6tSOOriginalDst is IP6T_SO_ORIGINAL_DST from linux/netfilter_ipv6/ip6_tables.h.
const ip6tSOOriginalDst = 80

// OriginalDst returns the pre-NAT destination recorded by conntrack for
// REDIRECT rules, or the local address for TPROXY rules.
func OriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, false
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return nil, false
	}

	var addr *net.TCPAddr
	_ = rc.Control(func(fd uintptr) {
		if raw, ok := getsockoptRaw(fd, unix.IPPROTO_IP, unix.SO_ORIGINAL_DST); ok {
			addr, _ = parseRawSockaddr(raw)
			return
		}
		if raw, ok := getsockoptRaw(fd, unix.IPPROTO_IPV6, ip6tSOOriginalDst); ok {
			addr, _ = parseRawSockaddr(raw)
		}
	})
	if addr != nil {
		return addr, true
	}
	return localTCPAddr(c)
}

// getsockoptRaw returns the raw sockaddr written by getsockopt(fd, level, opt).
func getsockoptRaw(fd uintptr, level, opt int) ([]byte, bool) {
	var raw [unix.SizeofSockaddrAny]byte
	sz := uint32(len(raw))
	_, _, e := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		fd,
		uintptr(level),
		uintptr(opt),
		uintptr(unsafe.Pointer(&raw[0])),
		uintptr(unsafe.Pointer(&sz)),
		0,
	)
	if e != 0 {
		return nil, false
	}
	return raw[:sz], true
}

// parseRawSockaddr decodes a sockaddr_in or sockaddr_in6. The family is in
// host byte order and the port in network byte order.
func parseRawSockaddr(raw []byte) (*net.TCPAddr, bool) {
	if len(raw) < 2 {
		return nil, false
	}
	switch family := binary.NativeEndian.Uint16(raw[:2]); family {
	case unix.AF_INET:
		if len(raw) < unix.SizeofSockaddrInet4 {
			return nil, false
		}
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&raw[0]))
		return &net.TCPAddr{
			IP:   net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]),
			Port: int(binary.BigEndian.Uint16(raw[2:4])),
		}, true
	case unix.AF_INET6:
		if len(raw) < unix.SizeofSockaddrInet6 {
			return nil, false
		}
		sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(&raw[0]))
		return &net.TCPAddr{
			IP:   net.IP(bytes.Clone(sa.Addr[:])),
			Port: int(binary.BigEndian.Uint16(raw[2:4])),
		}, true
	default:
		return nil, false
	}
}
