//go:build freebsd || openbsd

package proxy

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// TransparentSupported reports whether ListenTransparentTCP works here.
const TransparentSupported = true

// ListenTransparentTCP listens on addr with the BSD bind-any option so the
// socket can accept connections redirected by IPFW fwd or PF rdr-to rules.
// It needs root.
func ListenTransparentTCP(ctx context.Context, addr string, ka net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(network, address string, c syscall.RawConn) error {
		if err := reuseAddrControl(network, address, c); err != nil {
			return err
		}
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			ctrlErr = setBindAny(int(fd), network)
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

// OriginalDst returns the accepted socket's local address, which the
// firewall preserves as the original destination.
func OriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	return localTCPAddr(c)
}
