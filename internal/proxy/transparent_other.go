//go:build !linux && !freebsd && !openbsd

package proxy

import (
	"context"
	"errors"
	"net"
)

// TransparentSupported reports whether ListenTransparentTCP works here.
const TransparentSupported = false

func ListenTransparentTCP(context.Context, string, net.KeepAliveConfig) (net.Listener, error) {
	return nil, errors.New("transparent proxy is not supported on this platform")
}

func OriginalDst(net.Conn) (*net.TCPAddr, bool) {
	return nil, false
}
