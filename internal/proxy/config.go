package proxy

import (
	"net"
	"time"

	"github.com/die-net/shadowlan/internal/dialer"
)

type Config struct {
	// NegotiationTimeout bounds the SOCKS5 handshake, the tunnel TLS
	// handshake and HTTP request headers. Zero disables it.
	NegotiationTimeout time.Duration

	HTTPIdleTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// MaxSessions caps concurrent sessions per listener. Zero is unlimited.
	MaxSessions int

	// RFCReplies makes the SOCKS5 server dial the tunnel before replying and
	// answer failures with RFC 1928 error codes instead of closing silently.
	RFCReplies bool

	Dialer dialer.Dialer
}
