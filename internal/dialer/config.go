package dialer

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	// DNSServer, when set, is the host:port of the DNS server used to resolve
	// hostname targets for direct connections.
	DNSServer string
}
