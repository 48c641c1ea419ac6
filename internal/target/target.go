// Package target holds the destination address carried from the ingress to
// the egress: the SOCKS5 address decoding on one end and the textual
// "host:port" tunnel line on the other.
package target

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrInvalidTarget is returned for a target that is not "host:port".
var ErrInvalidTarget = errors.New("invalid target")

// Target is a destination host (name or IP literal) and port.
type Target struct {
	Host string
	Port uint16
}

// String formats t as host:port, bracketing IPv6 literals.
func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// Parse parses a "host:port" line. Surrounding whitespace and a trailing
// newline are ignored. The split happens at the last colon so an IPv6 literal
// parses with or without brackets.
func Parse(line string) (Target, error) {
	s := strings.TrimSpace(line)

	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return Target{}, fmt.Errorf("%w: missing port in %q", ErrInvalidTarget, s)
	}

	host := s[:i]
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if host == "" {
		return Target{}, fmt.Errorf("%w: empty host in %q", ErrInvalidTarget, s)
	}

	port, err := strconv.ParseUint(s[i+1:], 10, 16)
	if err != nil {
		return Target{}, fmt.Errorf("%w: bad port in %q", ErrInvalidTarget, s)
	}

	return Target{Host: host, Port: uint16(port)}, nil
}

// FromSOCKS5 decodes a SOCKS5 DST.ADDR/DST.PORT pair. For ATYPDomain, addr
// carries its one-byte length prefix, as txthinking/socks5 reads it.
func FromSOCKS5(atyp byte, addr, port []byte) (Target, error) {
	if len(port) != 2 {
		return Target{}, fmt.Errorf("%w: port length %d", ErrInvalidTarget, len(port))
	}

	var host string
	switch atyp {
	case txsocks5.ATYPIPv4:
		if len(addr) != net.IPv4len {
			return Target{}, fmt.Errorf("%w: ipv4 length %d", ErrInvalidTarget, len(addr))
		}
		host = net.IP(addr).String()
	case txsocks5.ATYPIPv6:
		if len(addr) != net.IPv6len {
			return Target{}, fmt.Errorf("%w: ipv6 length %d", ErrInvalidTarget, len(addr))
		}
		host = net.IP(addr).String()
	case txsocks5.ATYPDomain:
		if len(addr) < 2 || int(addr[0]) != len(addr)-1 {
			return Target{}, fmt.Errorf("%w: bad domain", ErrInvalidTarget)
		}
		host = string(addr[1:])
	default:
		return Target{}, fmt.Errorf("%w: address type %#x", ErrInvalidTarget, atyp)
	}

	return Target{Host: host, Port: binary.BigEndian.Uint16(port)}, nil
}
