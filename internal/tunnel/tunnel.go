package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/shadowlan/internal/target"
)

// MaxTargetLine bounds the target line, newline included.
const MaxTargetLine = 4096

var (
	// ErrTunnelConnect is returned when the TCP connection to the egress fails.
	ErrTunnelConnect = errors.New("tunnel connect")
	// ErrTunnelHandshake is returned when the TLS handshake or peer
	// verification fails on either side.
	ErrTunnelHandshake = errors.New("tunnel handshake")
	// ErrTargetLine is returned for a target line that is truncated or too long.
	ErrTargetLine = errors.New("malformed target line")
)

// Dialer is the client role. It opens one tunnel connection per call.
type Dialer struct {
	addr      string
	cfg       Config
	tlsConfig *tls.Config
}

// NewDialer returns a Dialer for the egress at addr (host:port).
func NewDialer(cfg Config, addr string) (*Dialer, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("tunnel: invalid remote address %q: %w", addr, err)
	}

	tlsConfig, err := NewClientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &Dialer{addr: addr, cfg: cfg, tlsConfig: tlsConfig}, nil
}

// Addr returns the egress address.
func (d *Dialer) Addr() string {
	return d.addr
}

// DialContext opens a tunnel connection and sends address as its target
// line. The returned connection carries only relay traffic.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("tunnel dial %s %s: unsupported network", network, address)
	}

	t, err := target.Parse(address)
	if err != nil {
		return nil, err
	}

	conn, err := d.Connect(ctx)
	if err != nil {
		return nil, err
	}

	if err := WriteTarget(conn, t); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tunnel %s: write target: %w", d.addr, err)
	}
	return conn, nil
}

// Connect performs the TCP connect and the client TLS handshake.
func (d *Dialer) Connect(ctx context.Context) (*tls.Conn, error) {
	nd := net.Dialer{Timeout: d.cfg.DialTimeout, KeepAliveConfig: d.cfg.KeepAlive}

	raw, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTunnelConnect, d.addr, err)
	}

	conn := tls.Client(raw, d.tlsConfig)
	if err := handshake(ctx, conn, d.cfg.HandshakeTimeout); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrTunnelHandshake, d.addr, err)
	}
	return conn, nil
}

// Handshake runs the server role's TLS handshake on an accepted connection.
// On failure conn is closed.
func Handshake(ctx context.Context, conn net.Conn, tlsConfig *tls.Config, timeout time.Duration) (*tls.Conn, error) {
	tc := tls.Server(conn, tlsConfig)
	if err := handshake(ctx, tc, timeout); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrTunnelHandshake, conn.RemoteAddr(), err)
	}
	return tc, nil
}

func handshake(ctx context.Context, conn *tls.Conn, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return conn.HandshakeContext(ctx)
}

// WriteTarget sends the target line. IPv6 hosts are written without
// brackets; ReadTarget splits at the last colon.
func WriteTarget(w io.Writer, t target.Target) error {
	_, err := io.WriteString(w, t.Host+":"+strconv.Itoa(int(t.Port))+"\n")
	return err
}

// ReadTarget reads the target line from r. Bytes that arrived in the same
// read as the line are returned as leftover and must reach the destination
// before anything else read from r.
func ReadTarget(r io.Reader) (target.Target, []byte, error) {
	br := bufio.NewReaderSize(r, MaxTargetLine)

	line, err := br.ReadSlice('\n')
	if err != nil {
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			return target.Target{}, nil, fmt.Errorf("%w: longer than %d bytes", ErrTargetLine, MaxTargetLine)
		case errors.Is(err, io.EOF):
			return target.Target{}, nil, fmt.Errorf("%w: closed after %d bytes", ErrTargetLine, len(line))
		default:
			return target.Target{}, nil, fmt.Errorf("read target line: %w", err)
		}
	}

	t, err := target.Parse(string(line))
	if err != nil {
		return target.Target{}, nil, err
	}

	var leftover []byte
	if n := br.Buffered(); n > 0 {
		b, _ := br.Peek(n)
		leftover = bytes.Clone(b)
	}
	return t, leftover, nil
}
