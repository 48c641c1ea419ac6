package proxy

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/shadowlan/internal/dialer"
	"github.com/die-net/shadowlan/internal/testutil"
	"github.com/die-net/shadowlan/internal/tunnel"
)

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// countingDialer wraps a Dialer and counts calls.
type countingDialer struct {
	d     dialer.Dialer
	calls atomic.Int32
}

func (c *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	c.calls.Add(1)
	return c.d.DialContext(ctx, network, address)
}

var errNoRoute = errors.New("no route")

func failingDialer() dialer.Dialer {
	return dialFunc(func(context.Context, string, string) (net.Conn, error) {
		return nil, errNoRoute
	})
}

func listenLoopback(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

// startForwardServer runs the egress with the given outbound dialer.
func startForwardServer(t *testing.T, ctx context.Context, c testutil.Certs, out dialer.Dialer, logger *zap.Logger) net.Listener {
	t.Helper()

	tlsConfig, err := tunnel.NewServerTLSConfig(tunnel.Config{CAFile: c.CA, CertFile: c.Server})
	if err != nil {
		t.Fatal(err)
	}

	ln := listenLoopback(t, ctx)
	srv := NewForwardServer(ctx, Config{NegotiationTimeout: 2 * time.Second, Dialer: out}, tlsConfig, logger)
	go func() { _ = srv.Serve(ln) }()
	return ln
}

func newTunnelDialer(t *testing.T, certFile string, c testutil.Certs, addr string) *tunnel.Dialer {
	t.Helper()

	d, err := tunnel.NewDialer(tunnel.Config{
		CAFile:           c.CA,
		CertFile:         certFile,
		DialTimeout:      2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	}, addr)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func startSOCKS5Server(t *testing.T, ctx context.Context, cfg Config) net.Listener {
	t.Helper()

	ln := listenLoopback(t, ctx)
	srv := NewSOCKS5Server(ctx, cfg, zap.NewNop())
	go func() { _ = srv.Serve(ln) }()
	return ln
}

// startTunnel wires an ingress SOCKS5 server to an egress that dials
// directly, and returns the SOCKS5 listener.
func startTunnel(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	c := testutil.NewCerts(t)
	fwdLn := startForwardServer(t, ctx, c, dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}), zap.NewNop())
	return startSOCKS5Server(t, ctx, Config{
		NegotiationTimeout: 2 * time.Second,
		Dialer:             newTunnelDialer(t, c.Client, c, fwdLn.Addr().String()),
	})
}
