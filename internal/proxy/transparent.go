package proxy

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"

	"github.com/die-net/shadowlan/internal/relay"
)

// ErrNotRedirected is returned for a connection made straight to the
// transparent listener rather than redirected to it by the firewall.
var ErrNotRedirected = errors.New("connection was not redirected")

// TransparentServer accepts connections redirected by iptables/nftables,
// IPFW or PF and opens each original destination through cfg.Dialer.
type TransparentServer struct {
	ctx    context.Context
	cfg    Config
	logger *zap.Logger
	accept *acceptor
}

func NewTransparentServer(ctx context.Context, cfg Config, logger *zap.Logger) *TransparentServer {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransparentServer{
		ctx:    ctx,
		cfg:    cfg,
		logger: logger,
		accept: newAcceptor(logger, cfg.MaxSessions),
	}
}

// Serve serves redirected connections on ln until ln is closed.
func (s *TransparentServer) Serve(ln net.Listener) error {
	listenAddr, _ := ln.Addr().(*net.TCPAddr)
	return s.accept.serve(s.ctx, ln, func(ctx context.Context, conn net.Conn) {
		s.handleConn(ctx, conn, listenAddr)
	})
}

func (s *TransparentServer) handleConn(ctx context.Context, conn net.Conn, listenAddr *net.TCPAddr) {
	defer conn.Close()

	log := s.logger.With(zap.Stringer("client", conn.RemoteAddr()))

	dst, err := originalDestination(conn, listenAddr)
	if err != nil {
		log.Debug("no original destination", zap.Error(err))
		return
	}
	log = log.With(zap.Stringer("target", dst))

	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		log.Debug("tunnel dial failed", zap.Error(err))
		return
	}
	defer up.Close()

	log.Debug("session open")
	if err := relay.Relay(ctx, conn, up); err != nil {
		log.Debug("relay ended", zap.Error(err))
	}
}

// originalDestination refuses destinations that are the listener itself so
// that a direct connection cannot make the server dial its own port.
func originalDestination(conn net.Conn, listenAddr *net.TCPAddr) (*net.TCPAddr, error) {
	dst, ok := OriginalDst(conn)
	if !ok {
		return nil, ErrNotRedirected
	}
	if listenAddr != nil && dst.Port == listenAddr.Port &&
		(listenAddr.IP.IsUnspecified() || listenAddr.IP.Equal(dst.IP)) {
		return nil, ErrNotRedirected
	}
	return dst, nil
}

// localTCPAddr is the original destination when the firewall preserves it
// as the accepted socket's local address (TPROXY, IPFW fwd, PF rdr-to).
func localTCPAddr(c net.Conn) (*net.TCPAddr, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, false
	}
	addr, ok := tc.LocalAddr().(*net.TCPAddr)
	return addr, ok
}
