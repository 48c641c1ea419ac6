package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/die-net/shadowlan/internal/relay"
	"github.com/die-net/shadowlan/internal/tunnel"
)

// ErrDestinationUnreachable is returned when the egress cannot open the
// connection named by a target line.
var ErrDestinationUnreachable = errors.New("destination unreachable")

// ForwardServer is the egress end of the tunnel. Each accepted connection
// must complete a mutually-authenticated TLS handshake and send a target
// line; the server then dials the target through cfg.Dialer and relays.
type ForwardServer struct {
	ctx       context.Context
	cfg       Config
	tlsConfig *tls.Config
	logger    *zap.Logger
	accept    *acceptor
}

// NewForwardServer constructs the egress server. tlsConfig should come from
// tunnel.NewServerTLSConfig.
func NewForwardServer(ctx context.Context, cfg Config, tlsConfig *tls.Config, logger *zap.Logger) *ForwardServer {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForwardServer{
		ctx:       ctx,
		cfg:       cfg,
		tlsConfig: tlsConfig,
		logger:    logger,
		accept:    newAcceptor(logger, cfg.MaxSessions),
	}
}

// Serve serves tunnel connections on ln until ln is closed.
func (s *ForwardServer) Serve(ln net.Listener) error {
	return s.accept.serve(s.ctx, ln, s.handleConn)
}

func (s *ForwardServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	log := s.logger.With(zap.Stringer("peer", conn.RemoteAddr()))

	tc, err := tunnel.Handshake(ctx, conn, s.tlsConfig, s.cfg.NegotiationTimeout)
	if err != nil {
		log.Warn("rejected tunnel connection", zap.Error(err))
		return
	}
	defer tc.Close()

	if certs := tc.ConnectionState().PeerCertificates; len(certs) > 0 {
		log = log.With(zap.String("client_cn", certs[0].Subject.CommonName))
	}

	t, leftover, err := tunnel.ReadTarget(tc)
	if err != nil {
		log.Debug("bad target line", zap.Error(err))
		return
	}
	log = log.With(zap.Stringer("target", t))

	dst, err := s.cfg.Dialer.DialContext(ctx, "tcp", t.String())
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrDestinationUnreachable, t, err)
		log.Debug("dial failed", zap.Error(err))
		return
	}
	defer dst.Close()

	if len(leftover) > 0 {
		if _, err := dst.Write(leftover); err != nil {
			log.Debug("write failed", zap.Error(err))
			return
		}
	}

	log.Debug("session open")
	if err := relay.Relay(ctx, tc, dst); err != nil {
		log.Debug("relay ended", zap.Error(err))
	}
}
