package proxy

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/shadowlan/internal/relay"
	"github.com/die-net/shadowlan/internal/socks5"
)

// SOCKS5Server accepts SOCKS5 CONNECT requests and opens each destination
// through cfg.Dialer.
type SOCKS5Server struct {
	ctx    context.Context
	cfg    Config
	logger *zap.Logger
	accept *acceptor
}

func NewSOCKS5Server(ctx context.Context, cfg Config, logger *zap.Logger) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SOCKS5Server{
		ctx:    ctx,
		cfg:    cfg,
		logger: logger,
		accept: newAcceptor(logger, cfg.MaxSessions),
	}
}

// Serve serves SOCKS5 on ln until ln is closed.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	return s.accept.serve(s.ctx, ln, s.handleConn)
}

func (s *SOCKS5Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	log := s.logger.With(zap.Stringer("client", conn.RemoteAddr()))

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	if err := socks5.ServerGreeting(conn); err != nil {
		log.Debug("greeting failed", zap.Error(err))
		return
	}

	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		log.Debug("bad request", zap.Error(err))
		if s.cfg.RFCReplies {
			socks5.WriteErrorReply(conn, err)
		}
		return
	}

	t, err := socks5.RequestTarget(req)
	if err != nil {
		log.Debug("bad request target", zap.Error(err))
		if s.cfg.RFCReplies {
			socks5.WriteErrorReply(conn, err)
		}
		return
	}
	log = log.With(zap.Stringer("target", t))

	var up net.Conn
	if s.cfg.RFCReplies {
		up, err = s.cfg.Dialer.DialContext(ctx, "tcp", t.String())
		if err != nil {
			log.Debug("tunnel dial failed", zap.Error(err))
			socks5.WriteHostUnreachableReply(conn)
			return
		}
		defer up.Close()
	}

	// Without RFCReplies the client hears success before the tunnel exists;
	// a failed dial then just closes the client.
	if err := socks5.WriteSuccessReply(conn); err != nil {
		log.Debug("reply failed", zap.Error(err))
		return
	}

	if up == nil {
		up, err = s.cfg.Dialer.DialContext(ctx, "tcp", t.String())
		if err != nil {
			log.Debug("tunnel dial failed", zap.Error(err))
			return
		}
		defer up.Close()
	}

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	log.Debug("session open")
	if err := relay.Relay(ctx, conn, up); err != nil {
		log.Debug("relay ended", zap.Error(err))
	}
}
