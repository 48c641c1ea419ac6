package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/shadowlan/internal/config"
	"github.com/die-net/shadowlan/internal/logging"
	"github.com/die-net/shadowlan/internal/proxy"
	"github.com/die-net/shadowlan/internal/tunnel"
)

func runClient(args []string) error {
	cfg, err := config.ParseClient(args, os.LookupEnv)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Proxy.Type == config.ProxyTypeTransparent && !proxy.TransparentSupported {
		return fmt.Errorf("proxy.type %q is not supported on this platform", cfg.Proxy.Type)
	}

	// Validated by ParseClient.
	ka, _ := config.ParseTCPKeepAlive(cfg.Proxy.TCPKeepAlive)

	td, err := tunnel.NewDialer(tunnel.Config{
		CAFile:           cfg.Certs.Path(cfg.Certs.Authority),
		CertFile:         cfg.Certs.Path(cfg.Certs.Client),
		DialTimeout:      cfg.Tunnel.DialTimeout,
		HandshakeTimeout: cfg.Tunnel.HandshakeTimeout,
		KeepAlive:        ka,
	}, cfg.TunnelAddr())
	if err != nil {
		return err
	}
	logger.Named("tunnel").Info("tunnel configured", zap.String("remote", td.Addr()), zap.String("certs_dir", cfg.Certs.Dir))

	pcfg := proxy.Config{
		NegotiationTimeout: cfg.Proxy.NegotiationTimeout,
		HTTPIdleTimeout:    cfg.Proxy.HTTPIdleTimeout,
		KeepAlive:          ka,
		MaxSessions:        cfg.Proxy.MaxSessions,
		RFCReplies:         cfg.Proxy.RFCReplies,
		Dialer:             td,
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startDebug(ctx, g, cfg.DebugListen, ka, logger); err != nil {
		return err
	}

	var ln net.Listener
	if cfg.Proxy.Type == config.ProxyTypeTransparent {
		ln, err = proxy.ListenTransparentTCP(ctx, cfg.ListenAddr(), ka)
	} else {
		ln, err = proxy.ListenTCP(ctx, "tcp", cfg.ListenAddr(), ka)
	}
	if err != nil {
		return fmt.Errorf("%s listen: %w", cfg.Proxy.Type, err)
	}

	switch cfg.Proxy.Type {
	case config.ProxyTypeTransparent:
		tsrv := proxy.NewTransparentServer(ctx, pcfg, logger.Named("tproxy"))
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := tsrv.Serve(ln); err != nil {
				return fmt.Errorf("tproxy serve: %w", err)
			}
			return nil
		})
	case config.ProxyTypeHTTP:
		srv := proxy.NewHTTPProxyServer(ctx, pcfg, logger.Named("http"))
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("http proxy serve: %w", err)
			}
			return nil
		})
	default:
		s5 := proxy.NewSOCKS5Server(ctx, pcfg, logger.Named("socks5"))
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := s5.Serve(ln); err != nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})
	}
	logger.Info("proxy listening", zap.String("type", cfg.Proxy.Type), zap.String("addr", cfg.ListenAddr()))

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	logger.Info("shutting down")
	return err
}
