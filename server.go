package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/shadowlan/internal/config"
	"github.com/die-net/shadowlan/internal/dialer"
	"github.com/die-net/shadowlan/internal/logging"
	"github.com/die-net/shadowlan/internal/proxy"
	"github.com/die-net/shadowlan/internal/tunnel"
)

func runServer(args []string) error {
	cfg, err := config.ParseServer(args, os.LookupEnv)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// Validated by ParseServer.
	ka, _ := config.ParseTCPKeepAlive(cfg.Server.TCPKeepAlive)

	tlsConfig, err := tunnel.NewServerTLSConfig(tunnel.Config{
		CAFile:   cfg.Certs.Path(cfg.Certs.Authority),
		CertFile: cfg.Certs.Path(cfg.Certs.Server),
	})
	if err != nil {
		return err
	}

	out, err := dialer.New(dialer.Config{
		DialTimeout:        cfg.Server.DialTimeout,
		NegotiationTimeout: cfg.Server.NegotiationTimeout,
		KeepAlive:          ka,
		DNSServer:          cfg.Server.DNSServer,
	}, cfg.Server.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startDebug(ctx, g, cfg.DebugListen, ka, logger); err != nil {
		return err
	}

	ln, err := proxy.ListenTCP(ctx, "tcp", cfg.ListenAddr(), ka)
	if err != nil {
		return fmt.Errorf("tunnel listen: %w", err)
	}

	srv := proxy.NewForwardServer(ctx, proxy.Config{
		NegotiationTimeout: cfg.Server.NegotiationTimeout,
		KeepAlive:          ka,
		MaxSessions:        cfg.Server.MaxSessions,
		Dialer:             out,
	}, tlsConfig, logger.Named("forward"))
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("forward serve: %w", err)
		}
		return nil
	})
	logger.Named("tunnel").Info("tunnel listening", zap.String("addr", cfg.ListenAddr()), zap.String("upstream", cfg.Server.Upstream))

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
