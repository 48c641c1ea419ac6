package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/die-net/shadowlan/internal/certs"
	"github.com/die-net/shadowlan/internal/config"
	"github.com/die-net/shadowlan/internal/logging"
)

func runGenCerts(args []string) error {
	cfg, err := config.ParseGenCerts(args, os.LookupEnv)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	m := &certs.Manager{KeyBits: cfg.KeyBits, ValidityDays: cfg.ValidityDays}
	if err := m.GenerateAll(cfg.Certs, cfg.Force); err != nil {
		return err
	}

	logger.Named("certs").Info("certificates written",
		zap.String("authority", cfg.Certs.Path(cfg.Certs.Authority)),
		zap.String("server", cfg.Certs.Path(cfg.Certs.Server)),
		zap.String("client", cfg.Certs.Path(cfg.Certs.Client)),
	)
	return nil
}
