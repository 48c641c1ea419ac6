package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage(os.Stderr)
		return errors.New("missing subcommand")
	}

	switch args[0] {
	case "client":
		return runClient(args[1:])
	case "server":
		return runServer(args[1:])
	case "gencerts":
		return runGenCerts(args[1:])
	case "help", "-h", "--help":
		usage(os.Stdout)
		return nil
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: shadowlan <command> [flags]

Commands:
  client    run the local SOCKS5/HTTP proxy that forwards over the TLS tunnel
  server    run the tunnel endpoint that connects to destinations
  gencerts  issue the certificate authority and the client/server identities

Run "shadowlan <command> --help" for the command's flags.
`)
}

// startDebug serves /debug/pprof on addr until ctx is done.
func startDebug(ctx context.Context, g *errgroup.Group, addr string, ka net.KeepAliveConfig, logger *zap.Logger) error {
	if addr == "" {
		return nil
	}

	debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
	lc := net.ListenConfig{KeepAliveConfig: ka}
	debugLn, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("debug listen: %w", err)
	}
	context.AfterFunc(ctx, func() {
		_ = debugSrv.Close()
		_ = debugLn.Close()
	})

	g.Go(func() error {
		if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("debug serve: %w", err)
		}
		return nil
	})
	logger.Info("debug listening", zap.String("addr", addr))
	return nil
}
