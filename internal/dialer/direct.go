package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

type directDialer struct {
	cfg      Config
	resolver *Resolver
}

// NewDirectDialer returns a Dialer that connects straight to the target.
func NewDirectDialer(cfg Config) Dialer {
	d := &directDialer{cfg: cfg}
	if cfg.DNSServer != "" {
		d.resolver = NewResolver(cfg.DNSServer, cfg.DialTimeout)
	}
	return d
}

func (d *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.cfg.DialTimeout, KeepAliveConfig: d.cfg.KeepAlive}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	if d.resolver == nil || net.ParseIP(host) != nil {
		conn, err := nd.DialContext(ctx, network, address)
		if err != nil {
			return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
		}
		return conn, nil
	}

	ips, err := d.resolver.LookupIP(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	deadline := time.Time{}
	if d.cfg.DialTimeout > 0 {
		deadline = time.Now().Add(d.cfg.DialTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	nd.Timeout = 0

	var errs []error
	for i, ip := range ips {
		dctx, cancel := ctx, context.CancelFunc(func() {})
		if !deadline.IsZero() {
			pd, err := partialDeadline(time.Now(), deadline, len(ips)-i)
			if err != nil {
				errs = append(errs, err)
				break
			}
			dctx, cancel = context.WithDeadline(ctx, pd)
		}
		conn, err := nd.DialContext(dctx, network, net.JoinHostPort(ip.String(), port))
		cancel()
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("dial %s %s: %w", network, address, errors.Join(errs...))
}

// minAttemptTimeout is the per-address floor, bounded by the time left.
const minAttemptTimeout = 2 * time.Second

// partialDeadline returns the deadline for one of the remaining address
// attempts, splitting what is left of the overall deadline evenly.
func partialDeadline(now, deadline time.Time, addrsRemaining int) (time.Time, error) {
	timeRemaining := deadline.Sub(now)
	if timeRemaining <= 0 {
		return time.Time{}, context.DeadlineExceeded
	}
	timeout := timeRemaining / time.Duration(addrsRemaining)
	if timeout < minAttemptTimeout {
		timeout = min(timeRemaining, minAttemptTimeout)
	}
	return now.Add(timeout), nil
}
