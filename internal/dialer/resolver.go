package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

// ErrNoAddresses is returned when a name has neither A nor AAAA records.
var ErrNoAddresses = errors.New("no addresses")

// Resolver looks up hostnames against a single DNS server.
type Resolver struct {
	server string
	client *dns.Client
	sf     singleflight.Group
}

// NewResolver returns a Resolver that queries server (host:port, or host for
// port 53) over UDP, retrying over TCP on truncation.
func NewResolver(server string, timeout time.Duration) *Resolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Timeout: timeout},
	}
}

// LookupIP returns the IPv4 addresses of host followed by its IPv6 addresses.
// Concurrent lookups of the same host share one pair of queries; the result
// must not be modified.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	ch := r.sf.DoChan(host, func() (any, error) {
		return r.lookup(context.WithoutCancel(ctx), host)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]net.IP), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) lookup(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	var errs []error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := r.query(ctx, host, qtype)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ips = append(ips, found...)
	}

	if len(ips) == 0 {
		if len(errs) > 0 {
			return nil, fmt.Errorf("resolve %s: %w", host, errors.Join(errs...))
		}
		return nil, fmt.Errorf("resolve %s: %w", host, ErrNoAddresses)
	}
	return ips, nil
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err == nil && in.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
		in, _, err = tcp.ExchangeContext(ctx, m, r.server)
	}
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", dns.TypeToString[qtype], err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s query: %s", dns.TypeToString[qtype], dns.RcodeToString[in.Rcode])
	}

	var ips []net.IP
	for _, rr := range in.Answer {
		switch rr := rr.(type) {
		case *dns.A:
			ips = append(ips, rr.A)
		case *dns.AAAA:
			ips = append(ips, rr.AAAA)
		}
	}
	return ips, nil
}
