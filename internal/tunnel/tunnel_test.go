package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/die-net/shadowlan/internal/certs"
	"github.com/die-net/shadowlan/internal/target"
	"github.com/die-net/shadowlan/internal/testutil"
)

type accepted struct {
	target   target.Target
	leftover []byte
	conn     net.Conn
	err      error
}

// startServer runs the server role for a single connection.
func startServer(t *testing.T, ctx context.Context, cfg Config) (net.Listener, <-chan accepted) {
	t.Helper()

	tlsConfig, err := NewServerTLSConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	ch := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			ch <- accepted{err: err}
			return
		}
		tc, err := Handshake(ctx, c, tlsConfig, 2*time.Second)
		if err != nil {
			ch <- accepted{err: err}
			return
		}
		tg, leftover, err := ReadTarget(tc)
		ch <- accepted{target: tg, leftover: leftover, conn: tc, err: err}
	}()

	return ln, ch
}

func TestDialSendsTargetLine(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := testutil.NewCerts(t)
	ln, ch := startServer(t, ctx, Config{CAFile: c.CA, CertFile: c.Server})

	d, err := NewDialer(Config{CAFile: c.CA, CertFile: c.Client, HandshakeTimeout: 2 * time.Second}, ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	conn, err := d.DialContext(ctx, "tcp", "example.com:443")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	got := <-ch
	if got.err != nil {
		t.Fatalf("server: %v", got.err)
	}
	defer got.conn.Close()

	if want := (target.Target{Host: "example.com", Port: 443}); got.target != want {
		t.Fatalf("target %+v, want %+v", got.target, want)
	}

	// After the line the connection is an opaque byte stream.
	testutil.AssertEcho(t, conn, got.conn, []byte("payload"))
	testutil.AssertEcho(t, got.conn, conn, []byte("reply"))
}

func TestDialIPv6Target(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := testutil.NewCerts(t)
	ln, ch := startServer(t, ctx, Config{CAFile: c.CA, CertFile: c.Server})

	d, err := NewDialer(Config{CAFile: c.CA, CertFile: c.Client}, ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	conn, err := d.DialContext(ctx, "tcp", "[2001:db8::1]:8443")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	got := <-ch
	if got.err != nil {
		t.Fatalf("server: %v", got.err)
	}
	defer got.conn.Close()
	if want := (target.Target{Host: "2001:db8::1", Port: 8443}); got.target != want {
		t.Fatalf("target %+v, want %+v", got.target, want)
	}
}

func TestServerRejectsUntrustedClient(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := testutil.NewCerts(t)
	ln, ch := startServer(t, ctx, Config{CAFile: c.CA, CertFile: c.Server})

	// The rogue client trusts the real authority but holds a foreign identity.
	d, err := NewDialer(Config{CAFile: c.CA, CertFile: c.RogueClient}, ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	conn, err := d.DialContext(ctx, "tcp", "example.com:443")
	if err == nil {
		// With TLS 1.3 the client learns of the rejection on its first read.
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, rerr := conn.Read(make([]byte, 1)); rerr == nil {
			t.Fatal("expected read to fail after rejection")
		}
		_ = conn.Close()
	}

	got := <-ch
	if !errors.Is(got.err, ErrTunnelHandshake) {
		t.Fatalf("expected ErrTunnelHandshake, got %v", got.err)
	}
}

func TestClientRejectsUntrustedServer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := testutil.NewCerts(t)
	ln, _ := startServer(t, ctx, Config{CAFile: c.CA, CertFile: c.Server})

	// Trusting only the rogue authority, the real server must fail.
	d, err := NewDialer(Config{CAFile: c.RogueCA, CertFile: c.Client}, ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	_, err = d.DialContext(ctx, "tcp", "example.com:443")
	if !errors.Is(err, ErrTunnelHandshake) {
		t.Fatalf("expected ErrTunnelHandshake, got %v", err)
	}
}

// issueExpiredLeaf signs a leaf with the test authority whose validity
// ended two days ago.
func issueExpiredLeaf(t *testing.T, c testutil.Certs, name string) string {
	t.Helper()

	caCert, caKey, err := certs.LoadAuthority(c.CA)
	if err != nil {
		t.Fatal(err)
	}
	issued := time.Now().Add(-72 * time.Hour)
	m := &certs.Manager{KeyBits: 2048, ValidityDays: 1, Now: func() time.Time { return issued }}

	path := filepath.Join(t.TempDir(), name+".pem")
	if _, err := m.IssueLeaf(name, caCert, caKey, path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestServerRejectsExpiredClient(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := testutil.NewCerts(t)
	ln, ch := startServer(t, ctx, Config{CAFile: c.CA, CertFile: c.Server})

	d, err := NewDialer(Config{CAFile: c.CA, CertFile: issueExpiredLeaf(t, c, "Expired Client")}, ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	conn, err := d.DialContext(ctx, "tcp", "example.com:443")
	if err == nil {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, rerr := conn.Read(make([]byte, 1)); rerr == nil {
			t.Fatal("expected read to fail after rejection")
		}
		_ = conn.Close()
	}

	got := <-ch
	if !errors.Is(got.err, ErrTunnelHandshake) {
		t.Fatalf("expected ErrTunnelHandshake, got %v", got.err)
	}
}

func TestClientRejectsExpiredServer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := testutil.NewCerts(t)
	ln, _ := startServer(t, ctx, Config{CAFile: c.CA, CertFile: issueExpiredLeaf(t, c, "Expired Server")})

	d, err := NewDialer(Config{CAFile: c.CA, CertFile: c.Client}, ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	_, err = d.DialContext(ctx, "tcp", "example.com:443")
	if !errors.Is(err, ErrTunnelHandshake) {
		t.Fatalf("expected ErrTunnelHandshake, got %v", err)
	}
}

func TestDialConnectError(t *testing.T) {
	t.Parallel()

	c := testutil.NewCerts(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	d, err := NewDialer(Config{CAFile: c.CA, CertFile: c.Client, DialTimeout: time.Second}, addr)
	if err != nil {
		t.Fatal(err)
	}

	_, err = d.DialContext(context.Background(), "tcp", "example.com:443")
	if !errors.Is(err, ErrTunnelConnect) {
		t.Fatalf("expected ErrTunnelConnect, got %v", err)
	}
}

func TestNewDialerValidation(t *testing.T) {
	t.Parallel()

	c := testutil.NewCerts(t)

	tests := []struct {
		name    string
		cfg     Config
		addr    string
		wantErr string
	}{
		{name: "bad address", cfg: Config{CAFile: c.CA, CertFile: c.Client}, addr: "nohost", wantErr: "invalid remote address"},
		{name: "missing authority", cfg: Config{CertFile: c.Client}, addr: "127.0.0.1:8443", wantErr: "missing authority"},
		{name: "missing certificate", cfg: Config{CAFile: c.CA}, addr: "127.0.0.1:8443", wantErr: "missing certificate"},
		{name: "unreadable certificate", cfg: Config{CAFile: c.CA, CertFile: c.CA + ".nope"}, addr: "127.0.0.1:8443", wantErr: "reading key pair"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewDialer(tt.cfg, tt.addr)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestReadTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		input        string
		want         target.Target
		wantLeftover string
		wantErr      error
	}{
		{name: "plain", input: "example.com:443\n", want: target.Target{Host: "example.com", Port: 443}},
		{name: "leftover", input: "example.com:80\nGET / HTTP/1.1\r\n\r\n", want: target.Target{Host: "example.com", Port: 80}, wantLeftover: "GET / HTTP/1.1\r\n\r\n"},
		{name: "no colon", input: "not-a-valid-line\n", wantErr: target.ErrInvalidTarget},
		{name: "no newline", input: "example.com:443", wantErr: ErrTargetLine},
		{name: "empty", input: "", wantErr: ErrTargetLine},
		{name: "too long", input: strings.Repeat("a", MaxTargetLine) + ":1\n", wantErr: ErrTargetLine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, leftover, err := ReadTarget(strings.NewReader(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("target %+v, want %+v", got, tt.want)
			}
			if !bytes.Equal(leftover, []byte(tt.wantLeftover)) {
				t.Fatalf("leftover %q, want %q", leftover, tt.wantLeftover)
			}
		})
	}
}

func TestWriteTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		target target.Target
		want   string
	}{
		{target.Target{Host: "example.com", Port: 443}, "example.com:443\n"},
		{target.Target{Host: "192.0.2.1", Port: 80}, "192.0.2.1:80\n"},
		{target.Target{Host: "2001:db8::1", Port: 443}, "2001:db8::1:443\n"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			if err := WriteTarget(&buf, tt.target); err != nil {
				t.Fatal(err)
			}
			if got := buf.String(); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}

			tg, leftover, err := ReadTarget(io.MultiReader(&buf))
			if err != nil {
				t.Fatal(err)
			}
			if tg != tt.target || len(leftover) != 0 {
				t.Fatalf("round trip got %+v %q", tg, leftover)
			}
		})
	}
}
