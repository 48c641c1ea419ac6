package dialer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/die-net/shadowlan/internal/relay"
	"github.com/die-net/shadowlan/internal/socks5"
	"github.com/die-net/shadowlan/internal/testutil"
)

func TestSOCKS5ProxyDialerDialSuccess(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		_ = handleSOCKS5Connect(ctx, c)
	})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, upLn.Addr().String())

	conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	testutil.AssertEcho(t, conn, conn, []byte("hello"))
	_ = conn.Close()

	waitUp()
}

func TestSOCKS5ProxyDialerDialContextCancel(t *testing.T) {
	t.Parallel()

	lc := net.ListenConfig{}
	upLn, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upLn.Close()

	// Accept and never answer the greeting.
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		c, err := upLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = c.Read(make([]byte, 16))
		_, _ = c.Read(make([]byte, 16))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String())
	if _, err := f.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error")
	}

	_ = upLn.Close()
	<-acceptDone
}

func TestSOCKS5ProxyDialerDialFail(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		if err := socks5.ServerGreeting(c); err != nil {
			return
		}
		if _, err := socks5.ServerReadRequest(c); err != nil {
			return
		}
		socks5.WriteHostUnreachableReply(c)
	})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String())
	if _, err := f.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error")
	}

	waitUp()
}

func handleSOCKS5Connect(ctx context.Context, c net.Conn) error {
	if err := socks5.ServerGreeting(c); err != nil {
		return err
	}
	req, err := socks5.ServerReadRequest(c)
	if err != nil {
		return err
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		socks5.WriteHostUnreachableReply(c)
		return nil
	}
	defer dst.Close()

	if err := socks5.WriteSuccessReply(c); err != nil {
		return err
	}
	return relay.Relay(ctx, c, dst)
}
