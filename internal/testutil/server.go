package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
)

// StartSingleAcceptServer accepts one connection and passes it to handler.
// The returned wait function closes the listener and waits for handler.
func StartSingleAcceptServer(t *testing.T, ctx context.Context, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	})

	wait := func() {
		_ = ln.Close()
		wg.Wait()
	}

	return ln, wait
}

// StartRecordingServer accepts one connection and sends everything read from
// it on the returned channel once the peer half-closes or disconnects.
func StartRecordingServer(t *testing.T, ctx context.Context) (net.Listener, <-chan []byte) {
	t.Helper()

	got := make(chan []byte, 1)
	ln, wait := StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		var buf []byte
		b := make([]byte, 1024)
		for {
			n, err := c.Read(b)
			buf = append(buf, b[:n]...)
			if err != nil {
				break
			}
		}
		got <- buf
	})
	t.Cleanup(wait)
	return ln, got
}
