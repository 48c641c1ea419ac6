// Package relay pumps bytes between two connections in both directions with
// half-close semantics. It is used unchanged on both sides of the tunnel.
package relay

import (
	"context"
	"errors"
	"io"
	"net"

	"golang.org/x/sync/errgroup"
)

// BufferSize is the chunk size of each pump.
const BufferSize = 4096

var buffers = NewPool(BufferSize)

type closeWriter interface {
	CloseWrite() error
}

// Relay copies a→b and b→a concurrently and returns once both directions
// have ended.
//
// When one direction sees end-of-stream or an I/O error it half-closes its
// destination and stops; the other direction keeps running. The returned
// error is the first pump error other than io.EOF and is only meant for
// logging. Canceling ctx closes both connections. Otherwise the caller owns
// closing a and b after Relay returns.
func Relay(ctx context.Context, a, b net.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = a.Close()
		_ = b.Close()
	})
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		return pump(b, a)
	})
	g.Go(func() error {
		return pump(a, b)
	})
	return g.Wait()
}

func pump(dst, src net.Conn) error {
	defer closeWrite(dst)

	buf := buffers.Get()
	defer buffers.Put(buf)

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

// closeWrite signals end-of-stream to dst's peer. Connections that cannot
// half-close are left alone.
func closeWrite(dst net.Conn) {
	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}
