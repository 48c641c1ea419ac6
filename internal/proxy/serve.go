package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const maxAcceptBackoff = time.Second

// acceptor runs an accept loop with one goroutine per connection.
type acceptor struct {
	logger   *zap.Logger
	sessions *semaphore.Weighted
	wg       sync.WaitGroup
}

func newAcceptor(logger *zap.Logger, maxSessions int) *acceptor {
	a := &acceptor{logger: logger}
	if maxSessions > 0 {
		a.sessions = semaphore.NewWeighted(int64(maxSessions))
	}
	return a
}

// serve accepts until ln is closed or ctx is done, then waits for the
// sessions it started. A closed listener is a clean shutdown.
func (a *acceptor) serve(ctx context.Context, ln net.Listener, handle func(context.Context, net.Conn)) error {
	defer a.wg.Wait()

	var backoff time.Duration
	for {
		if a.sessions != nil {
			if err := a.sessions.Acquire(ctx, 1); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			a.release()
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}

			backoff = min(max(2*backoff, 5*time.Millisecond), maxAcceptBackoff)
			a.logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0

		a.wg.Go(func() {
			defer a.release()
			handle(ctx, conn)
		})
	}
}

func (a *acceptor) release() {
	if a.sessions != nil {
		a.sessions.Release(1)
	}
}
