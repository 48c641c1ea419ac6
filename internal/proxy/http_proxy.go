package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/die-net/shadowlan/internal/relay"
)

// HTTPProxyServer serves an HTTP forward proxy whose outbound connections
// go through cfg.Dialer.
//
// It supports:
// - HTTP CONNECT tunneling (via connection hijacking + relay)
// - non-CONNECT proxying of absolute-URL requests (via httputil.ReverseProxy)
type HTTPProxyServer struct {
	ctx         context.Context
	cfg         Config
	logger      *zap.Logger
	srv         *http.Server
	rp          *httputil.ReverseProxy
	maxSessions int
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
//
// Serve starts accepting connections on a listener; Close stops the underlying
// http.Server.
func NewHTTPProxyServer(ctx context.Context, cfg Config, logger *zap.Logger) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	errLog, _ := zap.NewStdLogAt(logger, zap.DebugLevel)
	h := &HTTPProxyServer{ctx: ctx, cfg: cfg, logger: logger, rp: newReverseProxy(cfg, logger), maxSessions: cfg.MaxSessions}
	h.srv = &http.Server{
		Handler:           http.HandlerFunc(h.handle),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ErrorLog:          errLog,
		BaseContext: func(net.Listener) context.Context {
			return h.ctx
		},
	}
	return h
}

// Serve serves HTTP proxy requests on ln. It returns http.ErrServerClosed
// after Close.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	if s.maxSessions > 0 {
		ln = &limitListener{Listener: ln, ctx: s.ctx, sem: semaphore.NewWeighted(int64(s.maxSessions))}
	}
	return s.srv.Serve(ln)
}

// Close stops the HTTP server.
func (s *HTTPProxyServer) Close() error {
	return s.srv.Close()
}

func (s *HTTPProxyServer) handle(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Method, http.MethodConnect) {
		s.handleConnect(w, r)
		return
	}
	if r.URL == nil || !r.URL.IsAbs() {
		http.Error(w, "this is a proxy; send absolute-URL requests or CONNECT", http.StatusBadRequest)
		return
	}
	s.rp.ServeHTTP(w, r)
}

func (s *HTTPProxyServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()
	_ = clientConn.SetDeadline(time.Time{})

	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	ctx := r.Context()
	log := s.logger.With(zap.Stringer("client", clientConn.RemoteAddr()), zap.String("target", target))

	serverConn, err := s.cfg.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		log.Debug("tunnel dial failed", zap.Error(err))
		_, _ = writeError(brw, err, http.StatusBadGateway)
		_ = brw.Flush()
		return
	}
	defer serverConn.Close()

	_, _ = brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	if err := brw.Flush(); err != nil {
		return
	}

	// A client may pipeline data right behind the CONNECT request.
	if n := brw.Reader.Buffered(); n > 0 {
		if _, err := io.CopyN(serverConn, brw.Reader, int64(n)); err != nil {
			log.Debug("write failed", zap.Error(err))
			return
		}
	}

	log.Debug("session open")
	if err := relay.Relay(ctx, clientConn, serverConn); err != nil {
		log.Debug("relay ended", zap.Error(err))
	}
}

// writeError simulates http.Error() for use on a hijacked connection.
func writeError(brw *bufio.ReadWriter, err error, code int) (int, error) {
	return fmt.Fprintf(brw, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), err.Error())
}

func newReverseProxy(cfg Config, logger *zap.Logger) *httputil.ReverseProxy {
	rewrite := func(pr *httputil.ProxyRequest) {
		// Forward-proxy handling: the inbound URL is already absolute.
		pr.Out.URL.Scheme = pr.In.URL.Scheme
		pr.Out.URL.Host = pr.In.URL.Host
		pr.Out.Host = pr.In.URL.Host
	}

	errHandler := func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Debug("proxy request failed", zap.String("url", r.URL.String()), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
	}

	return &httputil.ReverseProxy{
		Rewrite:       rewrite,
		Transport:     newTransport(cfg),
		FlushInterval: 10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler:  errHandler,
		BufferPool:    relay.NewPool(32768),
	}
}

func newTransport(cfg Config) http.RoundTripper {
	return &http.Transport{
		DialContext:         cfg.Dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     cfg.HTTPIdleTimeout,
		TLSHandshakeTimeout: cfg.NegotiationTimeout,
	}
}

// limitListener holds a session slot from Accept until the connection is
// closed.
type limitListener struct {
	net.Listener
	ctx context.Context
	sem *semaphore.Weighted
}

func (l *limitListener) Accept() (net.Conn, error) {
	if err := l.sem.Acquire(l.ctx, 1); err != nil {
		return nil, net.ErrClosed
	}
	conn, err := l.Listener.Accept()
	if err != nil {
		l.sem.Release(1)
		return nil, err
	}
	return &limitConn{Conn: conn, release: sync.OnceFunc(func() { l.sem.Release(1) })}, nil
}

type limitConn struct {
	net.Conn
	release func()
}

func (c *limitConn) Close() error {
	c.release()
	return c.Conn.Close()
}

// CloseWrite keeps half-close working for hijacked CONNECT sessions.
func (c *limitConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
