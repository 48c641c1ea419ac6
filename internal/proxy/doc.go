// Package proxy implements the listener side of both tunnel endpoints.
//
// The ingress runs a SOCKS5 server or an HTTP CONNECT proxy whose Dialer is
// the mTLS tunnel. The egress runs a ForwardServer that terminates the
// tunnel, reads the target line and dials the destination. Shared plumbing
// (listeners, the accept loop and the session ceiling) lives here too.
package proxy
