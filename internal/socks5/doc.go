// Package socks5 implements the SOCKS5 steps of an ingress session on top of
// the wire types in github.com/txthinking/socks5.
//
// The server side is deliberately narrow: the greeting always selects "no
// authentication", only CONNECT is accepted, and the success reply always
// reports a zero bound address. Error replies are available for callers that
// opt into RFC 1928 error reporting.
package socks5
