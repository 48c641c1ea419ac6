// Package dialer provides the outbound dialers the egress uses to reach the
// real destination: directly, or through an upstream SOCKS5 or HTTP CONNECT
// proxy. Hostname targets can optionally be resolved against a specific DNS
// server instead of the system resolver.
package dialer
