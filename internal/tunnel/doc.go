// Package tunnel implements the mutually authenticated TLS link between the
// ingress and the egress.
//
// Both roles trust exactly one certificate authority. The client verifies
// the server's chain against it but does not match the server's name: a peer
// is trusted for holding an identity issued by the authority, not for the
// address it was reached at. The server requires and verifies a client
// certificate from the same authority.
//
// Right after the handshake the client sends one line, "host:port\n", naming
// the destination. Everything after that line is opaque relay traffic in
// both directions.
package tunnel
