// Package certs issues the identities the tunnel's mutual TLS depends on.
//
// A self-signed root authority signs two leaf identities, one for the
// ingress (client) and one for the egress (server). Each identity is stored
// as a single PEM file holding the certificate followed by its unencrypted
// PKCS#1 private key. Generation is an offline operator action; the tunnel
// only ever reads these files.
package certs
