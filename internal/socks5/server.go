package socks5

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/shadowlan/internal/target"
)

var (
	// ErrProtocolViolation wraps every malformed greeting or request.
	ErrProtocolViolation = errors.New("socks5 protocol violation")
	// ErrCommandNotSupported is returned for any command but CONNECT.
	ErrCommandNotSupported = fmt.Errorf("%w: command not supported", ErrProtocolViolation)
	// ErrAddressNotSupported is returned for an unknown address type.
	ErrAddressNotSupported = fmt.Errorf("%w: address type not supported", ErrProtocolViolation)
)

// ServerGreeting reads the client's method list and answers "no
// authentication required" whatever was offered. The version byte is not
// checked here; a wrong version fails in ServerReadRequest.
func ServerGreeting(rw io.ReadWriter) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(rw, hdr); err != nil {
		return fmt.Errorf("%w: greeting: %w", ErrProtocolViolation, err)
	}

	if _, err := io.CopyN(io.Discard, rw, int64(hdr[1])); err != nil {
		return fmt.Errorf("%w: greeting methods: %w", ErrProtocolViolation, err)
	}

	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(rw); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ServerReadRequest reads a CONNECT request. The command and address type
// are checked before the address is read.
func ServerReadRequest(r io.Reader) (*txsocks5.Request, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("%w: request: %w", ErrProtocolViolation, err)
	}

	if hdr[0] != txsocks5.Ver {
		return nil, fmt.Errorf("%w: version %#x", ErrProtocolViolation, hdr[0])
	}
	if hdr[1] != txsocks5.CmdConnect {
		return nil, fmt.Errorf("%w: %#x", ErrCommandNotSupported, hdr[1])
	}
	switch hdr[3] {
	case txsocks5.ATYPIPv4, txsocks5.ATYPDomain, txsocks5.ATYPIPv6:
	default:
		return nil, fmt.Errorf("%w: %#x", ErrAddressNotSupported, hdr[3])
	}

	req, err := txsocks5.NewRequestFrom(io.MultiReader(bytes.NewReader(hdr), r))
	if err != nil {
		return nil, fmt.Errorf("%w: request: %w", ErrProtocolViolation, err)
	}
	return req, nil
}

// RequestTarget returns the destination named by req.
func RequestTarget(req *txsocks5.Request) (target.Target, error) {
	t, err := target.FromSOCKS5(req.Atyp, req.DstAddr, req.DstPort)
	if err != nil {
		return target.Target{}, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return t, nil
}
