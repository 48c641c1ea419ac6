package socks5

import (
	"errors"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// CmdConnect is the SOCKS5 CONNECT command value.
const CmdConnect = txsocks5.CmdConnect

// WriteSuccessReply writes the fixed success reply: IPv4 0.0.0.0:0 as the
// bound address, whatever the tunnel actually bound.
func WriteSuccessReply(w io.Writer) error {
	if _, err := newZeroAddrReply(txsocks5.RepSuccess).WriteTo(w); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// WriteErrorReply writes the RFC 1928 reply code matching err. Errors with no
// matching code are reported as a general server failure.
func WriteErrorReply(w io.Writer, err error) {
	var rep byte = txsocks5.RepServerFailure
	switch {
	case errors.Is(err, ErrCommandNotSupported):
		rep = txsocks5.RepCommandNotSupported
	case errors.Is(err, ErrAddressNotSupported):
		rep = txsocks5.RepAddressNotSupported
	}
	_, _ = newZeroAddrReply(rep).WriteTo(w)
}

// WriteHostUnreachableReply reports that the destination could not be reached.
func WriteHostUnreachableReply(w io.Writer) {
	_, _ = newZeroAddrReply(txsocks5.RepHostUnreachable).WriteTo(w)
}

func newZeroAddrReply(rep byte) *txsocks5.Reply {
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}
