package socks5

import (
	"fmt"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// WriteSuccessReply writes a success reply carrying bound as BND.ADDR and
// BND.PORT.
func WriteSuccessReply(w io.Writer, bound net.Addr) error {
	return WriteReply(w, RepSuccess, bound)
}

// WriteReply writes a reply with status rep. The address type follows the
// family of bound: 0x01 for IPv4, 0x04 for IPv6, 0x03 for a host name. A nil
// bound encodes as 0.0.0.0:0.
func WriteReply(w io.Writer, rep byte, bound net.Addr) error {
	atyp, addr, port, err := encodeAddr(bound)
	if err != nil {
		return err
	}
	if _, err := txsocks5.NewReply(rep, atyp, addr, port).WriteTo(w); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// WriteFailureReply writes a failure reply with a zero address of the family
// given by atyp.
func WriteFailureReply(w io.Writer, rep, atyp byte) {
	_, _ = newZeroAddrReply(rep, atyp).WriteTo(w)
}

func encodeAddr(bound net.Addr) (byte, []byte, []byte, error) {
	if bound == nil {
		return ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}, nil
	}

	a, addr, port, err := txsocks5.ParseAddress(bound.String())
	if err != nil {
		return 0, nil, nil, fmt.Errorf("parse bound address %q: %w", bound.String(), err)
	}
	// ParseAddress length-prefixes domains and NewReply adds the prefix again.
	if a == ATYPDomain {
		addr = addr[1:]
	}
	return a, addr, port, nil
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == ATYPIPv6 {
		return txsocks5.NewReply(rep, ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

// AddrType returns the address type a reply carrying a would use.
func AddrType(a net.Addr) byte {
	atyp, _, _, err := encodeAddr(a)
	if err != nil {
		return ATYPIPv4
	}
	return atyp
}
