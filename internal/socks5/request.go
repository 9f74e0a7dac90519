package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/sockssh/internal/failure"
)

// Protocol values served. They mirror the txsocks5 package variables, which
// cannot be used in constant expressions.
const (
	// Ver is the only protocol version served.
	Ver byte = 0x05

	// MethodNone is the "no authentication required" method.
	MethodNone byte = 0x00
	// MethodNoAcceptable rejects every offered method (RFC 1928).
	MethodNoAcceptable byte = 0xff

	CmdConnect      byte = 0x01
	CmdBind         byte = 0x02
	CmdUDPAssociate byte = 0x03

	ATYPIPv4   byte = 0x01
	ATYPDomain byte = 0x03
	ATYPIPv6   byte = 0x04

	RepSuccess             byte = 0x00
	RepServerFailure       byte = 0x01
	RepHostUnreachable     byte = 0x04
	RepCommandNotSupported byte = 0x07
	RepAddressNotSupported byte = 0x08
)

// Request is a parsed SOCKS5 request. It is not modified after ReadRequest
// returns.
type Request struct {
	Cmd  byte
	Atyp byte
	Host string
	Port uint16

	// Source is the client's address as seen by the listener.
	Source net.Addr
}

// Address returns the destination as host:port.
func (r *Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// Network returns the dial network matching the destination address type.
func (r *Request) Network() string {
	switch r.Atyp {
	case ATYPIPv4:
		return "tcp4"
	case ATYPIPv6:
		return "tcp6"
	default:
		return "tcp"
	}
}

func (r *Request) String() string {
	return CommandName(r.Cmd) + " " + r.Address()
}

// CommandName returns a lower-case name for a request command.
func CommandName(cmd byte) string {
	switch cmd {
	case CmdConnect:
		return "connect"
	case CmdBind:
		return "bind"
	case CmdUDPAssociate:
		return "udp-associate"
	default:
		return fmt.Sprintf("cmd(%#02x)", cmd)
	}
}

// Negotiate performs the identification phase on rw.
//
// It succeeds only if the client offers MethodNone, in which case [0x05, 0x00]
// is written. On rejection nothing more is read from rw; if replyOnReject is
// set, [0x05, 0xff] is written first.
func Negotiate(rw io.ReadWriter, replyOnReject bool) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(rw, hdr); err != nil {
		return failure.Wrap(failure.KindClientIOFailed, err, "read identification")
	}

	switch hdr[0] {
	case Ver:
	case 0x04:
		return failure.New(failure.KindIdentificationFailed, "socks4 is not supported")
	default:
		return failure.New(failure.KindIdentificationFailed, "unsupported socks version %d", hdr[0])
	}

	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(rw, methods); err != nil {
		return failure.Wrap(failure.KindClientIOFailed, err, "read identification methods")
	}

	if !containsMethod(methods, MethodNone) {
		if replyOnReject {
			_, _ = txsocks5.NewNegotiationReply(MethodNoAcceptable).WriteTo(rw)
		}
		return failure.New(failure.KindIdentificationFailed, "identification disabled: only no-authentication is supported, client offered %v", methods)
	}

	if _, err := txsocks5.NewNegotiationReply(MethodNone).WriteTo(rw); err != nil {
		return failure.Wrap(failure.KindClientIOFailed, err, "write identification reply")
	}
	return nil
}

// ReadRequest reads one request from r. source is recorded in the returned
// Request unchanged.
func ReadRequest(r io.Reader, source net.Addr) (*Request, error) {
	// VER CMD RSV ATYP
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, failure.Wrap(failure.KindClientIOFailed, err, "read request")
	}
	if hdr[0] != Ver {
		return nil, failure.New(failure.KindClientIOFailed, "malformed request: version %d", hdr[0])
	}

	host, err := readAddr(r, hdr[3])
	if err != nil {
		return nil, err
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(r, portBytes); err != nil {
		return nil, failure.Wrap(failure.KindClientIOFailed, err, "read request port")
	}

	return &Request{
		Cmd:    hdr[1],
		Atyp:   hdr[3],
		Host:   host,
		Port:   binary.BigEndian.Uint16(portBytes),
		Source: source,
	}, nil
}

func readAddr(r io.Reader, atyp byte) (string, error) {
	switch atyp {
	case ATYPIPv4:
		b := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", failure.Wrap(failure.KindClientIOFailed, err, "read ipv4 address")
		}
		return net.IP(b).String(), nil
	case ATYPDomain:
		n := make([]byte, 1)
		if _, err := io.ReadFull(r, n); err != nil {
			return "", failure.Wrap(failure.KindClientIOFailed, err, "read domain length")
		}
		if n[0] == 0 {
			return "", failure.New(failure.KindClientIOFailed, "malformed request: empty domain")
		}
		b := make([]byte, int(n[0]))
		if _, err := io.ReadFull(r, b); err != nil {
			return "", failure.Wrap(failure.KindClientIOFailed, err, "read domain")
		}
		return string(b), nil
	case ATYPIPv6:
		b := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", failure.Wrap(failure.KindClientIOFailed, err, "read ipv6 address")
		}
		return net.IP(b).String(), nil
	default:
		return "", failure.New(failure.KindAddressTypeUnsupported, "address type %#02x not supported", atyp)
	}
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
