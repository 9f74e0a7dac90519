package socks5

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

// ClientDial negotiates no-authentication on conn and issues a CONNECT for
// address. It returns the server's bound address from the success reply.
func ClientDial(conn net.Conn, address string) (string, error) {
	if err := ClientNegotiate(conn); err != nil {
		return "", err
	}
	return ClientRequest(conn, CmdConnect, address)
}

// ClientNegotiate offers only the no-authentication method.
func ClientNegotiate(conn net.Conn) error {
	if _, err := txsocks5.NewNegotiationRequest([]byte{MethodNone}).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}
	if neg.Method != MethodNone {
		return fmt.Errorf("unsupported negotiation method: %d", neg.Method)
	}
	return nil
}

// ClientRequest writes a request for cmd and address and reads one reply.
func ClientRequest(conn net.Conn, cmd byte, address string) (string, error) {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return "", fmt.Errorf("parse address: %w", err)
	}
	if atyp == ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(cmd, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return "", fmt.Errorf("write request: %w", err)
	}
	return ClientReadReply(conn)
}

// ClientReadReply reads one reply and returns its bound address. A non-zero
// status is an error.
func ClientReadReply(conn net.Conn) (string, error) {
	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != RepSuccess {
		return "", fmt.Errorf("request failed: reply %#02x", rep.Rep)
	}
	if len(rep.BndPort) != 2 {
		return "", errors.New("read reply: bad port")
	}

	var host string
	switch rep.Atyp {
	case ATYPIPv4, ATYPIPv6:
		host = net.IP(rep.BndAddr).String()
	default:
		host = string(rep.BndAddr[1:])
	}
	port := int(rep.BndPort[0])<<8 | int(rep.BndPort[1])
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
