// Package dialer provides the remote side of a SOCKS5 connection.
//
// A [Provider] turns a parsed SOCKS5 request into an outbound connection,
// either by dialing the destination itself (direct://) or by opening a
// channel over a shared SSH session (ssh://).
package dialer
