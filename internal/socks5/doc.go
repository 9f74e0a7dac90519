// Package socks5 implements the server side of the SOCKS5 handshake used by
// sockssh: identification (no-authentication only), request parsing and reply
// encoding.
//
// Replies are encoded with the protocol types from github.com/txthinking/socks5.
// Parsing is done here so that every failure can be classified with an
// internal/failure kind (an unknown address type is not the same failure as a
// client hanging up mid-request).
//
// The client helpers in client.go speak the same subset and are used to drive
// the server in tests.
package socks5
