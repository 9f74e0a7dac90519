// Package proxy implements the SOCKS5 server that hands accepted connections
// to a dialer.Provider.
//
// It contains the accept loop and per-connection isolation, the request
// handler, and shared connection plumbing such as keepalive listeners and the
// bidirectional relay.
package proxy
