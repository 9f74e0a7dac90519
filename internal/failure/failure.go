// Package failure classifies the errors that end a proxied connection.
//
// Every error produced by the handshake, the remote providers, the SSH session
// and the relay carries a Kind, so callers can decide how to log it (and
// whether to send a SOCKS5 failure reply) with errors.Is:
//
//	if errors.Is(err, failure.ErrRemoteConnectFailed) { ... }
package failure

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a connection failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindIdentificationFailed means the client offered no acceptable
	// authentication method (or spoke another protocol version).
	KindIdentificationFailed
	// KindAddressTypeUnsupported means the request carried an unknown ATYP.
	KindAddressTypeUnsupported
	// KindCommandNotSupported covers UDP ASSOCIATE and unknown commands.
	KindCommandNotSupported
	// KindRemoteConnectFailed covers direct dials, SSH channel opens and SSH
	// session failures, including retry-limit exhaustion.
	KindRemoteConnectFailed
	// KindClientIOFailed is a read or write error on the client side.
	KindClientIOFailed
)

func (k Kind) String() string {
	switch k {
	case KindIdentificationFailed:
		return "identification failed"
	case KindAddressTypeUnsupported:
		return "address type unsupported"
	case KindCommandNotSupported:
		return "command not supported"
	case KindRemoteConnectFailed:
		return "remote connect failed"
	case KindClientIOFailed:
		return "client io failed"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrIdentificationFailed   = &Error{Kind: KindIdentificationFailed}
	ErrAddressTypeUnsupported = &Error{Kind: KindAddressTypeUnsupported}
	ErrCommandNotSupported    = &Error{Kind: KindCommandNotSupported}
	ErrRemoteConnectFailed    = &Error{Kind: KindRemoteConnectFailed}
	ErrClientIOFailed         = &Error{Kind: KindClientIOFailed}
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// New returns an error of kind k with a formatted message.
func New(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind k. It returns nil if err is nil. An err that is
// already classified keeps its original kind; msg is still prepended.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		k = fe.Kind
	}
	return &Error{Kind: k, Msg: msg, Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(k Kind, err error, format string, args ...any) error {
	return Wrap(k, err, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
