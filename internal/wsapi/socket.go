// Package wsapi defines the WebSocket contract shared by native sockets and
// the intercepting proxy: messages, events, listeners and ready states.
package wsapi

import (
	"errors"
	"unicode/utf8"
)

// ReadyState mirrors the CONNECTING/OPEN/CLOSING/CLOSED constants.
type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Close codes used outside the application range.
const (
	CloseNormal   = 1000
	CloseNoStatus = 1005
	CloseAbnormal = 1006

	maxReasonBytes = 123
)

var (
	ErrInvalidState  = errors.New("wsapi: socket is still connecting")
	ErrInvalidAccess = errors.New("wsapi: close code must be 1000 or in the range 3000-4999")
	ErrSyntax        = errors.New("wsapi: close reason must be valid UTF-8 of at most 123 bytes")
)

// WebSocket is what page code programs against. Both native sockets and
// proxied sockets implement it.
type WebSocket interface {
	URL() string
	Protocol() string
	ReadyState() ReadyState

	Send(msg Message) error
	// Close starts the closing handshake. Code 0 means no code.
	Close(code int, reason string) error

	AddEventListener(kind EventKind, l *Listener)
	RemoveEventListener(kind EventKind, l *Listener)
	DispatchEvent(ev Event)

	OnOpen() Handler
	SetOnOpen(h Handler)
	OnMessage() Handler
	SetOnMessage(h Handler)
	OnClose() Handler
	SetOnClose(h Handler)
	OnError() Handler
	SetOnError(h Handler)
}

// NativeSocket is the runtime-supplied socket the proxy wraps.
type NativeSocket interface {
	WebSocket
}

// Dialer constructs native sockets. It must fail synchronously on a bad
// URL or protocol list and otherwise return a socket in Connecting state.
type Dialer interface {
	Dial(url string, protocols []string) (NativeSocket, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(url string, protocols []string) (NativeSocket, error)

func (f DialerFunc) Dial(url string, protocols []string) (NativeSocket, error) {
	return f(url, protocols)
}

// IsCallableCloseCode reports whether code may be passed to Close.
func IsCallableCloseCode(code int) bool {
	return code == 0 || code == CloseNormal || (code >= 3000 && code <= 4999)
}

// ValidateClose applies the argument checks every Close implementation
// performs before touching the connection.
func ValidateClose(code int, reason string) error {
	if !IsCallableCloseCode(code) {
		return ErrInvalidAccess
	}
	if len(reason) > maxReasonBytes || !utf8.ValidString(reason) {
		return ErrSyntax
	}
	return nil
}
