// Package wsapitest provides an in-memory native socket whose network side
// is driven by the test.
package wsapitest

import (
	"errors"
	"net/url"

	"github.com/QuadTriangle/wstap/internal/wsapi"
)

var ErrBadURL = errors.New("wsapitest: invalid websocket url")

type CloseCall struct {
	Code   int
	Reason string
}

// Socket records what page code asked of it. Events are produced only by
// the helper methods (Open, Receive, FinishClose) or DispatchEvent.
type Socket struct {
	wsapi.EventTarget

	Addr      string
	Protocols []string
	State     wsapi.ReadyState
	Sent      []wsapi.Message
	Closes    []CloseCall
	SendErr   error
}

var _ wsapi.NativeSocket = (*Socket)(nil)

func (s *Socket) URL() string { return s.Addr }

func (s *Socket) Protocol() string {
	if len(s.Protocols) == 0 {
		return ""
	}
	return s.Protocols[0]
}

func (s *Socket) ReadyState() wsapi.ReadyState { return s.State }

func (s *Socket) Send(msg wsapi.Message) error {
	if s.SendErr != nil {
		return s.SendErr
	}
	if s.State == wsapi.Connecting {
		return wsapi.ErrInvalidState
	}
	s.Sent = append(s.Sent, msg)
	return nil
}

func (s *Socket) Close(code int, reason string) error {
	if err := wsapi.ValidateClose(code, reason); err != nil {
		return err
	}
	s.Closes = append(s.Closes, CloseCall{Code: code, Reason: reason})
	s.State = wsapi.Closing
	return nil
}

// Open completes the handshake.
func (s *Socket) Open() {
	s.State = wsapi.Open
	s.DispatchEvent(&wsapi.OpenEvent{})
}

// Receive delivers a text message from the network.
func (s *Socket) Receive(text string) {
	s.DispatchEvent(&wsapi.MessageEvent{Data: wsapi.TextMessage(text)})
}

// FinishClose completes the closing handshake started by the last Close.
func (s *Socket) FinishClose() {
	last := s.Closes[len(s.Closes)-1]
	code := last.Code
	if code == 0 {
		code = wsapi.CloseNoStatus
	}
	s.State = wsapi.Closed
	s.DispatchEvent(&wsapi.CloseEvent{Code: code, Reason: last.Reason, WasClean: true})
}

// Dialer hands out Sockets and keeps them for inspection.
type Dialer struct {
	Sockets []*Socket
}

func (d *Dialer) Dial(rawURL string, protocols []string) (wsapi.NativeSocket, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, ErrBadURL
	}
	s := &Socket{Addr: rawURL, Protocols: protocols}
	d.Sockets = append(d.Sockets, s)
	return s, nil
}

// Last returns the most recently dialed socket.
func (d *Dialer) Last() *Socket {
	if len(d.Sockets) == 0 {
		return nil
	}
	return d.Sockets[len(d.Sockets)-1]
}
