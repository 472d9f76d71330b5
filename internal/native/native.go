// Package native implements wsapi.NativeSocket on top of gorilla/websocket.
//
// Network work happens on per-socket goroutines. Every event, and every
// readyState change page code can observe, is handed to the owning event
// loop through the Dialer's Post function.
package native

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/QuadTriangle/wstap/internal/wsapi"
	"github.com/eapache/queue"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultCloseTimeout     = 5 * time.Second
)

var errAborted = errors.New("connection closed before it was established")

// Dialer opens gorilla-backed sockets. Post is required and must run the
// given function on the event loop that owns the sockets.
type Dialer struct {
	Post             func(func())
	Logger           *zap.Logger
	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration
	Header           http.Header
}

var _ wsapi.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(rawURL string, protocols []string) (wsapi.NativeSocket, error) {
	if d.Post == nil {
		return nil, errors.New("native: dialer has no Post function")
	}
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if err := validateProtocols(protocols); err != nil {
		return nil, err
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		url:          rawURL,
		post:         d.Post,
		logger:       logger.Named("native").With(zap.String("url", rawURL)),
		closeTimeout: d.CloseTimeout,
		cancel:       cancel,
		outbox:       queue.New(),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	s.EventTarget.Logger = s.logger
	if s.closeTimeout <= 0 {
		s.closeTimeout = defaultCloseTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     protocols,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = defaultHandshakeTimeout
	}
	go s.connect(ctx, &dialer, d.Header.Clone())
	return s, nil
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", wsapi.ErrSyntax, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q is not ws or wss", wsapi.ErrSyntax, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", wsapi.ErrSyntax)
	}
	if u.Fragment != "" || strings.Contains(rawURL, "#") {
		return fmt.Errorf("%w: url must not contain a fragment", wsapi.ErrSyntax)
	}
	return nil
}

func validateProtocols(protocols []string) error {
	seen := make(map[string]bool, len(protocols))
	for _, p := range protocols {
		if p == "" || strings.ContainsAny(p, " \t\r\n()<>@,;:\\\"/[]?={}") {
			return fmt.Errorf("%w: invalid subprotocol %q", wsapi.ErrSyntax, p)
		}
		if seen[p] {
			return fmt.Errorf("%w: duplicate subprotocol %q", wsapi.ErrSyntax, p)
		}
		seen[p] = true
	}
	return nil
}

// frame is one queued write. A close frame ends the write pump.
type frame struct {
	msg    wsapi.Message
	close  bool
	code   int
	reason string
}

// Socket is a native WebSocket. The EventTarget, Send and Close belong to
// the event loop; the connection belongs to the socket's goroutines.
type Socket struct {
	wsapi.EventTarget

	url          string
	post         func(func())
	logger       *zap.Logger
	closeTimeout time.Duration
	cancel       context.CancelFunc

	mu       sync.Mutex
	state    wsapi.ReadyState
	protocol string
	conn     *websocket.Conn
	outbox   *queue.Queue

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

var _ wsapi.NativeSocket = (*Socket)(nil)

func (s *Socket) URL() string { return s.url }

func (s *Socket) Protocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

func (s *Socket) ReadyState() wsapi.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send queues msg. Data sent after the closing handshake began is dropped.
func (s *Socket) Send(msg wsapi.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case wsapi.Connecting:
		return wsapi.ErrInvalidState
	case wsapi.Closing, wsapi.Closed:
		s.logger.Debug("send after close dropped", zap.Int("bytes", len(msg.Data)))
		return nil
	}
	s.enqueue(frame{msg: msg})
	return nil
}

func (s *Socket) Close(code int, reason string) error {
	if err := wsapi.ValidateClose(code, reason); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case wsapi.Closing, wsapi.Closed:
		return nil
	case wsapi.Connecting:
		s.state = wsapi.Closing
		s.cancel()
		if s.conn != nil {
			s.conn.Close()
		}
		return nil
	}
	s.state = wsapi.Closing
	if code == 0 {
		code = websocket.CloseNoStatusReceived
	}
	s.enqueue(frame{close: true, code: code, reason: reason})
	return nil
}

// enqueue must be called with mu held.
func (s *Socket) enqueue(f frame) {
	s.outbox.Add(f)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Socket) connect(ctx context.Context, dialer *websocket.Dialer, header http.Header) {
	defer s.cancel()

	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err == nil {
		s.mu.Lock()
		if s.state == wsapi.Closing {
			err = errAborted
			conn.Close()
		} else {
			s.conn = conn
		}
		s.mu.Unlock()
	}
	if err != nil {
		if ctx.Err() != nil {
			err = errAborted
		}
		s.logger.Info("handshake failed", zap.Error(err))
		s.shutdown()
		s.post(func() { s.fail(err) })
		return
	}

	s.logger.Debug("connected", zap.String("protocol", conn.Subprotocol()))
	s.post(func() {
		s.mu.Lock()
		opened := s.state == wsapi.Connecting
		if opened {
			s.state = wsapi.Open
			s.protocol = conn.Subprotocol()
		}
		s.mu.Unlock()
		if opened {
			s.DispatchEvent(&wsapi.OpenEvent{})
		}
	})

	go s.writePump(conn)
	s.readPump(conn)
}

func (s *Socket) readPump(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}
		msg := wsapi.Message{Binary: mt == websocket.BinaryMessage, Data: data}
		s.post(func() {
			if s.ReadyState() != wsapi.Open {
				return
			}
			s.DispatchEvent(&wsapi.MessageEvent{Data: msg})
		})
	}
}

func (s *Socket) writePump(conn *websocket.Conn) {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.outbox.Length() == 0 {
				s.mu.Unlock()
				break
			}
			f := s.outbox.Remove().(frame)
			s.mu.Unlock()

			if f.close {
				s.writeClose(conn, f.code, f.reason)
				return
			}
			mt := websocket.TextMessage
			if f.msg.Binary {
				mt = websocket.BinaryMessage
			}
			if err := conn.WriteMessage(mt, f.msg.Data); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				return
			}
		}
	}
}

// writeClose starts the closing handshake and tears the connection down if
// the peer does not answer in time.
func (s *Socket) writeClose(conn *websocket.Conn, code int, reason string) {
	err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	if err != nil {
		s.logger.Debug("close frame not sent", zap.Error(err))
		conn.Close()
		return
	}
	timer := time.NewTimer(s.closeTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Info("peer did not complete closing handshake")
		conn.Close()
	}
}

// finish runs once the read side ends and reports the close to the loop.
func (s *Socket) finish(err error) {
	s.shutdown()
	s.conn.Close()

	ev := &wsapi.CloseEvent{Code: wsapi.CloseAbnormal}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		ev.Code = ce.Code
		ev.Reason = ce.Text
		ev.WasClean = true
	}
	s.logger.Debug("closed", zap.Int("code", ev.Code), zap.Bool("clean", ev.WasClean))

	s.post(func() {
		s.mu.Lock()
		s.state = wsapi.Closed
		s.mu.Unlock()
		if !ev.WasClean {
			s.DispatchEvent(&wsapi.ErrorEvent{Code: ev.Code, Message: err.Error(), Err: err})
		}
		s.DispatchEvent(ev)
	})
}

// fail reports a connection that never opened.
func (s *Socket) fail(err error) {
	s.mu.Lock()
	s.state = wsapi.Closed
	s.mu.Unlock()
	s.DispatchEvent(&wsapi.ErrorEvent{Code: wsapi.CloseAbnormal, Message: err.Error(), Err: err})
	s.DispatchEvent(&wsapi.CloseEvent{Code: wsapi.CloseAbnormal})
}

func (s *Socket) shutdown() {
	s.once.Do(func() { close(s.done) })
}
