package intercept

import (
	"fmt"

	"github.com/QuadTriangle/wstap/internal/payload"
	"github.com/QuadTriangle/wstap/internal/types"
	"github.com/QuadTriangle/wstap/internal/wsapi"
	"go.uber.org/zap"
)

// Socket is the proxy handed to page code in place of a native socket. It
// satisfies wsapi.WebSocket with two deliberate deviations, both driven by
// the global blocking policy: a blocked Send returns nil without reaching
// the network, and a blocked inbound message never reaches page handlers.
type Socket struct {
	engine *Engine
	logger *zap.Logger

	id     string
	url    string
	status string
	native wsapi.NativeSocket

	// Bound to the native socket at construction so simulations can bypass
	// the interception in Send and Close.
	nativeSend  func(wsapi.Message) error
	nativeClose func(code int, reason string) error

	onMessage wsapi.Handler
	listeners []*wsapi.Listener

	// page holds the open, close and error callbacks. They run after the
	// proxy's own bookkeeping and never once the connection is terminated.
	page wsapi.EventTarget

	blocked []types.BlockedMessage

	// simulatingClose marks the next close event as the result of a
	// simulated client close.
	simulatingClose bool
	terminated      bool

	messageTap *wsapi.Listener
	lifecycle  *wsapi.Listener
}

var _ wsapi.WebSocket = (*Socket)(nil)

func newSocket(e *Engine, id, url string, native wsapi.NativeSocket) *Socket {
	s := &Socket{
		engine:      e,
		logger:      e.logger.With(zap.String("connection", id)),
		id:          id,
		url:         url,
		status:      types.StatusConnecting,
		native:      native,
		nativeSend:  native.Send,
		nativeClose: native.Close,
	}
	s.page.Logger = s.logger
	// The only native listeners. Page callbacks are kept on the proxy; see
	// AddEventListener.
	s.messageTap = wsapi.NewListener(s.handleNativeMessage)
	s.lifecycle = wsapi.NewListener(s.handleLifecycle)
	native.AddEventListener(wsapi.KindMessage, s.messageTap)
	native.AddEventListener(wsapi.KindOpen, s.lifecycle)
	native.AddEventListener(wsapi.KindClose, s.lifecycle)
	native.AddEventListener(wsapi.KindError, s.lifecycle)
	return s
}

func (s *Socket) ID() string { return s.id }

func (s *Socket) URL() string { return s.url }

// Status is the connection status from the most recent lifecycle event.
func (s *Socket) Status() string { return s.status }

func (s *Socket) Protocol() string { return s.native.Protocol() }

func (s *Socket) ReadyState() wsapi.ReadyState {
	if s.terminated {
		return wsapi.Closed
	}
	return s.native.ReadyState()
}

// Send applies the outgoing policy and forwards to the native socket.
// Errors from the native send are returned unchanged. Once the connection
// is closed for the page, data is discarded like a closed native socket
// does.
func (s *Socket) Send(msg wsapi.Message) error {
	if s.terminated {
		return nil
	}
	st := s.engine.control.State()
	if st.BlocksOutgoing() {
		s.block(msg, types.DirectionOutgoing, types.ReasonOutgoingBlocked)
		return nil
	}
	if st.Monitoring {
		s.engine.emit(s.messageEvent(msg, types.DirectionOutgoing))
	}
	return s.nativeSend(msg)
}

// Close is a no-op once the page has seen the connection close.
func (s *Socket) Close(code int, reason string) error {
	if s.terminated {
		return nil
	}
	return s.nativeClose(code, reason)
}

// AddEventListener keeps every listener on the proxy. Message listeners go
// through the inbound policy and adding one twice delivers to it twice.
// Lifecycle listeners follow EventTarget rules.
func (s *Socket) AddEventListener(kind wsapi.EventKind, l *wsapi.Listener) {
	if kind != wsapi.KindMessage {
		s.page.AddEventListener(kind, l)
		return
	}
	if l != nil {
		s.listeners = append(s.listeners, l)
	}
}

// RemoveEventListener removes the first registration of l.
func (s *Socket) RemoveEventListener(kind wsapi.EventKind, l *wsapi.Listener) {
	if kind != wsapi.KindMessage {
		s.page.RemoveEventListener(kind, l)
		return
	}
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Socket) DispatchEvent(ev wsapi.Event) { s.native.DispatchEvent(ev) }

func (s *Socket) OnMessage() wsapi.Handler     { return s.onMessage }
func (s *Socket) SetOnMessage(h wsapi.Handler) { s.onMessage = h }

func (s *Socket) OnOpen() wsapi.Handler        { return s.page.OnOpen() }
func (s *Socket) SetOnOpen(h wsapi.Handler)    { s.page.SetOnOpen(h) }
func (s *Socket) OnClose() wsapi.Handler       { return s.page.OnClose() }
func (s *Socket) SetOnClose(h wsapi.Handler)   { s.page.SetOnClose(h) }
func (s *Socket) OnError() wsapi.Handler       { return s.page.OnError() }
func (s *Socket) SetOnError(h wsapi.Handler)   { s.page.SetOnError(h) }

// Blocked returns a copy of the messages suppressed by the blocking policy.
func (s *Socket) Blocked() []types.BlockedMessage {
	return append([]types.BlockedMessage(nil), s.blocked...)
}

func (s *Socket) ClearBlocked() { s.blocked = nil }

func (s *Socket) Info() types.ConnectionInfo {
	return types.ConnectionInfo{ID: s.id, URL: s.url, Status: s.status, Blocked: len(s.blocked)}
}

func (s *Socket) handleNativeMessage(ev wsapi.Event) {
	me, ok := ev.(*wsapi.MessageEvent)
	if !ok || s.terminated {
		return
	}
	// Simulated messages skip the policy entirely.
	if me.Sim == nil {
		st := s.engine.control.State()
		if st.BlocksIncoming() {
			s.block(me.Data, types.DirectionIncoming, types.ReasonIncomingBlocked)
			return
		}
		if st.Monitoring {
			s.engine.emit(s.messageEvent(me.Data, types.DirectionIncoming))
		}
	}
	s.deliver(me)
}

// deliver runs onmessage and then every message listener in registration
// order. A panicking callback is logged and the rest still run.
func (s *Socket) deliver(ev *wsapi.MessageEvent) {
	if s.onMessage != nil {
		wsapi.Invoke(s.logger, "onmessage", s.onMessage, ev)
	}
	for _, l := range append([]*wsapi.Listener(nil), s.listeners...) {
		wsapi.Invoke(s.logger, "message listener", l.Handle, ev)
	}
}

// handleLifecycle tracks status for open, close and error, relays the
// event and then hands it to the page. Lifecycle events are relayed even
// while monitoring is paused so the observer never loses track of a
// connection that actually went away. After the first close nothing more
// reaches the page.
func (s *Socket) handleLifecycle(ev wsapi.Event) {
	if s.terminated {
		return
	}

	var re types.RelayEvent
	switch e := ev.(type) {
	case *wsapi.OpenEvent:
		// Error is only left for closed.
		if s.status != types.StatusError {
			s.status = types.StatusOpen
		}
		re = s.systemEvent(types.EventOpen, "Connection opened")
	case *wsapi.CloseEvent:
		s.status = types.StatusClosed
		re = s.systemEvent(types.EventClose, describeClose(e))
	case *wsapi.ErrorEvent:
		s.status = types.StatusError
		re = s.systemEvent(types.EventError, describeError(e))
	default:
		return
	}

	if ev.Kind() == wsapi.KindClose && s.simulatingClose {
		re.Simulated = true
		re.SystemEventType = types.SystemClientClose
		s.simulatingClose = false
	} else if tag := ev.Simulation(); tag != nil {
		re.Simulated = true
		re.SystemEventType = tag.SystemEventType
	}
	s.engine.emit(re)

	if ev.Kind() == wsapi.KindClose {
		s.terminate()
	}
	s.page.DispatchEvent(ev)
}

func (s *Socket) terminate() {
	s.terminated = true
	s.engine.registry.remove(s.id)
	s.logger.Debug("connection purged", zap.Int("blocked_discarded", len(s.blocked)))
	s.blocked = nil
}

func (s *Socket) block(msg wsapi.Message, direction, reason string) {
	if s.terminated {
		return
	}
	s.blocked = append(s.blocked, types.BlockedMessage{
		Direction: direction,
		Data:      msg.Text(),
		Binary:    msg.Binary,
		Timestamp: s.engine.now().UnixMilli(),
	})
	re := s.messageEvent(msg, direction)
	re.Blocked = true
	re.Reason = reason
	s.engine.emit(re)
}

func (s *Socket) baseEvent(kind, direction, data string) types.RelayEvent {
	return types.RelayEvent{
		ID:        s.id,
		URL:       s.url,
		Type:      kind,
		Data:      data,
		Direction: direction,
		Timestamp: s.engine.now().UnixMilli(),
		Status:    s.status,
	}
}

func (s *Socket) systemEvent(kind, summary string) types.RelayEvent {
	return s.baseEvent(kind, types.DirectionSystem, summary)
}

func (s *Socket) messageEvent(msg wsapi.Message, direction string) types.RelayEvent {
	re := s.baseEvent(types.EventMessage, direction, msg.Text())
	if msg.Binary {
		re.Binary = true
		if f := payload.Detect(msg.Data); f != nil {
			re.Format = f.Name
		}
	}
	return re
}

func describeClose(e *wsapi.CloseEvent) string {
	if e.Code == 0 {
		return "Connection closed"
	}
	if e.Reason == "" {
		return fmt.Sprintf("Connection closed (code: %d)", e.Code)
	}
	return fmt.Sprintf("Connection closed (code: %d, reason: %s)", e.Code, e.Reason)
}

func describeError(e *wsapi.ErrorEvent) string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Code != 0 && msg != "":
		return fmt.Sprintf("Connection error (code: %d, message: %s)", e.Code, msg)
	case e.Code != 0:
		return fmt.Sprintf("Connection error (code: %d)", e.Code)
	case msg != "":
		return fmt.Sprintf("Connection error (message: %s)", msg)
	}
	return "Connection error"
}
