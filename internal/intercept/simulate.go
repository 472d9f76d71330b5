package intercept

import (
	"fmt"

	"github.com/QuadTriangle/wstap/internal/types"
	"github.com/QuadTriangle/wstap/internal/wsapi"
	"go.uber.org/zap"
)

// SystemEventDetails are the optional parameters of a simulated lifecycle
// event. Zero values fall back to per-type defaults.
type SystemEventDetails struct {
	Code    int
	Reason  string
	Message string
}

const (
	defaultServerCloseReason = "Server closed connection"
	defaultErrorCode         = wsapi.CloseAbnormal
)

// SimulateOutgoing sends msg through the native send, bypassing the
// outgoing policy and the normal relay path. The single relay event is
// tagged simulated and is only emitted once the native send succeeds.
func (e *Engine) SimulateOutgoing(id string, msg wsapi.Message) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	if err := s.nativeSend(msg); err != nil {
		return fmt.Errorf("simulate outgoing on %s: %w", id, err)
	}
	re := s.messageEvent(msg, types.DirectionOutgoing)
	re.Simulated = true
	e.emit(re)
	return nil
}

// SimulateIncoming delivers msg to the page's message handlers as if it
// arrived from the network, regardless of the incoming policy.
func (e *Engine) SimulateIncoming(id string, msg wsapi.Message) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	re := s.messageEvent(msg, types.DirectionIncoming)
	re.Simulated = true
	e.emit(re)
	s.deliver(&wsapi.MessageEvent{Data: msg, Sim: &wsapi.SimTag{}})
	return nil
}

// SimulateSystemEvent injects a close or error as if it came from the
// client or the server.
//
// A client close with a protocol-reserved code in [1001, 2999], such as
// 1011, is synthesized and dispatched locally without touching the
// connection, as is every server close. Other client closes go through the
// real closing handshake, so a code the native Close rejects is an error.
func (e *Engine) SimulateSystemEvent(id, eventType string, d SystemEventDetails) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	tag := &wsapi.SimTag{SystemEventType: eventType}

	switch eventType {
	case types.SystemClientClose:
		code := d.Code
		if code == 0 {
			code = wsapi.CloseNormal
		}
		if isReservedCloseCode(code) {
			s.logger.Debug("reserved close code, synthesizing close", zap.Int("code", code))
			s.native.DispatchEvent(&wsapi.CloseEvent{Code: code, Reason: d.Reason, WasClean: true, Sim: tag})
			return nil
		}
		s.simulatingClose = true
		if err := s.nativeClose(code, d.Reason); err != nil {
			s.simulatingClose = false
			return fmt.Errorf("simulate client close on %s: %w", id, err)
		}
	case types.SystemServerClose:
		code, reason := d.Code, d.Reason
		if code == 0 {
			code = wsapi.CloseNormal
		}
		if reason == "" {
			reason = defaultServerCloseReason
		}
		s.native.DispatchEvent(&wsapi.CloseEvent{Code: code, Reason: reason, WasClean: true, Sim: tag})
	case types.SystemClientError, types.SystemServerError:
		code, msg := d.Code, d.Message
		if code == 0 {
			code = defaultErrorCode
		}
		if msg == "" {
			msg = d.Reason
		}
		if msg == "" {
			msg = fmt.Sprintf("Simulated %s", eventType)
		}
		s.native.DispatchEvent(&wsapi.ErrorEvent{Code: code, Message: msg, Sim: tag})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSystemEvent, eventType)
	}
	return nil
}

func isReservedCloseCode(code int) bool {
	return code > wsapi.CloseNormal && code < 3000
}
