// Package relay connects the intercept engine to the observer. Events go out
// as websocket-event envelopes; commands come back and are applied on the
// event loop.
package relay

import (
	"encoding/json"
	"errors"

	"github.com/QuadTriangle/wstap/internal/intercept"
	"github.com/QuadTriangle/wstap/internal/types"
	"github.com/QuadTriangle/wstap/internal/wsapi"
	"go.uber.org/zap"
)

// Channel is the message path to the observer.
type Channel interface {
	Send(v any) error
	OnReceive(handler func(raw []byte))
}

// Relay forwards engine events and executes observer commands. Emit and
// Handle must run on the event loop; raw commands from the Channel are
// moved there by the executor.
type Relay struct {
	ch     Channel
	engine *intercept.Engine
	logger *zap.Logger
	exec   func(func())
}

var _ intercept.Emitter = (*Relay)(nil)

type Option func(*Relay)

func WithLogger(l *zap.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithExecutor sets how received commands reach the event loop. The default
// runs them on the receiving goroutine.
func WithExecutor(exec func(func())) Option {
	return func(r *Relay) { r.exec = exec }
}

func New(ch Channel, opts ...Option) *Relay {
	r := &Relay{
		ch:     ch,
		logger: zap.NewNop(),
		exec:   func(fn func()) { fn() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("relay")
	ch.OnReceive(r.receive)
	return r
}

// Bind attaches the engine whose events this relay carries. The engine is
// built with the relay as its emitter, so binding happens afterwards.
func (r *Relay) Bind(e *intercept.Engine) { r.engine = e }

// Emit sends one event. Transport failures are logged and dropped.
func (r *Relay) Emit(ev types.RelayEvent) {
	r.send(types.EventEnvelope{
		Type:   types.TypeWebSocketEvent,
		Source: types.SourceAgent,
		Event:  ev,
	})
}

func (r *Relay) send(v any) {
	if err := r.ch.Send(v); err != nil {
		r.logger.Debug("send failed", zap.Error(err))
	}
}

func (r *Relay) receive(raw []byte) {
	var cmd types.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		r.logger.Warn("undecodable command", zap.Error(err))
		return
	}
	r.exec(func() { r.Handle(cmd) })
}

// Handle applies one observer command. Unknown commands are ignored.
func (r *Relay) Handle(cmd types.Command) {
	if r.engine == nil {
		r.logger.Warn("command before engine bound", zap.String("type", cmd.Type))
		return
	}
	ctrl := r.engine.Control()
	log := r.logger.With(zap.String("type", cmd.Type))

	switch cmd.Type {
	case types.CmdStartMonitoring:
		ctrl.SetMonitoring(true)
		r.replyState()
	case types.CmdStopMonitoring:
		ctrl.SetMonitoring(false)
		r.replyState()
	case types.CmdBlockOutgoing:
		ctrl.SetBlockOutgoing(cmd.Enabled)
		r.replyState()
	case types.CmdBlockIncoming:
		ctrl.SetBlockIncoming(cmd.Enabled)
		r.replyState()
	case types.CmdGetProxyState:
		r.replyState()
	case types.CmdResetProxyState:
		ctrl.Reset()
		r.replyState()

	case types.CmdSimulateMessage:
		if err := r.simulateMessage(cmd); err != nil {
			log.Info("simulate message failed", zap.String("connection", cmd.ConnectionID), zap.Error(err))
		}
	case types.CmdSimulateSystemEvent:
		err := r.engine.SimulateSystemEvent(cmd.ConnectionID, cmd.EventType, intercept.SystemEventDetails{
			Code:    cmd.Code,
			Reason:  cmd.Reason,
			Message: cmd.Message,
		})
		if err != nil {
			log.Info("simulate system event failed", zap.String("connection", cmd.ConnectionID), zap.Error(err))
		}

	case types.CmdCreateManualWebSocket:
		reply := types.ManualCreatedMessage{Type: types.TypeManualCreated, URL: cmd.URL}
		id, err := r.engine.ManualConnect(cmd.URL)
		if err != nil {
			log.Info("manual connection failed", zap.String("url", cmd.URL), zap.Error(err))
			reply.Error = err.Error()
		}
		reply.ConnectionID = id
		r.send(reply)

	case types.CmdClearBlockedMessages:
		if err := r.engine.ClearBlocked(cmd.ConnectionID); err != nil {
			log.Info("clear blocked failed", zap.String("connection", cmd.ConnectionID), zap.Error(err))
			return
		}
		r.replyState()
	case types.CmdGetBlockedMessages:
		s, ok := r.engine.Registry().Get(cmd.ConnectionID)
		if !ok {
			log.Info("unknown connection", zap.String("connection", cmd.ConnectionID))
			return
		}
		r.send(types.BlockedMessagesMessage{
			Type:         types.TypeBlockedMessages,
			ConnectionID: s.ID(),
			Messages:     s.Blocked(),
		})
	case types.CmdGetConnections:
		r.send(types.ConnectionsMessage{Type: types.TypeConnections, Connections: r.connections()})

	default:
		log.Warn("unknown command")
	}
}

var errUnknownDirection = errors.New("relay: direction must be incoming or outgoing")

func (r *Relay) simulateMessage(cmd types.Command) error {
	msg, err := wsapi.DecodeMessage(cmd.Message, cmd.Binary)
	if err != nil {
		return err
	}
	switch cmd.Direction {
	case types.DirectionIncoming:
		return r.engine.SimulateIncoming(cmd.ConnectionID, msg)
	case types.DirectionOutgoing:
		return r.engine.SimulateOutgoing(cmd.ConnectionID, msg)
	}
	return errUnknownDirection
}

// State snapshots the control flags and live connections.
func (r *Relay) State() types.ProxyState {
	st := r.engine.Control().State()
	return types.ProxyState{
		IsMonitoring:  st.Monitoring,
		BlockOutgoing: st.BlockOutgoing,
		BlockIncoming: st.BlockIncoming,
		Connections:   r.engine.Registry().Len(),
	}
}

func (r *Relay) replyState() {
	r.send(types.ProxyStateMessage{Type: types.TypeProxyState, State: r.State()})
}

func (r *Relay) connections() []types.ConnectionInfo {
	sockets := r.engine.Registry().Sockets()
	out := make([]types.ConnectionInfo, 0, len(sockets))
	for _, s := range sockets {
		out = append(out, s.Info())
	}
	return out
}
