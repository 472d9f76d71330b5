package relay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/QuadTriangle/wstap/internal/control"
	"github.com/QuadTriangle/wstap/internal/intercept"
	"github.com/QuadTriangle/wstap/internal/types"
	"github.com/QuadTriangle/wstap/internal/wsapi"
	"github.com/QuadTriangle/wstap/internal/wsapi/wsapitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// channel records everything sent and lets the test inject commands.
type channel struct {
	sent    []any
	sendErr error
	handler func([]byte)
}

func (c *channel) Send(v any) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *channel) OnReceive(h func([]byte)) { c.handler = h }

func (c *channel) command(t *testing.T, cmd types.Command) {
	t.Helper()
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	c.handler(raw)
}

func (c *channel) last() any { return c.sent[len(c.sent)-1] }

func (c *channel) lastState(t *testing.T) types.ProxyState {
	t.Helper()
	msg, ok := c.last().(types.ProxyStateMessage)
	require.True(t, ok, "last message is %T", c.last())
	assert.Equal(t, types.TypeProxyState, msg.Type)
	return msg.State
}

type fixture struct {
	ch     *channel
	relay  *Relay
	engine *intercept.Engine
	dialer *wsapitest.Dialer
}

func newFixture(t *testing.T, initial control.State) *fixture {
	t.Helper()
	f := &fixture{ch: &channel{}, dialer: &wsapitest.Dialer{}}
	f.relay = New(f.ch)
	f.engine = intercept.NewEngine(control.NewStore(initial), f.relay)
	f.relay.Bind(f.engine)
	require.True(t, f.engine.Install(f.dialer))
	return f
}

func (f *fixture) open(t *testing.T) (*intercept.Socket, *wsapitest.Socket) {
	t.Helper()
	s, err := f.engine.New("wss://example.test/feed")
	require.NoError(t, err)
	native := f.dialer.Last()
	native.Open()
	f.ch.sent = nil
	return s, native
}

func TestEmit_WrapsEvent(t *testing.T) {
	f := newFixture(t, control.DefaultState())
	s, err := f.engine.New("wss://example.test/feed")
	require.NoError(t, err)

	require.Len(t, f.ch.sent, 1)
	msg := f.ch.sent[0].(types.EventEnvelope)
	assert.Equal(t, types.TypeWebSocketEvent, msg.Type)
	assert.Equal(t, types.SourceAgent, msg.Source)
	assert.Equal(t, s.ID(), msg.Event.ID)
	assert.Equal(t, types.EventConnection, msg.Event.Type)
}

func TestEmit_TransportFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, control.DefaultState())
	f.ch.sendErr = errors.New("tunnel down")

	s, err := f.engine.New("wss://example.test/feed")
	require.NoError(t, err)
	f.dialer.Last().Open()
	assert.NoError(t, s.Send(wsapi.TextMessage("still works")))
	assert.Len(t, f.dialer.Last().Sent, 1)
}

func TestControlCommands(t *testing.T) {
	f := newFixture(t, control.DefaultState())

	f.ch.command(t, types.Command{Type: types.CmdStopMonitoring})
	assert.False(t, f.ch.lastState(t).IsMonitoring)

	f.ch.command(t, types.Command{Type: types.CmdStartMonitoring})
	assert.True(t, f.ch.lastState(t).IsMonitoring)

	f.ch.command(t, types.Command{Type: types.CmdBlockOutgoing, Enabled: true})
	assert.True(t, f.ch.lastState(t).BlockOutgoing)

	f.ch.command(t, types.Command{Type: types.CmdBlockIncoming, Enabled: true})
	st := f.ch.lastState(t)
	assert.True(t, st.BlockIncoming)
	assert.True(t, st.BlockOutgoing)

	f.ch.command(t, types.Command{Type: types.CmdResetProxyState})
	assert.Equal(t, types.ProxyState{IsMonitoring: true}, f.ch.lastState(t))
}

func TestGetProxyState_CountsConnections(t *testing.T) {
	f := newFixture(t, control.DefaultState())
	f.open(t)
	f.open(t)

	f.ch.command(t, types.Command{Type: types.CmdGetProxyState})
	assert.Equal(t, 2, f.ch.lastState(t).Connections)
}

func TestSimulateMessageCommand(t *testing.T) {
	f := newFixture(t, control.DefaultState())
	s, native := f.open(t)

	var got []string
	s.SetOnMessage(func(ev wsapi.Event) { got = append(got, ev.(*wsapi.MessageEvent).Data.Text()) })

	f.ch.command(t, types.Command{
		Type:         types.CmdSimulateMessage,
		ConnectionID: s.ID(),
		Message:      "from observer",
		Direction:    types.DirectionIncoming,
	})
	f.ch.command(t, types.Command{
		Type:         types.CmdSimulateMessage,
		ConnectionID: s.ID(),
		Message:      "CJYB",
		Binary:       true,
		Direction:    types.DirectionOutgoing,
	})

	assert.Equal(t, []string{"from observer"}, got)
	require.Len(t, native.Sent, 1)
	assert.Equal(t, wsapi.BinaryMessage([]byte{0x08, 0x96, 0x01}), native.Sent[0])

	require.Len(t, f.ch.sent, 2)
	for _, v := range f.ch.sent {
		assert.True(t, v.(types.EventEnvelope).Event.Simulated)
	}
}

func TestSimulateMessageCommand_BadInputIgnored(t *testing.T) {
	f := newFixture(t, control.DefaultState())
	s, native := f.open(t)

	f.ch.command(t, types.Command{Type: types.CmdSimulateMessage, ConnectionID: "ws_missing", Message: "x", Direction: types.DirectionIncoming})
	f.ch.command(t, types.Command{Type: types.CmdSimulateMessage, ConnectionID: s.ID(), Message: "x", Direction: "sideways"})
	f.ch.command(t, types.Command{Type: types.CmdSimulateMessage, ConnectionID: s.ID(), Message: "!!", Binary: true, Direction: types.DirectionOutgoing})

	assert.Empty(t, native.Sent)
	assert.Empty(t, f.ch.sent)
}

func TestSimulateSystemEventCommand(t *testing.T) {
	f := newFixture(t, control.DefaultState())
	s, native := f.open(t)

	f.ch.command(t, types.Command{
		Type:         types.CmdSimulateSystemEvent,
		ConnectionID: s.ID(),
		EventType:    types.SystemClientClose,
		Code:         1011,
		Reason:       "overloaded",
	})

	assert.Empty(t, native.Closes)
	msg := f.ch.last().(types.EventEnvelope)
	assert.Equal(t, types.EventClose, msg.Event.Type)
	assert.Equal(t, types.SystemClientClose, msg.Event.SystemEventType)
	assert.Equal(t, "Connection closed (code: 1011, reason: overloaded)", msg.Event.Data)
	assert.Equal(t, 0, f.engine.Registry().Len())
}

func TestCreateManualWebSocketCommand(t *testing.T) {
	f := newFixture(t, control.DefaultState())

	f.ch.command(t, types.Command{Type: types.CmdCreateManualWebSocket, URL: "ws://localhost:9000/live"})
	reply := f.ch.last().(types.ManualCreatedMessage)
	assert.Equal(t, types.TypeManualCreated, reply.Type)
	assert.NotEmpty(t, reply.ConnectionID)
	assert.Empty(t, reply.Error)
	_, ok := f.engine.Registry().Get(reply.ConnectionID)
	assert.True(t, ok)

	f.ch.command(t, types.Command{Type: types.CmdCreateManualWebSocket, URL: "ftp://nope"})
	reply = f.ch.last().(types.ManualCreatedMessage)
	assert.Empty(t, reply.ConnectionID)
	assert.NotEmpty(t, reply.Error)
}

func TestBlockedMessagesCommands(t *testing.T) {
	f := newFixture(t, control.State{Monitoring: true, BlockOutgoing: true})
	s, _ := f.open(t)
	require.NoError(t, s.Send(wsapi.TextMessage("held")))

	f.ch.command(t, types.Command{Type: types.CmdGetBlockedMessages, ConnectionID: s.ID()})
	blocked := f.ch.last().(types.BlockedMessagesMessage)
	assert.Equal(t, s.ID(), blocked.ConnectionID)
	require.Len(t, blocked.Messages, 1)
	assert.Equal(t, "held", blocked.Messages[0].Data)

	f.ch.command(t, types.Command{Type: types.CmdGetConnections})
	conns := f.ch.last().(types.ConnectionsMessage)
	require.Len(t, conns.Connections, 1)
	assert.Equal(t, 1, conns.Connections[0].Blocked)

	f.ch.command(t, types.Command{Type: types.CmdClearBlockedMessages, ConnectionID: s.ID()})
	f.ch.lastState(t)
	assert.Empty(t, s.Blocked())
}

func TestUnknownAndMalformedCommandsAreIgnored(t *testing.T) {
	f := newFixture(t, control.DefaultState())

	f.ch.command(t, types.Command{Type: "format-hard-drive"})
	f.ch.handler([]byte("{not json"))

	assert.Empty(t, f.ch.sent)
}

func TestExecutorReceivesCommands(t *testing.T) {
	ch := &channel{}
	var queued []func()
	r := New(ch, WithExecutor(func(fn func()) { queued = append(queued, fn) }))
	engine := intercept.NewEngine(control.NewStore(control.DefaultState()), r)
	r.Bind(engine)

	ch.command(t, types.Command{Type: types.CmdStopMonitoring})
	assert.True(t, engine.Control().State().Monitoring, "not applied until the executor runs it")

	require.Len(t, queued, 1)
	queued[0]()
	assert.False(t, engine.Control().State().Monitoring)
}

func TestHandleBeforeBind(t *testing.T) {
	ch := &channel{}
	r := New(ch)
	assert.NotPanics(t, func() { r.Handle(types.Command{Type: types.CmdGetProxyState}) })
	assert.Empty(t, ch.sent)
}
