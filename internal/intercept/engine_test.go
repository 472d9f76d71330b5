package intercept

import (
	"testing"

	"github.com/QuadTriangle/wstap/internal/control"
	"github.com/QuadTriangle/wstap/internal/wsapi"
	"github.com/QuadTriangle/wstap/internal/wsapi/wsapitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_InstallIsGuarded(t *testing.T) {
	first := &wsapitest.Dialer{}
	second := &wsapitest.Dialer{}
	e := NewEngine(control.NewStore(control.DefaultState()), nil)

	assert.False(t, e.Installed())
	assert.True(t, e.Install(first))
	assert.False(t, e.Install(second), "re-installation is a no-op")

	_, err := e.New("wss://example.test/a")
	require.NoError(t, err)
	assert.Len(t, first.Sockets, 1)
	assert.Empty(t, second.Sockets)
}

func TestEngine_UninstallRestoresNative(t *testing.T) {
	native := &wsapitest.Dialer{}
	e := NewEngine(control.NewStore(control.DefaultState()), nil)
	e.Install(native)

	restored := e.Uninstall()
	assert.Same(t, native, restored.(*wsapitest.Dialer))
	assert.False(t, e.Installed())

	_, err := e.New("wss://example.test/a")
	assert.ErrorIs(t, err, ErrNotInstalled)

	assert.True(t, e.Install(native), "can be installed again after teardown")
}

func TestEngine_IDsAreUniqueAndOrdered(t *testing.T) {
	h := newHarness(t, control.DefaultState())

	seen := map[string]bool{}
	var ids []string
	for i := 0; i < 5; i++ {
		s, err := h.engine.New("wss://example.test/socket")
		require.NoError(t, err)
		assert.False(t, seen[s.ID()], "id %s reused", s.ID())
		seen[s.ID()] = true
		ids = append(ids, s.ID())
	}
	assert.Equal(t, "ws_1700000000000_1", ids[0])

	var listed []string
	for _, s := range h.engine.Registry().Sockets() {
		listed = append(listed, s.ID())
	}
	assert.Equal(t, ids, listed)

	// Closing one never frees its id for reuse.
	h.dialer.Sockets[0].DispatchEvent(&wsapi.CloseEvent{Code: 1000})
	s, err := h.engine.New("wss://example.test/socket")
	require.NoError(t, err)
	assert.Equal(t, "ws_1700000000000_6", s.ID())
	assert.Equal(t, 5, h.engine.Registry().Len())
}

func TestEngine_ManualConnect(t *testing.T) {
	h := newHarness(t, control.DefaultState())

	id, err := h.engine.ManualConnect("ws://localhost:8080/live")
	require.NoError(t, err)
	s, ok := h.engine.Registry().Get(id)
	require.True(t, ok)
	assert.Equal(t, "ws://localhost:8080/live", s.URL())
	assert.Equal(t, id, h.events.last().ID)

	_, err = h.engine.ManualConnect("::bad::")
	assert.Error(t, err)
}

func TestEngine_ClearBlocked(t *testing.T) {
	h := newHarness(t, control.State{Monitoring: true, BlockOutgoing: true})
	a, _ := h.connect(t)
	b, _ := h.connect(t)
	require.NoError(t, a.Send(wsapi.TextMessage("1")))
	require.NoError(t, b.Send(wsapi.TextMessage("2")))

	require.NoError(t, h.engine.ClearBlocked(a.ID()))
	assert.Empty(t, a.Blocked())
	assert.Len(t, b.Blocked(), 1)

	require.NoError(t, h.engine.ClearBlocked(""))
	assert.Empty(t, b.Blocked())

	assert.ErrorIs(t, h.engine.ClearBlocked("ws_missing"), ErrUnknownConnection)
}

func TestEngine_NilEmitter(t *testing.T) {
	native := &wsapitest.Dialer{}
	e := NewEngine(control.NewStore(control.DefaultState()), nil)
	e.Install(native)

	s, err := e.New("wss://example.test/a")
	require.NoError(t, err)
	native.Sockets[0].Open()
	assert.NotPanics(t, func() { _ = s.Send(wsapi.TextMessage("x")) })
}
