package inspector

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/QuadTriangle/wstap/internal/control"
	"github.com/QuadTriangle/wstap/internal/hooks"
	"github.com/QuadTriangle/wstap/internal/intercept"
	"github.com/QuadTriangle/wstap/internal/loop"
	"github.com/QuadTriangle/wstap/internal/relay"
	"github.com/QuadTriangle/wstap/internal/tunnel"
	"github.com/QuadTriangle/wstap/internal/types"
	"github.com/QuadTriangle/wstap/internal/wsapi"
	"github.com/QuadTriangle/wstap/internal/wsapi/wsapitest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu          sync.Mutex
	events      []types.RelayEvent
	connects    []string
	disconnects []string
}

func (r *recorder) OnEvent(_ string, ev types.RelayEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) OnConnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, id)
}

func (r *recorder) OnDisconnect(id string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, id)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	pipeline := &hooks.Pipeline{}
	pipeline.AddEventHook(rec)
	pipeline.AddConnectionHook(rec)
	s := New(pipeline)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv, rec
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func TestRegister(t *testing.T) {
	s, srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+registerPath, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+registerPath, types.RegisterRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var res types.RegisterResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "agentId is required", res.Error)

	path, err := tunnel.Register(context.Background(), srv.Client(), srv.URL, types.RegisterRequest{AgentID: "a1", Version: "1.2.0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, tunnel.RelayPath, path)

	assert.Equal(t, []types.AgentInfo{{ID: "a1", Version: "1.2.0"}}, s.Agents())
}

func TestCommand_Errors(t *testing.T) {
	_, srv, _ := newTestServer(t)

	resp := post(t, srv.URL+"/api/agents/ghost/commands", types.Command{Type: types.CmdGetProxyState})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	post(t, srv.URL+registerPath, types.RegisterRequest{AgentID: "a1"})
	resp = post(t, srv.URL+"/api/agents/a1/commands", types.Command{Type: types.CmdGetProxyState})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "registered but no relay")

	resp = post(t, srv.URL+"/api/agents/a1/commands", types.Command{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(srv.URL + "/api/agents/ghost")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusNotFound, get.StatusCode)
}

func TestRelay_RequiresAgent(t *testing.T) {
	_, srv, _ := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+relayPath, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelay_KeepaliveAndReplies(t *testing.T) {
	s, srv, rec := newTestServer(t)
	relayURL, err := tunnel.RelayURL(srv.URL, relayPath, "raw")
	require.NoError(t, err)

	c, _, err := websocket.DefaultDialer.Dial(relayURL, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, c.WriteJSON(types.ConnectionsMessage{Type: types.TypeConnections, Connections: []types.ConnectionInfo{}}))
	require.NoError(t, c.WriteJSON(types.ProxyStateMessage{
		Type:  types.TypeProxyState,
		State: types.ProxyState{IsMonitoring: true, Connections: 3},
	}))

	waitFor(t, func() bool {
		info, _, err := s.Agent("raw")
		return err == nil && info.State != nil
	})
	info, replies, err := s.Agent("raw")
	require.NoError(t, err)
	assert.True(t, info.Connected)
	assert.Equal(t, 3, info.State.Connections)
	assert.Contains(t, replies, types.TypeConnections)
	assert.Contains(t, replies, types.TypeProxyState)

	rec.mu.Lock()
	assert.Equal(t, []string{"raw"}, rec.connects)
	rec.mu.Unlock()

	c.Close()
	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.disconnects) == 1
	})
	info, _, _ = s.Agent("raw")
	assert.False(t, info.Connected)
}

func TestMiddleware(t *testing.T) {
	pipeline := &hooks.Pipeline{}
	pipeline.AddMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		})
	})
	srv := httptest.NewServer(New(pipeline).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/agents")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// agent is the full agent side running against an in-memory native dialer.
type agent struct {
	lp     *loop.Loop
	engine *intercept.Engine
	dialer *wsapitest.Dialer
	tun    *tunnel.Tunnel
}

func startAgent(t *testing.T, baseURL, id string) (*agent, context.CancelFunc) {
	t.Helper()
	path, err := tunnel.Register(context.Background(), nil, baseURL, types.RegisterRequest{AgentID: id}, nil)
	require.NoError(t, err)
	relayURL, err := tunnel.RelayURL(baseURL, path, id)
	require.NoError(t, err)

	a := &agent{lp: loop.New(nil), dialer: &wsapitest.Dialer{}}
	a.tun = tunnel.New(relayURL)
	rl := relay.New(a.tun, relay.WithExecutor(a.lp.Post))
	a.engine = intercept.NewEngine(control.NewStore(control.DefaultState()), rl)
	rl.Bind(a.engine)
	require.True(t, a.engine.Install(a.dialer))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.lp.Run(ctx) }()
	go func() { defer wg.Done(); a.tun.Run(ctx) }()
	waitFor(t, a.tun.Connected)

	return a, func() {
		cancel()
		wg.Wait()
	}
}

func (a *agent) call(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.lp.Call(ctx, fn))
}

func TestEndToEnd(t *testing.T) {
	s, srv, rec := newTestServer(t)
	a, stop := startAgent(t, srv.URL, "a1")

	var page *intercept.Socket
	a.call(t, func() {
		var err error
		page, err = a.engine.New("wss://feed.example.test/live")
		if assert.NoError(t, err) {
			a.dialer.Last().Open()
		}
	})
	require.NotNil(t, page)
	waitFor(t, func() bool { return len(rec.kinds()) == 2 })
	assert.Equal(t, []string{types.EventConnection, types.EventOpen}, rec.kinds())

	resp := post(t, srv.URL+"/api/agents/a1/commands", types.Command{Type: types.CmdBlockOutgoing, Enabled: true})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitFor(t, func() bool {
		info, _, _ := s.Agent("a1")
		return info.State != nil && info.State.BlockOutgoing
	})
	info, _, err := s.Agent("a1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.State.Connections)

	a.call(t, func() {
		assert.NoError(t, page.Send(wsapi.TextMessage("secret")))
		assert.Empty(t, a.dialer.Last().Sent, "blocked send never reaches the network")
	})
	waitFor(t, func() bool { return len(rec.kinds()) == 3 })
	rec.mu.Lock()
	blocked := rec.events[2]
	rec.mu.Unlock()
	assert.True(t, blocked.Blocked)
	assert.Equal(t, "secret", blocked.Data)
	assert.Equal(t, types.DirectionOutgoing, blocked.Direction)

	resp = post(t, srv.URL+"/api/agents/a1/commands", types.Command{
		Type:         types.CmdSimulateMessage,
		ConnectionID: page.ID(),
		Message:      "from observer",
		Direction:    types.DirectionIncoming,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitFor(t, func() bool { return len(rec.kinds()) == 4 })
	rec.mu.Lock()
	simulated := rec.events[3]
	rec.mu.Unlock()
	assert.True(t, simulated.Simulated)

	stop()
	waitFor(t, func() bool {
		info, _, _ := s.Agent("a1")
		return !info.Connected
	})
	rec.mu.Lock()
	assert.Equal(t, []string{"a1"}, rec.disconnects)
	rec.mu.Unlock()
}
