package hooks

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/QuadTriangle/wstap/internal/types"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHook struct {
	NoOpConnectionHook
	name string
	log  *[]string
}

func (h *recordingHook) OnEvent(agentID string, ev types.RelayEvent) {
	*h.log = append(*h.log, h.name+":event:"+agentID+":"+ev.ID)
}

func (h *recordingHook) OnConnect(agentID string) {
	*h.log = append(*h.log, h.name+":connect:"+agentID)
}

type fakePlugin struct {
	name    string
	on      bool
	initErr error
	closed  bool
	hook    *recordingHook
	header  string
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) RegisterFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&p.on, p.name, false, "enable "+p.name)
}

func (p *fakePlugin) Enabled() bool { return p.on }

func (p *fakePlugin) Init(*zap.Logger) error { return p.initErr }

func (p *fakePlugin) EventHooks() []EventHook { return []EventHook{p.hook} }

func (p *fakePlugin) ConnectionHooks() []ConnectionHook { return []ConnectionHook{p.hook} }

func (p *fakePlugin) Middleware() []Middleware {
	return []Middleware{func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("X-Chain", p.header)
			next.ServeHTTP(w, r)
		})
	}}
}

func (p *fakePlugin) Close() error {
	p.closed = true
	return nil
}

func TestPipeline_ActivatesOnlyEnabledPlugins(t *testing.T) {
	var log []string
	a := &fakePlugin{name: "alpha", header: "a", hook: &recordingHook{name: "alpha", log: &log}}
	b := &fakePlugin{name: "beta", header: "b", hook: &recordingHook{name: "beta", log: &log}}
	c := &fakePlugin{name: "gamma", header: "c", hook: &recordingHook{name: "gamma", log: &log}}

	p := &Pipeline{}
	p.RegisterPlugin(a)
	p.RegisterPlugin(b)
	p.RegisterPlugin(c)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	p.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--alpha", "--gamma"}))
	require.NoError(t, p.Activate(zap.NewNop()))
	assert.Equal(t, []string{"alpha", "gamma"}, p.Active())

	p.NotifyConnect("agent-1")
	p.NotifyEvent("agent-1", types.RelayEvent{ID: "ws_1"})
	p.NotifyDisconnect("agent-1", errors.New("gone"))
	assert.Equal(t, []string{
		"alpha:connect:agent-1",
		"gamma:connect:agent-1",
		"alpha:event:agent-1:ws_1",
		"gamma:event:agent-1:ws_1",
	}, log)

	rec := httptest.NewRecorder()
	p.Wrap(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "a,c", strings.Join(rec.Header().Values("X-Chain"), ","), "first plugin runs outermost")

	require.NoError(t, p.Close())
	assert.True(t, a.closed)
	assert.False(t, b.closed)
	assert.True(t, c.closed)
}

func TestPipeline_InitErrorStopsActivation(t *testing.T) {
	var log []string
	bad := &fakePlugin{name: "bad", on: true, initErr: errors.New("invalid flag"), hook: &recordingHook{log: &log}}
	p := &Pipeline{}
	p.RegisterPlugin(bad)

	err := p.Activate(nil)
	assert.ErrorContains(t, err, "plugin bad: invalid flag")
	assert.Empty(t, p.Active())
}

func TestPipeline_ZeroValue(t *testing.T) {
	var p Pipeline
	assert.NotPanics(t, func() {
		p.NotifyConnect("x")
		p.NotifyEvent("x", types.RelayEvent{})
		p.NotifyDisconnect("x", nil)
	})
	h := http.NotFoundHandler()
	rec := httptest.NewRecorder()
	p.Wrap(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, p.Close())
}
