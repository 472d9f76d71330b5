package intercept

import (
	"testing"
	"time"

	"github.com/QuadTriangle/wstap/internal/control"
	"github.com/QuadTriangle/wstap/internal/types"
	"github.com/QuadTriangle/wstap/internal/wsapi/wsapitest"
)

type recorder struct {
	events []types.RelayEvent
}

func (r *recorder) Emit(ev types.RelayEvent) { r.events = append(r.events, ev) }

func (r *recorder) ofType(kind string) []types.RelayEvent {
	var out []types.RelayEvent
	for _, ev := range r.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) last() types.RelayEvent { return r.events[len(r.events)-1] }

func (r *recorder) reset() { r.events = nil }

var testNow = time.UnixMilli(1_700_000_000_000)

type harness struct {
	engine *Engine
	dialer *wsapitest.Dialer
	events *recorder
}

func newHarness(t *testing.T, initial control.State) *harness {
	t.Helper()
	h := &harness{dialer: &wsapitest.Dialer{}, events: &recorder{}}
	h.engine = NewEngine(control.NewStore(initial), h.events, WithClock(func() time.Time { return testNow }))
	h.engine.Install(h.dialer)
	return h
}

// connect opens an already-established connection and clears the events
// produced by doing so.
func (h *harness) connect(t *testing.T) (*Socket, *wsapitest.Socket) {
	t.Helper()
	s, err := h.engine.New("wss://example.test/socket")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	native := h.dialer.Last()
	native.Open()
	h.events.reset()
	return s, native
}
