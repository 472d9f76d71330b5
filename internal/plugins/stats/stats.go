package stats

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/QuadTriangle/wstap/internal/hooks"
	"github.com/QuadTriangle/wstap/internal/types"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// EventEntry is a single relayed event held in memory.
type EventEntry struct {
	ID         int
	AgentID    string
	Event      types.RelayEvent
	ReceivedAt time.Time
}

// ConnectionStats holds aggregate counters for one intercepted connection.
type ConnectionStats struct {
	AgentID      string
	ConnectionID string
	URL          string
	Status       string
	MessagesIn   int
	MessagesOut  int
	BytesIn      int
	BytesOut     int
	Blocked      int
	Simulated    int
	Errors       int
	FirstSeen    time.Time
	LastEvent    time.Time
}

// Store is the in-memory stats store. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	conns     map[string]*ConnectionStats // keyed by agent/connection
	connOrder []string                    // insertion order for stable iteration
	agents    map[string]time.Time        // connected agents
	events    []EventEntry                // ring buffer
	maxEvents int
	nextID    int
	now       func() time.Time
}

// NewStore keeps the last maxEvents events. With maxEvents <= 0 only the
// counters are kept.
func NewStore(maxEvents int) *Store {
	return &Store{
		conns:     make(map[string]*ConnectionStats),
		agents:    make(map[string]time.Time),
		maxEvents: maxEvents,
		now:       time.Now,
	}
}

func connKey(agentID, connID string) string { return agentID + "/" + connID }

func (s *Store) RecordConnect(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agentID] = s.now()
}

// RecordDisconnect forgets the agent and every connection it reported.
func (s *Store) RecordDisconnect(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
	kept := s.connOrder[:0]
	for _, k := range s.connOrder {
		if s.conns[k].AgentID == agentID {
			delete(s.conns, k)
			continue
		}
		kept = append(kept, k)
	}
	s.connOrder = kept
}

func (s *Store) RecordEvent(agentID string, ev types.RelayEvent) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry := EventEntry{ID: s.nextID, AgentID: agentID, Event: ev, ReceivedAt: now}
	// Ring buffer: keep last maxEvents entries
	switch {
	case s.maxEvents <= 0:
	case len(s.events) >= s.maxEvents:
		s.events = append(s.events[1:], entry)
	default:
		s.events = append(s.events, entry)
	}

	k := connKey(agentID, ev.ID)
	cs, ok := s.conns[k]
	if !ok {
		cs = &ConnectionStats{AgentID: agentID, ConnectionID: ev.ID, FirstSeen: now}
		s.conns[k] = cs
		s.connOrder = append(s.connOrder, k)
	}
	cs.URL = ev.URL
	cs.Status = ev.Status
	cs.LastEvent = now
	if ev.Simulated {
		cs.Simulated++
	}

	switch ev.Type {
	case types.EventMessage:
		if ev.Blocked {
			cs.Blocked++
			return
		}
		size := payloadSize(ev)
		switch ev.Direction {
		case types.DirectionIncoming:
			cs.MessagesIn++
			cs.BytesIn += size
		case types.DirectionOutgoing:
			cs.MessagesOut++
			cs.BytesOut += size
		}
	case types.EventError:
		cs.Errors++
	}
}

func payloadSize(ev types.RelayEvent) int {
	if ev.Binary {
		if decoded, err := base64.StdEncoding.DecodeString(ev.Data); err == nil {
			return len(decoded)
		}
	}
	return len(ev.Data)
}

// Snapshot returns a copy of all connection stats in stable insertion order.
func (s *Store) Snapshot() []ConnectionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConnectionStats, 0, len(s.connOrder))
	for _, k := range s.connOrder {
		out = append(out, *s.conns[k])
	}
	return out
}

// RecentEvents returns the last n events, oldest first.
func (s *Store) RecentEvents(n int) []EventEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.events) {
		n = len(s.events)
	}
	out := make([]EventEntry, n)
	copy(out, s.events[len(s.events)-n:])
	return out
}

// Agents is the number of connected agents.
func (s *Store) Agents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

// --- Plugin wiring ---

// Plugin implements hooks.Plugin for in-memory stats collection.
// Controlled by a single --dashboard-port flag: port > 0 enables stats and the API, 0 disables everything.
type Plugin struct {
	dashboardPort int
	store         *Store
	logger        *zap.Logger

	mu     sync.Mutex
	server *Server
}

func New() *Plugin {
	return &Plugin{
		store:  NewStore(1000),
		logger: zap.NewNop(),
	}
}

func (p *Plugin) Name() string { return "stats" }

func (p *Plugin) RegisterFlags(fs *pflag.FlagSet) {
	fs.IntVar(&p.dashboardPort, "dashboard-port", 9999, "Stats API port (0 to disable stats entirely)")
}

func (p *Plugin) Enabled() bool { return p.dashboardPort > 0 }

func (p *Plugin) Init(logger *zap.Logger) error {
	p.logger = logger
	return nil
}

func (p *Plugin) EventHooks() []hooks.EventHook {
	return []hooks.EventHook{&eventHook{store: p.store}}
}

func (p *Plugin) ConnectionHooks() []hooks.ConnectionHook {
	return []hooks.ConnectionHook{&connHook{store: p.store, plugin: p}}
}

func (p *Plugin) Middleware() []hooks.Middleware { return nil }

// Store returns the underlying store for external consumers.
func (p *Plugin) Store() *Store { return p.store }

// Close stops the stats API if it was started.
func (p *Plugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == nil {
		return nil
	}
	err := p.server.Close()
	p.server = nil
	return err
}

// startDashboard starts the local stats API on the first agent connect.
func (p *Plugin) startDashboard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dashboardPort == 0 || p.server != nil {
		return
	}
	srv, err := StartServer(p.store, p.dashboardPort, p.logger)
	if err != nil {
		p.logger.Warn("failed to start stats server", zap.Error(err))
		return
	}
	p.server = srv
	p.logger.Info("stats API listening", zap.String("addr", "http://"+srv.Addr()))
}

// --- Hooks ---

type eventHook struct {
	store *Store
}

func (h *eventHook) OnEvent(agentID string, ev types.RelayEvent) {
	h.store.RecordEvent(agentID, ev)
}

type connHook struct {
	hooks.NoOpConnectionHook
	store  *Store
	plugin *Plugin
}

func (h *connHook) OnConnect(agentID string) {
	h.store.RecordConnect(agentID)
	h.plugin.startDashboard()
}

func (h *connHook) OnDisconnect(agentID string, _ error) {
	h.store.RecordDisconnect(agentID)
}
