// Package inspector is the observer side of the relay: agents register and
// hold a WebSocket open, events fan out to the hook pipeline, and an HTTP
// API forwards commands back to agents.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/QuadTriangle/wstap/internal/hooks"
	"github.com/QuadTriangle/wstap/internal/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	registerPath = "/api/agents/register"
	relayPath    = "/relay"
)

var (
	ErrUnknownAgent = errors.New("inspector: unknown agent")
	ErrAgentOffline = errors.New("inspector: agent is not connected")
)

// session wraps an agent's relay connection with a write mutex.
// gorilla/websocket does not support concurrent writes.
type session struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (s *session) writeMessage(msgType int, data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteMessage(msgType, data)
}

func (s *session) writeJSON(v any) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteJSON(v)
}

type agentRecord struct {
	info    types.AgentInfo
	sess    *session
	replies map[string]json.RawMessage // latest reply per message type
}

// Server tracks agents and their relay sessions.
type Server struct {
	pipeline *hooks.Pipeline
	logger   *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu     sync.Mutex
	agents map[string]*agentRecord
	order  []string
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(pipeline *hooks.Pipeline, opts ...Option) *Server {
	if pipeline == nil {
		pipeline = &hooks.Pipeline{}
	}
	s := &Server{
		pipeline: pipeline,
		logger:   zap.NewNop(),
		now:      time.Now,
		agents:   make(map[string]*agentRecord),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("inspector")
	return s
}

// Handler returns the inspector API wrapped in the pipeline's middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+registerPath, s.handleRegister)
	mux.HandleFunc("GET "+relayPath, s.handleRelay)
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.handleAgent)
	mux.HandleFunc("POST /api/agents/{id}/commands", s.handleCommand)
	return s.pipeline.Wrap(mux)
}

// ListenAndServe serves until ctx is done, then shuts down and drops every
// agent session.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.Close()
	}()

	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close drops every agent session. Hijacked connections are not closed by
// http.Server.Shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.agents {
		if rec.sess != nil {
			_ = rec.sess.writeMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "inspector shutting down"))
			rec.sess.conn.Close()
		}
	}
}

// Agents lists known agents in registration order.
func (s *Server) Agents() []types.AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AgentInfo, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.agents[id].info)
	}
	return out
}

// Agent returns one agent and its latest replies keyed by message type.
func (s *Server) Agent(id string) (types.AgentInfo, map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[id]
	if !ok {
		return types.AgentInfo{}, nil, ErrUnknownAgent
	}
	replies := make(map[string]json.RawMessage, len(rec.replies))
	for k, v := range rec.replies {
		replies[k] = v
	}
	return rec.info, replies, nil
}

// SendCommand forwards cmd to a connected agent.
func (s *Server) SendCommand(id string, cmd types.Command) error {
	s.mu.Lock()
	rec, ok := s.agents[id]
	var sess *session
	if ok {
		sess = rec.sess
	}
	s.mu.Unlock()

	if !ok {
		return ErrUnknownAgent
	}
	if sess == nil {
		return ErrAgentOffline
	}
	return sess.writeJSON(cmd)
}

// record returns the agent's record, creating it. Caller holds mu.
func (s *Server) record(id string) *agentRecord {
	rec, ok := s.agents[id]
	if !ok {
		rec = &agentRecord{
			info:    types.AgentInfo{ID: id},
			replies: make(map[string]json.RawMessage),
		}
		s.agents[id] = rec
		s.order = append(s.order, id)
	}
	return rec
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, types.RegisterResponse{Error: "invalid request body"})
		return
	}
	if req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, types.RegisterResponse{Error: "agentId is required"})
		return
	}

	s.mu.Lock()
	s.record(req.AgentID).info.Version = req.Version
	s.mu.Unlock()

	s.logger.Info("agent registered", zap.String("agent", req.AgentID), zap.String("version", req.Version))
	writeJSON(w, http.StatusOK, types.RegisterResponse{RelayPath: relayPath})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.Agents()})
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	info, replies, err := s.Agent(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": info, "replies": replies})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd types.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || cmd.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command type is required"})
		return
	}

	id := r.PathValue("id")
	err := s.SendCommand(id, cmd)
	switch {
	case errors.Is(err, ErrUnknownAgent):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrAgentOffline):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		s.logger.Warn("command not delivered", zap.String("agent", id), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
	}
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("agent")
	if id == "" {
		http.Error(w, "agent query parameter is required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("relay upgrade failed", zap.String("agent", id), zap.Error(err))
		return
	}

	sess := &session{conn: conn}
	s.mu.Lock()
	rec := s.record(id)
	old := rec.sess
	rec.sess = sess
	rec.info.Connected = true
	rec.info.ConnectedAt = s.now().UnixMilli()
	s.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}

	s.logger.Info("agent connected", zap.String("agent", id))
	s.pipeline.NotifyConnect(id)

	err = s.readLoop(id, rec, sess)

	s.mu.Lock()
	if rec.sess == sess {
		rec.sess = nil
		rec.info.Connected = false
	}
	s.mu.Unlock()
	conn.Close()

	s.logger.Info("agent disconnected", zap.String("agent", id), zap.Error(err))
	s.pipeline.NotifyDisconnect(id, err)
}

func (s *Server) readLoop(id string, rec *agentRecord, sess *session) error {
	log := s.logger.With(zap.String("agent", id))
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return err
		}

		// Keepalive from the agent tunnel
		if string(data) == "ping" {
			if err := sess.writeMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return err
			}
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn("undecodable relay message", zap.Error(err))
			continue
		}

		switch env.Type {
		case types.TypeWebSocketEvent:
			var msg types.EventEnvelope
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("undecodable event", zap.Error(err))
				continue
			}
			log.Debug("event",
				zap.String("connection", msg.Event.ID),
				zap.String("type", msg.Event.Type),
				zap.String("direction", msg.Event.Direction))
			s.pipeline.NotifyEvent(id, msg.Event)
			continue
		case types.TypeProxyState:
			var msg types.ProxyStateMessage
			if err := json.Unmarshal(data, &msg); err == nil {
				s.mu.Lock()
				rec.info.State = &msg.State
				s.mu.Unlock()
			}
		}

		s.mu.Lock()
		rec.replies[env.Type] = json.RawMessage(data)
		s.mu.Unlock()
		log.Debug("reply", zap.String("type", env.Type))
	}
}
