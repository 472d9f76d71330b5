package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/QuadTriangle/wstap/internal/types"
	"go.uber.org/zap"
)

// JSON response types for the stats API

type connectionJSON struct {
	AgentID      string `json:"agent_id"`
	ConnectionID string `json:"connection_id"`
	URL          string `json:"url"`
	Status       string `json:"status"`
	MessagesIn   int    `json:"messages_in"`
	MessagesOut  int    `json:"messages_out"`
	BytesIn      int    `json:"bytes_in"`
	BytesOut     int    `json:"bytes_out"`
	Blocked      int    `json:"blocked"`
	Simulated    int    `json:"simulated"`
	Errors       int    `json:"errors"`
	FirstSeen    int64  `json:"first_seen"`
	LastEvent    int64  `json:"last_event"`
}

type eventJSON struct {
	ID         int              `json:"id"`
	AgentID    string           `json:"agent_id"`
	ReceivedAt int64            `json:"received_at"`
	Event      types.RelayEvent `json:"event"`
}

type summaryJSON struct {
	Agents           int `json:"agents"`
	Connections      int `json:"connections"`
	OpenConnections  int `json:"open_connections"`
	TotalMessagesIn  int `json:"total_messages_in"`
	TotalMessagesOut int `json:"total_messages_out"`
	TotalBytesIn     int `json:"total_bytes_in"`
	TotalBytesOut    int `json:"total_bytes_out"`
	TotalBlocked     int `json:"total_blocked"`
	TotalSimulated   int `json:"total_simulated"`
	TotalErrors      int `json:"total_errors"`
}

// Server serves the stats API locally.
type Server struct {
	srv      *http.Server
	listener net.Listener
}

// StartServer starts the local stats HTTP server on the given port.
func StartServer(store *Store, port int, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv:      &http.Server{Handler: NewHandler(store), ReadHeaderTimeout: 10 * time.Second},
		listener: ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("stats server error", zap.Error(err))
		}
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// NewHandler returns the stats API without listening.
func NewHandler(store *Store) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats/connections", func(w http.ResponseWriter, r *http.Request) {
		handleConnections(store, w, r)
	})
	mux.HandleFunc("GET /api/stats/events", func(w http.ResponseWriter, r *http.Request) {
		handleEvents(store, w, r)
	})
	mux.HandleFunc("GET /api/stats/summary", func(w http.ResponseWriter, r *http.Request) {
		handleSummary(store, w, r)
	})
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func handleConnections(store *Store, w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	snap := store.Snapshot()
	conns := make([]connectionJSON, 0, len(snap))
	for _, cs := range snap {
		if agent != "" && cs.AgentID != agent {
			continue
		}
		conns = append(conns, connectionJSON{
			AgentID:      cs.AgentID,
			ConnectionID: cs.ConnectionID,
			URL:          cs.URL,
			Status:       cs.Status,
			MessagesIn:   cs.MessagesIn,
			MessagesOut:  cs.MessagesOut,
			BytesIn:      cs.BytesIn,
			BytesOut:     cs.BytesOut,
			Blocked:      cs.Blocked,
			Simulated:    cs.Simulated,
			Errors:       cs.Errors,
			FirstSeen:    cs.FirstSeen.UnixMilli(),
			LastEvent:    cs.LastEvent.UnixMilli(),
		})
	}
	writeJSON(w, map[string]any{"connections": conns})
}

func handleEvents(store *Store, w http.ResponseWriter, r *http.Request) {
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	agent := r.URL.Query().Get("agent")
	connection := r.URL.Query().Get("connection")
	entries := store.RecentEvents(limit)

	// Newest first, filtered by agent and connection if provided
	events := make([]eventJSON, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if agent != "" && e.AgentID != agent {
			continue
		}
		if connection != "" && e.Event.ID != connection {
			continue
		}
		events = append(events, eventJSON{
			ID:         e.ID,
			AgentID:    e.AgentID,
			ReceivedAt: e.ReceivedAt.UnixMilli(),
			Event:      e.Event,
		})
	}
	writeJSON(w, map[string]any{"events": events})
}

func handleSummary(store *Store, w http.ResponseWriter, r *http.Request) {
	snap := store.Snapshot()
	sum := summaryJSON{Agents: store.Agents(), Connections: len(snap)}
	for _, cs := range snap {
		if cs.Status == types.StatusOpen {
			sum.OpenConnections++
		}
		sum.TotalMessagesIn += cs.MessagesIn
		sum.TotalMessagesOut += cs.MessagesOut
		sum.TotalBytesIn += cs.BytesIn
		sum.TotalBytesOut += cs.BytesOut
		sum.TotalBlocked += cs.Blocked
		sum.TotalSimulated += cs.Simulated
		sum.TotalErrors += cs.Errors
	}
	writeJSON(w, map[string]any{"summary": sum})
}
