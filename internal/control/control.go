// Package control holds the process-wide interception policy.
package control

import "sync"

// State is the global monitoring and blocking policy. There is no
// per-connection override.
type State struct {
	Monitoring    bool `yaml:"monitoring"`
	BlockOutgoing bool `yaml:"block_outgoing"`
	BlockIncoming bool `yaml:"block_incoming"`
}

// DefaultState is monitoring on, nothing blocked.
func DefaultState() State {
	return State{Monitoring: true}
}

// BlocksOutgoing reports whether page sends must be dropped.
func (s State) BlocksOutgoing() bool { return s.Monitoring && s.BlockOutgoing }

// BlocksIncoming reports whether inbound messages must be suppressed.
func (s State) BlocksIncoming() bool { return s.Monitoring && s.BlockIncoming }

// Store is read by every proxied socket on every event and mutated only by
// control commands. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	initial State
	current State
}

// NewStore captures initial as the snapshot Reset restores.
func NewStore(initial State) *Store {
	return &Store{initial: initial, current: initial}
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) SetMonitoring(on bool) State {
	return s.update(func(st *State) { st.Monitoring = on })
}

func (s *Store) SetBlockOutgoing(on bool) State {
	return s.update(func(st *State) { st.BlockOutgoing = on })
}

func (s *Store) SetBlockIncoming(on bool) State {
	return s.update(func(st *State) { st.BlockIncoming = on })
}

// Reset restores the snapshot captured by NewStore.
func (s *Store) Reset() State {
	return s.update(func(st *State) { *st = s.initial })
}

func (s *Store) update(fn func(*State)) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.current)
	return s.current
}
