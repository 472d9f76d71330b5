// Package intercept wraps native WebSocket construction so every connection,
// message and lifecycle event can be observed, blocked or simulated.
package intercept

import (
	"errors"
	"time"

	"github.com/QuadTriangle/wstap/internal/control"
	"github.com/QuadTriangle/wstap/internal/types"
	"github.com/QuadTriangle/wstap/internal/wsapi"
	"go.uber.org/zap"
)

var (
	ErrNotInstalled       = errors.New("intercept: engine is not installed")
	ErrUnknownConnection  = errors.New("intercept: unknown connection")
	ErrUnknownSystemEvent = errors.New("intercept: unknown system event type")
)

// Emitter receives every relay event the proxy produces. Implementations
// must not block and must not fail visibly.
type Emitter interface {
	Emit(ev types.RelayEvent)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(types.RelayEvent)

func (f EmitterFunc) Emit(ev types.RelayEvent) { f(ev) }

// Engine replaces the native socket constructor. Install it once with the
// native dialer, then hand Engine (a wsapi.Dialer) to page code in place
// of the native one.
//
// All methods must be called from the event loop that delivers the native
// sockets' events.
type Engine struct {
	control  *control.Store
	registry *Registry
	emitter  Emitter
	logger   *zap.Logger
	now      func() time.Time

	native    wsapi.Dialer
	installed bool
}

var _ wsapi.Dialer = (*Engine)(nil)

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(ctrl *control.Store, emitter Emitter, opts ...Option) *Engine {
	e := &Engine{
		control: ctrl,
		emitter: emitter,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("intercept")
	e.registry = NewRegistry(e.now)
	return e
}

// Install captures the native dialer. A second Install is a no-op and
// returns false; the first native dialer stays in place.
func (e *Engine) Install(native wsapi.Dialer) bool {
	if e.installed {
		e.logger.Debug("already installed, ignoring")
		return false
	}
	e.native = native
	e.installed = true
	e.logger.Info("installed")
	return true
}

// Uninstall returns the captured native dialer so callers can restore it.
// Existing proxied sockets keep working.
func (e *Engine) Uninstall() wsapi.Dialer {
	native := e.native
	e.native = nil
	e.installed = false
	return native
}

func (e *Engine) Installed() bool { return e.installed }

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) Control() *control.Store { return e.control }

// Dial makes Engine a drop-in replacement for the native dialer.
func (e *Engine) Dial(url string, protocols []string) (wsapi.NativeSocket, error) {
	s, err := e.New(url, protocols...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// New creates the native socket and its proxy. Native construction errors
// are returned unchanged.
func (e *Engine) New(url string, protocols ...string) (*Socket, error) {
	if !e.installed {
		return nil, ErrNotInstalled
	}
	native, err := e.native.Dial(url, protocols)
	if err != nil {
		return nil, err
	}

	s := newSocket(e, e.registry.nextID(), url, native)
	e.registry.add(s)
	e.emit(s.systemEvent(types.EventConnection, "Connection created"))
	e.logger.Debug("connection created", zap.String("connection", s.id), zap.String("url", url))
	return s, nil
}

// ManualConnect opens a connection on behalf of the observer exactly as
// page code would and returns its id.
func (e *Engine) ManualConnect(url string) (string, error) {
	s, err := e.New(url)
	if err != nil {
		return "", err
	}
	return s.id, nil
}

// ClearBlocked empties the blocked-message log of one connection, or of
// every connection when id is empty.
func (e *Engine) ClearBlocked(id string) error {
	if id == "" {
		for _, s := range e.registry.Sockets() {
			s.ClearBlocked()
		}
		return nil
	}
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	s.ClearBlocked()
	return nil
}

func (e *Engine) lookup(id string) (*Socket, error) {
	s, ok := e.registry.Get(id)
	if !ok {
		return nil, ErrUnknownConnection
	}
	return s, nil
}

func (e *Engine) emit(ev types.RelayEvent) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}
