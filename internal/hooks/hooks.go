package hooks

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/QuadTriangle/wstap/internal/types"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// --- Hook interfaces ---

// EventHook observes relay events arriving from agents.
type EventHook interface {
	OnEvent(agentID string, ev types.RelayEvent)
}

// ConnectionHook observes agent tunnel lifecycle.
type ConnectionHook interface {
	OnConnect(agentID string)
	OnDisconnect(agentID string, err error)
}

// NoOpConnectionHook is a convenience embed for hooks that only need one method.
type NoOpConnectionHook struct{}

func (NoOpConnectionHook) OnConnect(_ string)             {}
func (NoOpConnectionHook) OnDisconnect(_ string, _ error) {}

// Middleware wraps the inspector's HTTP handler.
type Middleware func(http.Handler) http.Handler

// --- Plugin interface ---

// Plugin is the self-contained unit of optional functionality.
// Each plugin registers its own CLI flags, decides if it's active,
// and provides hooks and middleware.
type Plugin interface {
	// Name returns a short identifier (e.g. "stats", "auth").
	Name() string
	// RegisterFlags is called before the flags are parsed.
	RegisterFlags(fs *pflag.FlagSet)
	// Enabled returns true if the plugin should activate (check your flags).
	Enabled() bool
	// Init validates flags and prepares the plugin. Called once, only when enabled.
	Init(logger *zap.Logger) error
	EventHooks() []EventHook
	ConnectionHooks() []ConnectionHook
	// Middleware is applied to every inspector request, first plugin outermost.
	Middleware() []Middleware
}

// --- Pipeline ---

// Pipeline runs registered hooks in order. Zero-value is ready to use.
// Notify methods may be called from any goroutine; hooks synchronize
// themselves.
type Pipeline struct {
	plugins    []Plugin
	active     []Plugin
	eventHooks []EventHook
	connHooks  []ConnectionHook
	middleware []Middleware
}

// RegisterPlugin adds a plugin. Call before the flags are parsed.
func (p *Pipeline) RegisterPlugin(pl Plugin) {
	p.plugins = append(p.plugins, pl)
}

// RegisterFlags calls RegisterFlags on all plugins.
func (p *Pipeline) RegisterFlags(fs *pflag.FlagSet) {
	for _, pl := range p.plugins {
		pl.RegisterFlags(fs)
	}
}

// Activate initializes the enabled plugins after flag parsing and
// collects their hooks into the pipeline.
func (p *Pipeline) Activate(logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, pl := range p.plugins {
		if !pl.Enabled() {
			continue
		}
		if err := pl.Init(logger.Named(pl.Name())); err != nil {
			return fmt.Errorf("plugin %s: %w", pl.Name(), err)
		}
		p.active = append(p.active, pl)
		p.eventHooks = append(p.eventHooks, pl.EventHooks()...)
		p.connHooks = append(p.connHooks, pl.ConnectionHooks()...)
		p.middleware = append(p.middleware, pl.Middleware()...)
		logger.Info("plugin enabled", zap.String("plugin", pl.Name()))
	}
	return nil
}

// Active lists the names of the enabled plugins.
func (p *Pipeline) Active() []string {
	names := make([]string, 0, len(p.active))
	for _, pl := range p.active {
		names = append(names, pl.Name())
	}
	return names
}

func (p *Pipeline) AddEventHook(h EventHook)           { p.eventHooks = append(p.eventHooks, h) }
func (p *Pipeline) AddConnectionHook(h ConnectionHook) { p.connHooks = append(p.connHooks, h) }
func (p *Pipeline) AddMiddleware(m Middleware)         { p.middleware = append(p.middleware, m) }

// Wrap applies the middleware chain to h.
func (p *Pipeline) Wrap(h http.Handler) http.Handler {
	for i := len(p.middleware) - 1; i >= 0; i-- {
		h = p.middleware[i](h)
	}
	return h
}

func (p *Pipeline) NotifyEvent(agentID string, ev types.RelayEvent) {
	for _, h := range p.eventHooks {
		h.OnEvent(agentID, ev)
	}
}

func (p *Pipeline) NotifyConnect(agentID string) {
	for _, h := range p.connHooks {
		h.OnConnect(agentID)
	}
}

func (p *Pipeline) NotifyDisconnect(agentID string, err error) {
	for _, h := range p.connHooks {
		h.OnDisconnect(agentID, err)
	}
}

// Close releases plugins that hold resources.
func (p *Pipeline) Close() error {
	var errs []error
	for _, pl := range p.active {
		if c, ok := pl.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("plugin %s: %w", pl.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
