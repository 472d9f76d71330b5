package wsapi

// EventKind names the four events a WebSocket dispatches.
type EventKind string

const (
	KindOpen    EventKind = "open"
	KindMessage EventKind = "message"
	KindClose   EventKind = "close"
	KindError   EventKind = "error"
)

// SimTag marks an event synthesized by the inspector rather than produced
// by the network. A nil *SimTag means the event is real.
type SimTag struct {
	// SystemEventType is one of client-close, server-close, client-error,
	// server-error. Empty for simulated messages.
	SystemEventType string
}

// Event is implemented by *OpenEvent, *MessageEvent, *CloseEvent and
// *ErrorEvent only.
type Event interface {
	Kind() EventKind
	Simulation() *SimTag
	event()
}

type OpenEvent struct {
	Sim *SimTag
}

type MessageEvent struct {
	Data Message
	Sim  *SimTag
}

type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
	Sim      *SimTag
}

// ErrorEvent carries optional diagnostics. Real runtime errors usually have
// neither a code nor a message; simulated ones always do.
type ErrorEvent struct {
	Code    int
	Message string
	Err     error
	Sim     *SimTag
}

func (*OpenEvent) Kind() EventKind    { return KindOpen }
func (*MessageEvent) Kind() EventKind { return KindMessage }
func (*CloseEvent) Kind() EventKind   { return KindClose }
func (*ErrorEvent) Kind() EventKind   { return KindError }

func (e *OpenEvent) Simulation() *SimTag    { return e.Sim }
func (e *MessageEvent) Simulation() *SimTag { return e.Sim }
func (e *CloseEvent) Simulation() *SimTag   { return e.Sim }
func (e *ErrorEvent) Simulation() *SimTag   { return e.Sim }

func (*OpenEvent) event()    {}
func (*MessageEvent) event() {}
func (*CloseEvent) event()   {}
func (*ErrorEvent) event()   {}

// Handler receives dispatched events.
type Handler func(Event)

// Listener is a registered handler. Listeners are compared by pointer, so
// the same *Listener must be passed to RemoveEventListener that was passed
// to AddEventListener.
type Listener struct {
	handle Handler
}

func NewListener(h Handler) *Listener {
	return &Listener{handle: h}
}

func (l *Listener) Handle(ev Event) {
	if l != nil && l.handle != nil {
		l.handle(ev)
	}
}
