package wsapi

import (
	"fmt"

	"go.uber.org/zap"
)

// EventTarget is the listener bookkeeping native sockets embed. Dispatch
// runs listeners in registration order and then the on<event> handler.
// It is not safe for concurrent use; sockets own it from their event loop.
type EventTarget struct {
	Logger *zap.Logger

	listeners map[EventKind][]*Listener
	handlers  map[EventKind]Handler
}

// AddEventListener registers l for kind. Registering the same listener
// twice for the same kind is a no-op.
func (t *EventTarget) AddEventListener(kind EventKind, l *Listener) {
	if l == nil {
		return
	}
	if t.listeners == nil {
		t.listeners = make(map[EventKind][]*Listener)
	}
	for _, existing := range t.listeners[kind] {
		if existing == l {
			return
		}
	}
	t.listeners[kind] = append(t.listeners[kind], l)
}

func (t *EventTarget) RemoveEventListener(kind EventKind, l *Listener) {
	list := t.listeners[kind]
	for i, existing := range list {
		if existing == l {
			t.listeners[kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (t *EventTarget) DispatchEvent(ev Event) {
	kind := ev.Kind()
	// Listeners added or removed during dispatch take effect next time.
	snapshot := append([]*Listener(nil), t.listeners[kind]...)
	for _, l := range snapshot {
		Invoke(t.Logger, string(kind)+" listener", l.Handle, ev)
	}
	if h := t.handlers[kind]; h != nil {
		Invoke(t.Logger, "on"+string(kind), h, ev)
	}
}

func (t *EventTarget) handler(kind EventKind) Handler { return t.handlers[kind] }

func (t *EventTarget) setHandler(kind EventKind, h Handler) {
	if t.handlers == nil {
		t.handlers = make(map[EventKind]Handler)
	}
	t.handlers[kind] = h
}

func (t *EventTarget) OnOpen() Handler        { return t.handler(KindOpen) }
func (t *EventTarget) SetOnOpen(h Handler)    { t.setHandler(KindOpen, h) }
func (t *EventTarget) OnMessage() Handler     { return t.handler(KindMessage) }
func (t *EventTarget) SetOnMessage(h Handler) { t.setHandler(KindMessage, h) }
func (t *EventTarget) OnClose() Handler       { return t.handler(KindClose) }
func (t *EventTarget) SetOnClose(h Handler)   { t.setHandler(KindClose, h) }
func (t *EventTarget) OnError() Handler       { return t.handler(KindError) }
func (t *EventTarget) SetOnError(h Handler)   { t.setHandler(KindError, h) }

// Invoke calls h with ev, logging instead of propagating a panic so one
// faulty callback cannot stop delivery to the rest.
func Invoke(logger *zap.Logger, what string, h Handler, ev Event) (ok bool) {
	if h == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if logger != nil {
				logger.Warn("callback panicked",
					zap.String("callback", what),
					zap.String("event", string(ev.Kind())),
					zap.String("panic", fmt.Sprint(r)))
			}
		}
	}()
	h(ev)
	return true
}
