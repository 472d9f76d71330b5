package intercept

import (
	"fmt"
	"time"
)

// Registry maps connection ids to live proxied sockets. A socket leaves the
// registry when its close event is handled and is never re-added. Owned by
// the event loop; not safe for concurrent use.
type Registry struct {
	now     func() time.Time
	counter uint64
	sockets map[string]*Socket
	order   []string
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:     now,
		sockets: make(map[string]*Socket),
	}
}

// nextID returns a unique id. The counter alone guarantees uniqueness; the
// timestamp keeps ids from different agent runs apart.
func (r *Registry) nextID() string {
	r.counter++
	return fmt.Sprintf("ws_%d_%d", r.now().UnixMilli(), r.counter)
}

func (r *Registry) add(s *Socket) {
	r.sockets[s.id] = s
	r.order = append(r.order, s.id)
}

func (r *Registry) remove(id string) {
	if _, ok := r.sockets[id]; !ok {
		return
	}
	delete(r.sockets, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the live socket for id.
func (r *Registry) Get(id string) (*Socket, bool) {
	s, ok := r.sockets[id]
	return s, ok
}

func (r *Registry) Len() int { return len(r.sockets) }

// Sockets returns live sockets in creation order.
func (r *Registry) Sockets() []*Socket {
	out := make([]*Socket, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sockets[id])
	}
	return out
}
