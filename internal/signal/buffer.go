package signal

import (
	"encoding/json"
	"sync"
)

// Event is a named signaling event delivered to a registered consumer.
type Event struct {
	Name string
	From string
	Data json.RawMessage
}

// registry routes events by name to registered handlers. Events that arrive
// before any consumer has ever registered for their name are held in an
// unbounded per-name buffer and replayed, in arrival order, to the first
// consumer that registers. Handlers registered after a name has been
// claimed receive only future events — never a second replay.
//
// The "claimed" flag is explicit rather than inferred from buffer emptiness:
// an empty buffer can mean either "nothing arrived yet" (replay still owed)
// or "already replayed" (no replay owed), and the two must not be confused.
//
// Handlers run under the registry lock so that replay and live dispatch
// cannot interleave out of order; handlers must not call back into the
// registry.
type registry struct {
	mu       sync.Mutex
	handlers map[string][]*handlerRef
	pending  map[string][]Event
	claimed  map[string]bool
}

type handlerRef struct {
	fn      func(Event)
	removed bool
}

func newRegistry() *registry {
	return &registry{
		handlers: map[string][]*handlerRef{},
		pending:  map[string][]Event{},
		claimed:  map[string]bool{},
	}
}

// On registers fn for events named name. If name has never had a consumer,
// all buffered events are replayed to fn first. Returns a cancel func that
// removes the handler.
func (r *registry) On(name string, fn func(Event)) (cancel func()) {
	ref := &handlerRef{fn: fn}

	r.mu.Lock()
	r.handlers[name] = append(r.handlers[name], ref)

	if !r.claimed[name] {
		r.claimed[name] = true
		buffered := r.pending[name]
		delete(r.pending, name)
		for _, evt := range buffered {
			fn(evt)
		}
	}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		ref.removed = true
		refs := r.handlers[name]
		for i, h := range refs {
			if h == ref {
				r.handlers[name] = append(refs[:i], refs[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
	}
}

// Dispatch delivers evt to every current handler of its name, or buffers it
// when the name has never had a consumer.
func (r *registry) Dispatch(evt Event) {
	r.mu.Lock()
	if !r.claimed[evt.Name] {
		r.pending[evt.Name] = append(r.pending[evt.Name], evt)
		r.mu.Unlock()
		return
	}
	for _, ref := range r.handlers[evt.Name] {
		if !ref.removed {
			ref.fn(evt)
		}
	}
	r.mu.Unlock()
}

// Reset drops all buffered events but keeps claims and registered
// handlers. Called on room leave so stale events from the old room cannot
// replay into a later join.
func (r *registry) Reset() {
	r.mu.Lock()
	r.pending = map[string][]Event{}
	r.mu.Unlock()
}
