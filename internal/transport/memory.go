package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/petervdpas/huddle/internal/proto"
)

// MemoryHub routes frames between MemoryBus instances in one process.
// It exists for tests and loopback demos; delivery order matches publish
// order, like a single well-behaved relay region.
type MemoryHub struct {
	mu    sync.Mutex
	rooms map[string][]*memRoom // roomID -> joined rooms
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{rooms: map[string][]*memRoom{}}
}

// MemoryBus is an in-process Bus bound to a MemoryHub.
type MemoryBus struct {
	hub *MemoryHub
	id  string

	mu        sync.Mutex
	connected bool
	connectEr error

	stateCh chan ConnEvent
}

// NewBus creates a bus with the given participant identifier.
func (h *MemoryHub) NewBus(id string) *MemoryBus {
	return &MemoryBus{
		hub:     h,
		id:      id,
		stateCh: make(chan ConnEvent, 8),
	}
}

func (b *MemoryBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectEr != nil {
		err := b.connectEr
		b.emit(ConnEvent{State: ConnFailed, Err: err})
		return err
	}
	if b.connected {
		return nil
	}
	b.connected = true
	b.emit(ConnEvent{State: ConnConnected})
	return nil
}

// FailConnects makes every subsequent Connect fail with err until called
// again with nil. Used to exercise reconnect backoff.
func (b *MemoryBus) FailConnects(err error) {
	b.mu.Lock()
	b.connectEr = err
	b.mu.Unlock()
}

// Drop simulates a transport-level connection loss.
func (b *MemoryBus) Drop() {
	b.mu.Lock()
	b.connected = false
	b.emit(ConnEvent{State: ConnDisconnected})
	b.mu.Unlock()
}

func (b *MemoryBus) emit(evt ConnEvent) {
	select {
	case b.stateCh <- evt:
	default:
	}
}

func (b *MemoryBus) ID() string                    { return b.id }
func (b *MemoryBus) StateEvents() <-chan ConnEvent { return b.stateCh }

func (b *MemoryBus) Join(ctx context.Context, roomID string) (Room, error) {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("bus not connected")
	}

	r := &memRoom{
		hub:        b.hub,
		bus:        b,
		roomID:     roomID,
		msgCh:      make(chan Message, 256),
		presenceCh: make(chan PresenceEvent, 64),
	}
	b.hub.mu.Lock()
	b.hub.rooms[roomID] = append(b.hub.rooms[roomID], r)
	b.hub.mu.Unlock()
	return r, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.connected = false
	b.emit(ConnEvent{State: ConnClosed})
	b.mu.Unlock()
	return nil
}

type memRoom struct {
	hub    *MemoryHub
	bus    *MemoryBus
	roomID string

	msgCh      chan Message
	presenceCh chan PresenceEvent

	mu      sync.Mutex
	state   *proto.PresenceState
	entered bool
	left    bool
}

func (r *memRoom) Publish(ctx context.Context, event string, data any) error {
	r.mu.Lock()
	left := r.left
	r.mu.Unlock()
	if left {
		return fmt.Errorf("room %s: already left", r.roomID)
	}
	r.bus.mu.Lock()
	connected := r.bus.connected
	r.bus.mu.Unlock()
	if !connected {
		return fmt.Errorf("bus not connected")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	msg := Message{Event: event, From: r.bus.id, Data: raw}
	r.hub.mu.Lock()
	targets := append([]*memRoom(nil), r.hub.rooms[r.roomID]...)
	r.hub.mu.Unlock()
	for _, t := range targets {
		t.deliver(msg)
	}
	return nil
}

func (r *memRoom) deliver(msg Message) {
	r.mu.Lock()
	left := r.left
	r.mu.Unlock()
	if left {
		return
	}
	select {
	case r.msgCh <- msg:
	default:
	}
}

func (r *memRoom) deliverPresence(evt PresenceEvent) {
	r.mu.Lock()
	left := r.left
	r.mu.Unlock()
	if left {
		return
	}
	select {
	case r.presenceCh <- evt:
	default:
	}
}

func (r *memRoom) Messages() <-chan Message       { return r.msgCh }
func (r *memRoom) Presence() <-chan PresenceEvent { return r.presenceCh }

func (r *memRoom) Enter(ctx context.Context, state proto.PresenceState) error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return fmt.Errorf("room %s: already left", r.roomID)
	}
	r.state = &state
	first := !r.entered
	r.entered = true
	r.mu.Unlock()

	action := PresenceUpdate
	if first {
		action = PresenceEnter
	}
	r.broadcastPresence(action, state)
	return nil
}

func (r *memRoom) UpdatePresence(ctx context.Context, state proto.PresenceState) error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return fmt.Errorf("room %s: already left", r.roomID)
	}
	r.state = &state
	r.mu.Unlock()
	r.broadcastPresence(PresenceUpdate, state)
	return nil
}

func (r *memRoom) broadcastPresence(action PresenceAction, state proto.PresenceState) {
	evt := PresenceEvent{Action: action, Member: Member{ID: r.bus.id, State: state}}
	r.hub.mu.Lock()
	targets := append([]*memRoom(nil), r.hub.rooms[r.roomID]...)
	r.hub.mu.Unlock()
	for _, t := range targets {
		if t == r {
			continue
		}
		t.deliverPresence(evt)
	}
}

func (r *memRoom) Here(ctx context.Context) ([]Member, error) {
	r.hub.mu.Lock()
	rooms := append([]*memRoom(nil), r.hub.rooms[r.roomID]...)
	r.hub.mu.Unlock()

	var out []Member
	for _, t := range rooms {
		if t == r {
			continue
		}
		t.mu.Lock()
		if t.entered && !t.left && t.state != nil {
			out = append(out, Member{ID: t.bus.id, State: *t.state})
		}
		t.mu.Unlock()
	}
	return out, nil
}

func (r *memRoom) Leave(ctx context.Context) error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return nil
	}
	wasEntered := r.entered
	var state proto.PresenceState
	if r.state != nil {
		state = *r.state
	}
	r.left = true
	r.mu.Unlock()

	r.hub.mu.Lock()
	rooms := r.hub.rooms[r.roomID]
	for i, t := range rooms {
		if t == r {
			r.hub.rooms[r.roomID] = append(rooms[:i], rooms[i+1:]...)
			break
		}
	}
	r.hub.mu.Unlock()

	if wasEntered {
		r.broadcastPresence(PresenceLeave, state)
	}
	close(r.msgCh)
	close(r.presenceCh)
	return nil
}
