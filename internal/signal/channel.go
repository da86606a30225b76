// Package signal implements the signaling channel between call participants:
// reliable named-event delivery with buffered replay, room presence, and
// automatic reconnection over an unreliable relay transport.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/transport"
	"github.com/petervdpas/huddle/internal/util"
)

// Notification kinds surfaced to the application.
const (
	NotifyConnected       = "connected"
	NotifyDisconnected    = "disconnected"
	NotifyReconnecting    = "reconnecting"
	NotifyReconnectFailed = "reconnect-failed"
)

// Notification is a channel lifecycle event calling code may render.
type Notification struct {
	Kind string
	Err  error
}

// ReconnectPolicy bounds the automatic reconnection loop: the delay starts
// at Base, doubles per attempt, is capped at Max, and the loop gives up
// after MaxAttempts consecutive failures.
type ReconnectPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy matches the config defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 10}
}

type binding struct {
	roomID      string
	displayName string
	state       proto.PresenceState
	room        transport.Room
	cancel      context.CancelFunc
	seen        map[string]bool // member IDs already announced as joined
}

// Channel is the signaling channel. One instance per participant; it is
// explicitly constructed and owned, never a process-wide singleton, so
// multiple independent rooms can run concurrently in one process.
type Channel struct {
	bus    transport.Bus
	policy ReconnectPolicy

	registry *registry
	recent   *util.RingBuffer[string]

	mu        sync.Mutex
	connected bool
	binding   *binding

	notifyMu  sync.RWMutex
	listeners map[chan Notification]struct{}

	// done stops the transport watcher; Disconnect closes and nils it,
	// Connect recreates it so reconnection survives an explicit disconnect.
	done chan struct{}
}

// New creates a channel over bus. Connect must be called before JoinRoom.
func New(bus transport.Bus, policy ReconnectPolicy) *Channel {
	c := &Channel{
		bus:       bus,
		policy:    policy,
		registry:  newRegistry(),
		recent:    util.NewRingBuffer[string](200),
		listeners: map[chan Notification]struct{}{},
		done:      make(chan struct{}),
	}
	go c.watchBusState(c.done)
	return c
}

// Connect establishes the underlying transport. Idempotent; after an
// explicit Disconnect it also restarts the watcher, so automatic
// reconnection works again.
func (c *Channel) Connect(ctx context.Context) error {
	if err := c.bus.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	if c.done == nil {
		c.done = make(chan struct{})
		go c.watchBusState(c.done)
	}
	c.mu.Unlock()
	return nil
}

// LocalID returns the local participant identifier.
func (c *Channel) LocalID() string { return c.bus.ID() }

// On registers a consumer for a named event. Events that arrived before the
// first consumer registered for that name are replayed in arrival order.
func (c *Channel) On(event string, fn func(Event)) (cancel func()) {
	return c.registry.On(event, fn)
}

// Notifications returns a stream of channel lifecycle notifications.
func (c *Channel) Notifications() (ch chan Notification, cancel func()) {
	ch = make(chan Notification, 16)
	c.notifyMu.Lock()
	c.listeners[ch] = struct{}{}
	c.notifyMu.Unlock()

	cancel = func() {
		c.notifyMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.notifyMu.Unlock()
	}
	return ch, cancel
}

func (c *Channel) notify(n Notification) {
	c.notifyMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- n:
		default:
		}
	}
	c.notifyMu.RUnlock()
}

// JoinRoom subscribes to the room's event stream before announcing local
// presence, so early inbound messages are never missed, then announces the
// local member and replays the current membership snapshot as synthetic
// user-joined events.
func (c *Channel) JoinRoom(ctx context.Context, roomID, displayName string, initial proto.PresenceState) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return fmt.Errorf("signal: not connected")
	}
	if c.binding != nil {
		c.mu.Unlock()
		return fmt.Errorf("signal: already joined room %s", c.binding.roomID)
	}
	c.mu.Unlock()

	state := initial
	state.Username = displayName
	if state.JoinedAt == 0 {
		state.JoinedAt = proto.NowMillis()
	}

	b, err := c.joinAndAnnounce(ctx, roomID, displayName, state)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.binding = b
	c.mu.Unlock()
	log.Printf("SIGNAL: joined room %s as %q", roomID, displayName)
	return nil
}

// joinAndAnnounce performs the subscribe → pump → announce → snapshot
// sequence shared by JoinRoom and the reconnect path.
func (c *Channel) joinAndAnnounce(ctx context.Context, roomID, displayName string, state proto.PresenceState) (*binding, error) {
	room, err := c.bus.Join(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", roomID, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	b := &binding{
		roomID:      roomID,
		displayName: displayName,
		state:       state,
		room:        room,
		cancel:      cancel,
		seen:        map[string]bool{},
	}
	go c.pump(pumpCtx, b)

	if err := room.Enter(ctx, state); err != nil {
		cancel()
		_ = room.Leave(ctx)
		return nil, fmt.Errorf("announce presence: %w", err)
	}

	// Membership snapshot: a late joiner learns about everyone already
	// present, not just future arrivals.
	members, err := room.Here(ctx)
	if err != nil {
		log.Printf("SIGNAL: membership snapshot failed: %v", err)
	}
	for _, m := range members {
		c.announceMember(b, m, true)
	}
	return b, nil
}

// announceMember dispatches user-joined for a newly observed member, or
// member-updated when the member was already announced (snapshot and live
// presence events can interleave).
func (c *Channel) announceMember(b *binding, m transport.Member, fromSnapshot bool) {
	if m.ID == c.bus.ID() {
		return
	}
	data, _ := json.Marshal(m.State)

	name := proto.EventUserJoined
	if b.seen[m.ID] {
		name = proto.EventMemberUpdated
	}
	b.seen[m.ID] = true

	if fromSnapshot {
		c.recent.Push(fmt.Sprintf("snapshot member %s", m.ID))
	}
	c.registry.Dispatch(Event{Name: name, From: m.ID, Data: data})
}

// pump moves room messages and presence transitions into the registry.
func (c *Channel) pump(ctx context.Context, b *binding) {
	msgs := b.room.Messages()
	pres := b.room.Presence()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			// Loopback suppression: never process our own broadcast.
			if msg.From == c.bus.ID() {
				continue
			}
			c.recent.Push(fmt.Sprintf("recv %s from %s", msg.Event, msg.From))
			c.registry.Dispatch(Event{Name: msg.Event, From: msg.From, Data: msg.Data})
		case evt, ok := <-pres:
			if !ok {
				return
			}
			c.handlePresence(b, evt)
		}
	}
}

func (c *Channel) handlePresence(b *binding, evt transport.PresenceEvent) {
	if evt.Member.ID == c.bus.ID() {
		return
	}
	switch evt.Action {
	case transport.PresenceEnter:
		c.recent.Push(fmt.Sprintf("member enter %s", evt.Member.ID))
		c.announceMember(b, evt.Member, false)
	case transport.PresenceUpdate:
		data, _ := json.Marshal(evt.Member.State)
		b.seen[evt.Member.ID] = true
		c.registry.Dispatch(Event{Name: proto.EventMemberUpdated, From: evt.Member.ID, Data: data})
	case transport.PresenceLeave:
		c.recent.Push(fmt.Sprintf("member leave %s", evt.Member.ID))
		delete(b.seen, evt.Member.ID)
		data, _ := json.Marshal(evt.Member.State)
		c.registry.Dispatch(Event{Name: proto.EventUserLeft, From: evt.Member.ID, Data: data})
	}
}

// Publish sends a named event to the room. Without an active room binding
// this is a logged no-op. Publish failures are surfaced to the caller but
// not retried; membership resync after a reconnect re-triggers any
// negotiation that mattered.
func (c *Channel) Publish(ctx context.Context, event string, data any) error {
	c.mu.Lock()
	b := c.binding
	c.mu.Unlock()
	if b == nil {
		log.Printf("SIGNAL: publish %s dropped: no active room", event)
		return nil
	}
	if err := b.room.Publish(ctx, event, data); err != nil {
		log.Printf("SIGNAL: publish %s failed: %v", event, err)
		return err
	}
	c.recent.Push(fmt.Sprintf("sent %s", event))
	return nil
}

// UpdatePresence merges partial into the local presence payload and
// republishes it. No-op without an active binding.
func (c *Channel) UpdatePresence(ctx context.Context, partial proto.PresenceUpdate) error {
	c.mu.Lock()
	b := c.binding
	if b == nil {
		c.mu.Unlock()
		log.Printf("SIGNAL: presence update dropped: no active room")
		return nil
	}
	b.state = b.state.Merge(partial)
	state := b.state
	c.mu.Unlock()

	return b.room.UpdatePresence(ctx, state)
}

// PresenceState returns the current local presence payload.
func (c *Channel) PresenceState() (proto.PresenceState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binding == nil {
		return proto.PresenceState{}, false
	}
	return c.binding.state, true
}

// LeaveRoom announces departure, unsubscribes, and clears all buffers and
// membership state. Idempotent.
func (c *Channel) LeaveRoom(ctx context.Context) error {
	c.mu.Lock()
	b := c.binding
	c.binding = nil
	c.mu.Unlock()
	if b == nil {
		return nil
	}

	b.cancel()
	err := b.room.Leave(ctx)
	c.registry.Reset()
	c.recent.Clear()
	log.Printf("SIGNAL: left room %s", b.roomID)
	return err
}

// Disconnect leaves the room (if any) and tears down the transport. Further
// operations are no-ops until Connect is called again.
func (c *Channel) Disconnect(ctx context.Context) error {
	_ = c.LeaveRoom(ctx)
	c.mu.Lock()
	c.connected = false
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.mu.Unlock()
	return c.bus.Close()
}

// RecentActivity returns a snapshot of recent signaling activity for
// diagnostics, oldest first.
func (c *Channel) RecentActivity() []string { return c.recent.Snapshot() }

// watchBusState reacts to transport-level drops with a bounded
// exponential-backoff reconnect loop. A deliberate Close (ConnClosed) never
// triggers reconnection.
func (c *Channel) watchBusState(done chan struct{}) {
	events := c.bus.StateEvents()
	for {
		select {
		case <-done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.State {
			case transport.ConnDisconnected, transport.ConnSuspended, transport.ConnFailed:
				c.mu.Lock()
				wasConnected := c.connected
				c.connected = false
				c.mu.Unlock()
				if wasConnected {
					c.notify(Notification{Kind: NotifyDisconnected, Err: evt.Err})
					c.reconnectLoop(done)
				}
			}
		}
	}
}

func (c *Channel) reconnectLoop(done chan struct{}) {
	delay := c.policy.Base
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		c.notify(Notification{Kind: NotifyReconnecting})
		select {
		case <-done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
		err := c.bus.Connect(ctx)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.connected = true
			b := c.binding
			c.binding = nil
			c.mu.Unlock()

			if b != nil {
				c.rejoin(b)
			}
			c.notify(Notification{Kind: NotifyConnected})
			log.Printf("SIGNAL: reconnected after %d attempt(s)", attempt)
			return
		}

		log.Printf("SIGNAL: reconnect attempt %d/%d failed: %v", attempt, c.policy.MaxAttempts, err)
		delay *= 2
		if delay > c.policy.Max {
			delay = c.policy.Max
		}
	}
	c.notify(Notification{Kind: NotifyReconnectFailed})
	log.Printf("SIGNAL: reconnect failed after %d attempts, giving up", c.policy.MaxAttempts)
}

// rejoin re-subscribes and re-announces the previous room binding after a
// successful reconnect. Membership resync then re-announces every member,
// which re-triggers any negotiation lost during the outage.
func (c *Channel) rejoin(old *binding) {
	old.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	_ = old.room.Leave(ctx)

	b, err := c.joinAndAnnounce(ctx, old.roomID, old.displayName, old.state)
	if err != nil {
		log.Printf("SIGNAL: rejoin room %s failed: %v", old.roomID, err)
		return
	}
	c.mu.Lock()
	c.binding = b
	c.mu.Unlock()
	log.Printf("SIGNAL: rejoined room %s", b.roomID)
}
