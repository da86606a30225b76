// Package transport abstracts the relay message bus that carries room events
// and presence between call participants. The signal package consumes the Bus
// interface only; the concrete implementations here are a libp2p GossipSub
// mesh (production) and an in-process hub (tests, loopback demos).
package transport

import (
	"context"
	"encoding/json"

	"github.com/petervdpas/huddle/internal/proto"
)

// Message is one named event received on a room channel. Delivery includes
// the local participant's own publishes; loopback suppression is the
// consumer's job.
type Message struct {
	Event string          `json:"event"`
	From  string          `json:"from"`
	Data  json.RawMessage `json:"data"`
}

// PresenceAction distinguishes the membership transitions of a room.
type PresenceAction string

const (
	PresenceEnter  PresenceAction = "enter"
	PresenceUpdate PresenceAction = "update"
	PresenceLeave  PresenceAction = "leave"
)

// Member is one room member with its published presence state.
type Member struct {
	ID    string              `json:"id"`
	State proto.PresenceState `json:"state"`
}

// PresenceEvent is a membership transition observed on a room.
type PresenceEvent struct {
	Action PresenceAction `json:"action"`
	Member Member         `json:"member"`
}

// ConnState reflects the bus-level connection lifecycle.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnSuspended    ConnState = "suspended"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// ConnEvent is a bus connection state transition.
type ConnEvent struct {
	State ConnState
	Err   error
}

// Bus is the relay transport. Implementations must be safe for concurrent
// use. Join subscribes to the room's event stream without announcing
// presence; announcing is a separate Room.Enter call so callers control the
// subscribe-before-announce ordering.
type Bus interface {
	// Connect establishes the transport. Idempotent.
	Connect(ctx context.Context) error

	// ID returns the stable local participant identifier.
	ID() string

	// Join subscribes to a room's event and presence streams.
	Join(ctx context.Context, roomID string) (Room, error)

	// StateEvents delivers bus connection transitions. The channel is
	// buffered; slow consumers lose intermediate transitions, never the
	// latest one.
	StateEvents() <-chan ConnEvent

	// Close tears the transport down entirely.
	Close() error
}

// Room is one joined room channel.
type Room interface {
	// Publish sends a named event to every member, including the local one.
	Publish(ctx context.Context, event string, data any) error

	// Messages delivers inbound events in arrival order.
	Messages() <-chan Message

	// Presence delivers membership transitions.
	Presence() <-chan PresenceEvent

	// Enter announces the local member with its initial presence state.
	Enter(ctx context.Context, state proto.PresenceState) error

	// UpdatePresence republishes the local member's full presence state.
	UpdatePresence(ctx context.Context, state proto.PresenceState) error

	// Here returns a snapshot of the current membership, excluding the
	// local member.
	Here(ctx context.Context) ([]Member, error)

	// Leave announces departure and unsubscribes. Idempotent.
	Leave(ctx context.Context) error
}
