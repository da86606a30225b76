package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/transport"
)

// collector gathers dispatched events safely across goroutines.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) froms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.From
	}
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func quickPolicy() ReconnectPolicy {
	return ReconnectPolicy{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, MaxAttempts: 3}
}

func joinedChannel(t *testing.T, hub *transport.MemoryHub, id, room string, role proto.Role) *Channel {
	t.Helper()
	ch := New(hub.NewBus(id), quickPolicy())
	ctx := context.Background()
	require.NoError(t, ch.Connect(ctx))
	require.NoError(t, ch.JoinRoom(ctx, room, id, proto.PresenceState{Role: role}))
	t.Cleanup(func() { ch.Disconnect(context.Background()) })
	return ch
}

func TestJoinRequiresConnect(t *testing.T) {
	hub := transport.NewMemoryHub()
	ch := New(hub.NewBus("alice"), quickPolicy())

	err := ch.JoinRoom(context.Background(), "standup", "alice", proto.PresenceState{})
	assert.Error(t, err)
}

func TestDoubleJoinRejected(t *testing.T) {
	hub := transport.NewMemoryHub()
	ch := joinedChannel(t, hub, "alice", "standup", proto.RoleHost)

	err := ch.JoinRoom(context.Background(), "other", "alice", proto.PresenceState{})
	assert.Error(t, err)
}

func TestLateJoinerSeesMembershipSnapshot(t *testing.T) {
	hub := transport.NewMemoryHub()
	joinedChannel(t, hub, "alice", "standup", proto.RoleHost)
	joinedChannel(t, hub, "bob", "standup", proto.RoleSpeaker)

	late := joinedChannel(t, hub, "carol", "standup", proto.RoleViewer)

	// The snapshot replays through the buffered registry, so registering
	// after joining still sees both pre-existing members.
	var col collector
	late.On(proto.EventUserJoined, col.add)

	require.Eventually(t, func() bool { return col.count() >= 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"alice", "bob"}, col.froms())
}

func TestLoopbackSuppression(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := joinedChannel(t, hub, "alice", "standup", proto.RoleHost)
	bob := joinedChannel(t, hub, "bob", "standup", proto.RoleSpeaker)

	var aliceGot, bobGot collector
	alice.On(proto.EventHandRaised, aliceGot.add)
	bob.On(proto.EventHandRaised, bobGot.add)

	require.NoError(t, alice.Publish(context.Background(),
		proto.EventHandRaised, proto.HandRaised{UserID: "alice", Raised: true}))

	require.Eventually(t, func() bool { return bobGot.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, aliceGot.count(), "own broadcast must be suppressed")
}

func TestPresenceEnterAndLeave(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := joinedChannel(t, hub, "alice", "standup", proto.RoleHost)

	var joined, left collector
	alice.On(proto.EventUserJoined, joined.add)
	alice.On(proto.EventUserLeft, left.add)

	bob := joinedChannel(t, hub, "bob", "standup", proto.RoleSpeaker)
	require.Eventually(t, func() bool { return joined.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"bob"}, joined.froms())

	require.NoError(t, bob.LeaveRoom(context.Background()))
	require.Eventually(t, func() bool { return left.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"bob"}, left.froms())
}

func TestUpdatePresenceMergesAndNotifies(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := joinedChannel(t, hub, "alice", "standup", proto.RoleHost)
	bob := joinedChannel(t, hub, "bob", "standup", proto.RoleSpeaker)

	var updated collector
	alice.On(proto.EventMemberUpdated, updated.add)

	muted := true
	require.NoError(t, bob.UpdatePresence(context.Background(), proto.PresenceUpdate{AudioMuted: &muted}))

	require.Eventually(t, func() bool { return updated.count() >= 1 }, time.Second, 5*time.Millisecond)

	var st proto.PresenceState
	updated.mu.Lock()
	raw := updated.events[len(updated.events)-1].Data
	updated.mu.Unlock()
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.True(t, st.AudioMuted)
	assert.Equal(t, "bob", st.Username, "immutable fields survive the merge")

	// Locally the merged state is visible too.
	got, ok := bob.PresenceState()
	require.True(t, ok)
	assert.True(t, got.AudioMuted)
}

func TestPublishWithoutRoomIsNoop(t *testing.T) {
	hub := transport.NewMemoryHub()
	ch := New(hub.NewBus("alice"), quickPolicy())
	require.NoError(t, ch.Connect(context.Background()))

	assert.NoError(t, ch.Publish(context.Background(), proto.EventOffer, proto.SessionDesc{}))
}

func TestLeaveRoomIdempotent(t *testing.T) {
	hub := transport.NewMemoryHub()
	ch := joinedChannel(t, hub, "alice", "standup", proto.RoleHost)

	require.NoError(t, ch.LeaveRoom(context.Background()))
	assert.NoError(t, ch.LeaveRoom(context.Background()))
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	hub := transport.NewMemoryHub()
	bus := hub.NewBus("alice")
	ch := New(bus, quickPolicy())
	require.NoError(t, ch.Connect(context.Background()))
	defer ch.Disconnect(context.Background())

	notes, stop := ch.Notifications()
	defer stop()

	bus.FailConnects(errors.New("relay down"))
	bus.Drop()

	var kinds []string
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-notes:
			kinds = append(kinds, n.Kind)
			if n.Kind == NotifyReconnectFailed {
				goto done
			}
		case <-deadline:
			t.Fatalf("no terminal notification, saw %v", kinds)
		}
	}
done:
	assert.Equal(t, NotifyDisconnected, kinds[0])
	reconnecting := 0
	for _, k := range kinds {
		if k == NotifyReconnecting {
			reconnecting++
		}
	}
	assert.Equal(t, quickPolicy().MaxAttempts, reconnecting)
}

func TestReconnectSurvivesExplicitDisconnect(t *testing.T) {
	hub := transport.NewMemoryHub()
	bus := hub.NewBus("alice")
	ch := New(bus, quickPolicy())
	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.Disconnect(context.Background()))

	// A second connect restarts the transport watcher, so drops after it
	// still recover automatically.
	require.NoError(t, ch.Connect(context.Background()))
	defer ch.Disconnect(context.Background())

	notes, stop := ch.Notifications()
	defer stop()

	bus.Drop()

	var kinds []string
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-notes:
			kinds = append(kinds, n.Kind)
			if n.Kind == NotifyConnected {
				assert.Equal(t, NotifyDisconnected, kinds[0])
				assert.Contains(t, kinds, NotifyReconnecting)
				return
			}
		case <-deadline:
			t.Fatalf("drop after reconnect never recovered, saw %v", kinds)
		}
	}
}

func TestReconnectRejoinsRoom(t *testing.T) {
	hub := transport.NewMemoryHub()
	bus := hub.NewBus("alice")
	ch := New(bus, quickPolicy())
	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.JoinRoom(context.Background(), "standup", "alice",
		proto.PresenceState{Role: proto.RoleHost}))
	defer ch.Disconnect(context.Background())

	joinedChannel(t, hub, "bob", "standup", proto.RoleSpeaker)

	notes, stop := ch.Notifications()
	defer stop()

	bus.Drop()

	var connected bool
	deadline := time.After(2 * time.Second)
	for !connected {
		select {
		case n := <-notes:
			if n.Kind == NotifyConnected {
				connected = true
			}
		case <-deadline:
			t.Fatal("never reconnected")
		}
	}

	// The rejoin resyncs membership and carries the previous presence
	// state across the outage.
	assert.Eventually(t, func() bool {
		st, ok := ch.PresenceState()
		return ok && st.Role == proto.RoleHost
	}, time.Second, 5*time.Millisecond)
}
