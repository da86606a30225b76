package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/rtc"
	"github.com/petervdpas/huddle/internal/signal"
	"github.com/petervdpas/huddle/internal/transport"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// call bundles one participant's full stack over the in-memory hub.
type call struct {
	ch    *signal.Channel
	mgr   *rtc.Manager
	coord *Coordinator
}

func newCall(t *testing.T, hub *transport.MemoryHub, id string, topology proto.Topology, role proto.Role, maxParticipants int) *call {
	t.Helper()

	src, err := media.NewStaticSource(media.Constraints{Video: true, Audio: true})
	require.NoError(t, err)

	ch := signal.New(hub.NewBus(id), signal.DefaultReconnectPolicy())
	require.NoError(t, ch.Connect(context.Background()))

	mgr, err := rtc.NewManager(rtc.Config{LocalID: id}, src)
	require.NoError(t, err)

	coord, err := NewCoordinator(ch, mgr, src, Options{
		RoomID:          "standup",
		DisplayName:     id,
		Topology:        topology,
		Role:            role,
		MaxParticipants: maxParticipants,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		coord.Destroy(context.Background())
		ch.Disconnect(context.Background())
	})
	return &call{ch: ch, mgr: mgr, coord: coord}
}

func (c *call) join(t *testing.T) {
	t.Helper()
	require.NoError(t, c.coord.Join(context.Background()))
}

func TestMeshBothSidesConverge(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := newCall(t, hub, "alice", proto.TopologyMesh, proto.RoleSpeaker, 8)
	bob := newCall(t, hub, "bob", proto.TopologyMesh, proto.RoleSpeaker, 8)

	alice.join(t)
	bob.join(t)

	// Both observe each other and both initiate; the double-offer race
	// resolves into exactly one connection per side.
	require.Eventually(t, func() bool {
		return len(alice.coord.Participants()) == 1 && len(bob.coord.Participants()) == 1
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return len(alice.mgr.Connections()) == 1 && len(bob.mgr.Connections()) == 1
	}, waitFor, tick)

	a := alice.coord.Participants()[0]
	assert.Equal(t, "bob", a.ID)
	assert.Equal(t, proto.RoleSpeaker, a.Role)
}

func TestBroadcastViewersNeverInitiate(t *testing.T) {
	hub := transport.NewMemoryHub()
	v1 := newCall(t, hub, "viewer-1", proto.TopologyBroadcast, proto.RoleViewer, 8)
	v2 := newCall(t, hub, "viewer-2", proto.TopologyBroadcast, proto.RoleViewer, 8)

	v1.join(t)
	v2.join(t)

	require.Eventually(t, func() bool {
		return len(v1.coord.Participants()) == 1 && len(v2.coord.Participants()) == 1
	}, waitFor, tick)

	// Two viewers see each other but neither ever dials.
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, v1.mgr.Connections())
	assert.Empty(t, v2.mgr.Connections())
}

func TestMaxParticipantsRejectsOverflow(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := newCall(t, hub, "alice", proto.TopologyMesh, proto.RoleSpeaker, 2)

	notes, stop := alice.coord.Subscribe()
	defer stop()
	alice.join(t)

	for _, id := range []string{"bob", "carol", "dave"} {
		ch := signal.New(hub.NewBus(id), signal.DefaultReconnectPolicy())
		require.NoError(t, ch.Connect(context.Background()))
		require.NoError(t, ch.JoinRoom(context.Background(), "standup", id,
			proto.PresenceState{Role: proto.RoleSpeaker}))
		t.Cleanup(func() { ch.Disconnect(context.Background()) })
	}

	var full bool
	deadline := time.After(waitFor)
	for !full {
		select {
		case n := <-notes:
			if n.Kind == NotifyMaxParticipants {
				full = true
			}
		case <-deadline:
			t.Fatal("room-full notification never arrived")
		}
	}
	assert.Len(t, alice.coord.Participants(), 2)
}

func TestToggleMutePublishesWithoutRenegotiation(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := newCall(t, hub, "alice", proto.TopologyMesh, proto.RoleSpeaker, 8)
	bob := newCall(t, hub, "bob", proto.TopologyMesh, proto.RoleSpeaker, 8)

	alice.join(t)
	bob.join(t)

	require.Eventually(t, func() bool {
		return len(alice.mgr.Connections()) == 1 && len(bob.mgr.Connections()) == 1
	}, waitFor, tick)

	offersBefore := countSignals(alice.ch, bob.ch)

	muted := true
	require.NoError(t, alice.coord.ToggleMute(context.Background(), &muted, nil))

	// bob's roster reflects the new mute state.
	require.Eventually(t, func() bool {
		ps := bob.coord.Participants()
		return len(ps) == 1 && ps[0].AudioMuted && !ps[0].VideoMuted
	}, waitFor, tick)

	local := alice.coord.Local()
	assert.True(t, local.AudioMuted)
	assert.False(t, local.VideoMuted)

	// Muting disables the track in place; no offer crossed the wire.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, offersBefore, countSignals(alice.ch, bob.ch))
}

// countSignals tallies offer sends recorded in both channels' recent
// activity logs.
func countSignals(chs ...*signal.Channel) int {
	total := 0
	for _, ch := range chs {
		for _, line := range ch.RecentActivity() {
			if line == "sent offer" {
				total++
			}
		}
	}
	return total
}

func offerInFlight(c *Coordinator, id string) bool {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	return c.offering[id]
}

func TestGlareSettlesOfferSlots(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := newCall(t, hub, "alice", proto.TopologyMesh, proto.RoleSpeaker, 8)
	bob := newCall(t, hub, "bob", proto.TopologyMesh, proto.RoleSpeaker, 8)

	alice.join(t)
	bob.join(t)

	require.Eventually(t, func() bool {
		return len(alice.mgr.Connections()) == 1 && len(bob.mgr.Connections()) == 1
	}, waitFor, tick)

	// Both sides dialed at once, so the double-offer race ran. Once it
	// settles neither side may still hold an in-flight offer slot; a stuck
	// slot would suppress every later renegotiation toward that peer.
	require.Eventually(t, func() bool {
		return !offerInFlight(alice.coord, "bob") && !offerInFlight(bob.coord, "alice")
	}, waitFor, tick)
}

func TestFailedOfferFreesSlot(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := newCall(t, hub, "alice", proto.TopologyMesh, proto.RoleSpeaker, 8)
	alice.join(t)

	// No connection exists for this id, so the offer cannot be created;
	// the slot must not stay reserved.
	alice.coord.sendOffer("ghost")
	assert.False(t, offerInFlight(alice.coord, "ghost"))
}

func TestPromoteRequiresHost(t *testing.T) {
	hub := transport.NewMemoryHub()
	v := newCall(t, hub, "viewer-1", proto.TopologyBroadcast, proto.RoleViewer, 8)
	v.join(t)

	assert.ErrorIs(t, v.coord.PromoteToSpeaker("anyone"), ErrNotHost)
	assert.ErrorIs(t, v.coord.DemoteToViewer("anyone"), ErrNotHost)
}

func TestBroadcastPromotionAndDemotion(t *testing.T) {
	hub := transport.NewMemoryHub()
	host := newCall(t, hub, "host-1", proto.TopologyBroadcast, proto.RoleHost, 8)
	viewer := newCall(t, hub, "viewer-1", proto.TopologyBroadcast, proto.RoleViewer, 8)

	host.join(t)
	viewer.join(t)

	// The host dials the viewer one-way; the viewer only answers.
	require.Eventually(t, func() bool {
		info, ok := viewer.mgr.ConnectionInfo("host-1")
		return ok && !info.SendTracks
	}, waitFor, tick)

	require.NoError(t, host.coord.PromoteToSpeaker("viewer-1"))

	// The new speaker redials with a sending connection; the host's other
	// connections are untouched (there is exactly one and it survives).
	require.Eventually(t, func() bool {
		info, ok := viewer.mgr.ConnectionInfo("host-1")
		return ok && info.SendTracks && viewer.coord.Local().Role == proto.RoleSpeaker
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		ps := host.coord.Participants()
		return len(ps) == 1 && ps[0].Role == proto.RoleSpeaker
	}, waitFor, tick)

	require.NoError(t, host.coord.DemoteToViewer("viewer-1"))

	// Demotion is the coarse path: teardown and a fresh one-way dial.
	require.Eventually(t, func() bool {
		info, ok := viewer.mgr.ConnectionInfo("host-1")
		return ok && !info.SendTracks && viewer.coord.Local().Role == proto.RoleViewer
	}, waitFor, tick)
}

func TestDuplicateJoinIgnored(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := newCall(t, hub, "alice", proto.TopologyOneToOne, proto.RoleSpeaker, 2)
	alice.join(t)

	// Deliver the same member twice through the signaling path.
	bob := signal.New(hub.NewBus("bob"), signal.DefaultReconnectPolicy())
	require.NoError(t, bob.Connect(context.Background()))
	require.NoError(t, bob.JoinRoom(context.Background(), "standup", "bob",
		proto.PresenceState{Role: proto.RoleSpeaker}))
	t.Cleanup(func() { bob.Disconnect(context.Background()) })

	require.Eventually(t, func() bool {
		return len(alice.coord.Participants()) == 1
	}, waitFor, tick)

	// A second user-joined for the same id must not disturb the roster.
	alice.coord.memberObserved("bob", proto.PresenceState{Username: "bob", Role: proto.RoleSpeaker})
	assert.Len(t, alice.coord.Participants(), 1)
}

func TestLeaveRoomClearsEverything(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := newCall(t, hub, "alice", proto.TopologyMesh, proto.RoleSpeaker, 8)
	bob := newCall(t, hub, "bob", proto.TopologyMesh, proto.RoleSpeaker, 8)

	alice.join(t)
	bob.join(t)

	require.Eventually(t, func() bool {
		return len(alice.mgr.Connections()) == 1 && len(bob.mgr.Connections()) == 1
	}, waitFor, tick)

	require.NoError(t, alice.coord.LeaveRoom(context.Background()))
	assert.Empty(t, alice.coord.Participants())
	assert.Empty(t, alice.mgr.Connections())

	// bob sees alice depart and tears down his side.
	require.Eventually(t, func() bool {
		return len(bob.coord.Participants()) == 0 && len(bob.mgr.Connections()) == 0
	}, waitFor, tick)

	// Leaving twice is harmless.
	assert.NoError(t, alice.coord.LeaveRoom(context.Background()))
}
