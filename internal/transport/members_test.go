package transport

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/huddle/internal/proto"
)

type presenceSink struct {
	mu     sync.Mutex
	events []PresenceEvent
}

func (s *presenceSink) add(e PresenceEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *presenceSink) actions() []PresenceAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PresenceAction, len(s.events))
	for i, e := range s.events {
		out[i] = e.Action
	}
	return out
}

func TestMemberTableUnknownFrameIsEnter(t *testing.T) {
	var sink presenceSink
	tbl := newMemberTable(sink.add)

	// A heartbeat from a member we never saw enter still produces an
	// enter: late joiners learn the roster from heartbeats.
	tbl.Observe("bob", PresenceUpdate, proto.PresenceState{Username: "bob"})
	require.Equal(t, []PresenceAction{PresenceEnter}, sink.actions())

	// The next update from a known member is an update.
	tbl.Observe("bob", PresenceUpdate, proto.PresenceState{Username: "bob", HandRaised: true})
	assert.Equal(t, []PresenceAction{PresenceEnter, PresenceUpdate}, sink.actions())
}

func TestMemberTableEnterThenLeave(t *testing.T) {
	var sink presenceSink
	tbl := newMemberTable(sink.add)

	tbl.Observe("bob", PresenceEnter, proto.PresenceState{Username: "bob"})
	tbl.Observe("bob", PresenceLeave, proto.PresenceState{})
	assert.Equal(t, []PresenceAction{PresenceEnter, PresenceLeave}, sink.actions())

	// Leaves for unknown members are dropped.
	tbl.Observe("ghost", PresenceLeave, proto.PresenceState{})
	assert.Len(t, sink.actions(), 2)
	assert.Empty(t, tbl.Snapshot())
}

func TestMemberTableTouch(t *testing.T) {
	var sink presenceSink
	tbl := newMemberTable(sink.add)

	assert.False(t, tbl.Touch("bob"), "unknown member cannot be touched")
	tbl.Observe("bob", PresenceEnter, proto.PresenceState{Username: "bob"})
	assert.True(t, tbl.Touch("bob"))
	assert.Len(t, sink.actions(), 1, "touch emits no events")
}

func TestMemberTablePruneLifecycle(t *testing.T) {
	var sink presenceSink
	tbl := newMemberTable(sink.add)
	tbl.Observe("bob", PresenceEnter, proto.PresenceState{Username: "bob"})

	// Heartbeats stopped: first prune moves bob offline and hides him
	// from the snapshot, but does not remove him yet.
	tbl.PruneStale(time.Now().Add(time.Second), time.Now().Add(-time.Hour))
	assert.Empty(t, tbl.Snapshot())
	assert.Equal(t, []PresenceAction{PresenceEnter}, sink.actions())

	// A frame within the grace period brings him back as an enter.
	tbl.Observe("bob", PresenceUpdate, proto.PresenceState{Username: "bob"})
	assert.Equal(t, []PresenceAction{PresenceEnter, PresenceEnter}, sink.actions())
	assert.Len(t, tbl.Snapshot(), 1)

	// Offline past the grace period: removed with a leave.
	tbl.PruneStale(time.Now().Add(time.Second), time.Now().Add(-time.Hour))
	tbl.PruneStale(time.Now().Add(time.Second), time.Now().Add(time.Hour))
	assert.Equal(t, []PresenceAction{PresenceEnter, PresenceEnter, PresenceLeave}, sink.actions())
	assert.Empty(t, tbl.Snapshot())
}

func TestLoadOrCreateKeyRoundTrip(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.True(t, isNew)

	second, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.False(t, isNew, "existing key must be reused")
	assert.True(t, first.Equals(second))
}
