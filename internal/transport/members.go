package transport

import (
	"sync"
	"time"

	"github.com/petervdpas/huddle/internal/proto"
)

// memberRecord is the table's view of one remote member.
type memberRecord struct {
	State        proto.PresenceState
	LastSeen     time.Time
	OfflineSince time.Time
}

// memberTable tracks room membership derived from presence frames.
// Heartbeats refresh LastSeen; members whose heartbeats stop are moved to
// offline after the TTL and removed (with a leave event) after the grace
// period. Events are pushed to the sink func set at construction.
type memberTable struct {
	mu      sync.Mutex
	members map[string]memberRecord
	sink    func(PresenceEvent)
}

func newMemberTable(sink func(PresenceEvent)) *memberTable {
	return &memberTable{
		members: map[string]memberRecord{},
		sink:    sink,
	}
}

// Observe applies one remote presence frame. Unknown members produce an
// enter event regardless of the frame's action, which covers the late
// joiner that missed the original enter and learns of the member from a
// heartbeat or update.
func (t *memberTable) Observe(id string, action PresenceAction, state proto.PresenceState) {
	t.mu.Lock()
	rec, known := t.members[id]

	switch action {
	case PresenceLeave:
		if !known {
			t.mu.Unlock()
			return
		}
		delete(t.members, id)
		t.mu.Unlock()
		t.sink(PresenceEvent{Action: PresenceLeave, Member: Member{ID: id, State: rec.State}})
		return

	default:
		wasOffline := known && !rec.OfflineSince.IsZero()
		rec.State = state
		rec.LastSeen = time.Now()
		rec.OfflineSince = time.Time{}
		t.members[id] = rec
		t.mu.Unlock()

		if !known || wasOffline {
			t.sink(PresenceEvent{Action: PresenceEnter, Member: Member{ID: id, State: state}})
		} else if action == PresenceUpdate {
			t.sink(PresenceEvent{Action: PresenceUpdate, Member: Member{ID: id, State: state}})
		}
	}
}

// Touch refreshes LastSeen without emitting an event. Used for heartbeats
// of already known, online members.
func (t *memberTable) Touch(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.members[id]
	if !ok || !rec.OfflineSince.IsZero() {
		return false
	}
	rec.LastSeen = time.Now()
	t.members[id] = rec
	return true
}

// Snapshot returns all online members.
func (t *memberTable) Snapshot() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Member, 0, len(t.members))
	for id, rec := range t.members {
		if !rec.OfflineSince.IsZero() {
			continue
		}
		out = append(out, Member{ID: id, State: rec.State})
	}
	return out
}

// PruneStale moves members with expired heartbeats to offline, then removes
// offline members past the grace period, emitting a leave for each removal.
func (t *memberTable) PruneStale(ttlCutoff, graceCutoff time.Time) {
	var left []Member

	t.mu.Lock()
	for id, rec := range t.members {
		if rec.OfflineSince.IsZero() {
			if rec.LastSeen.Before(ttlCutoff) {
				rec.OfflineSince = time.Now()
				t.members[id] = rec
			}
		} else if rec.OfflineSince.Before(graceCutoff) {
			delete(t.members, id)
			left = append(left, Member{ID: id, State: rec.State})
		}
	}
	t.mu.Unlock()

	for _, m := range left {
		t.sink(PresenceEvent{Action: PresenceLeave, Member: m})
	}
}
