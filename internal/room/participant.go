package room

import (
	"sort"
	"sync"

	"github.com/petervdpas/huddle/internal/proto"
)

// Participant is one remote party in the room.
type Participant struct {
	ID         string
	Username   string
	Role       proto.Role
	AudioMuted bool
	VideoMuted bool
	HandRaised bool
	JoinedAt   int64
	StreamID   string // bound media stream, empty until tracks arrive
}

// rosterTable tracks the participants of one room. At most one record per
// identifier at any time.
type rosterTable struct {
	mu      sync.Mutex
	members map[string]Participant
}

func newRosterTable() *rosterTable {
	return &rosterTable{members: map[string]Participant{}}
}

// Add inserts a participant; reports false if the id is already tracked.
func (t *rosterTable) Add(p Participant) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.members[p.ID]; ok {
		return false
	}
	t.members[p.ID] = p
	return true
}

func (t *rosterTable) Get(id string) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.members[id]
	return p, ok
}

// Mutate applies fn to the participant if tracked; reports whether it was.
func (t *rosterTable) Mutate(id string, fn func(*Participant)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.members[id]
	if !ok {
		return false
	}
	fn(&p)
	t.members[id] = p
	return true
}

func (t *rosterTable) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.members[id]; !ok {
		return false
	}
	delete(t.members, id)
	return true
}

func (t *rosterTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

// Snapshot lists the tracked participants, ordered by id for stable output.
func (t *rosterTable) Snapshot() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Participant, 0, len(t.members))
	for _, p := range t.members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear removes everyone and returns the ids that were tracked.
func (t *rosterTable) Clear() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, id)
	}
	t.members = map[string]Participant{}
	return ids
}
