package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPresenceStateMerge(t *testing.T) {
	base := PresenceState{
		Username: "alice",
		Role:     RoleViewer,
		JoinedAt: 1700000000000,
	}

	muted := true
	role := RoleSpeaker
	merged := base.Merge(PresenceUpdate{Role: &role, AudioMuted: &muted})

	assert.Equal(t, RoleSpeaker, merged.Role)
	assert.True(t, merged.AudioMuted)
	assert.False(t, merged.VideoMuted)
	assert.Equal(t, "alice", merged.Username)
	assert.Equal(t, int64(1700000000000), merged.JoinedAt)

	// Nil fields leave everything untouched.
	assert.Equal(t, merged, merged.Merge(PresenceUpdate{}))
}

func TestRoleAndTopologyValidation(t *testing.T) {
	assert.True(t, RoleHost.Valid())
	assert.True(t, RoleSpeaker.Valid())
	assert.True(t, RoleViewer.Valid())
	assert.False(t, Role("producer").Valid())

	assert.True(t, TopologyOneToOne.Valid())
	assert.True(t, TopologyMesh.Valid())
	assert.True(t, TopologyBroadcast.Valid())
	assert.False(t, Topology("star").Valid())
}
