// Package proto defines the wire-level constants and JSON message shapes
// exchanged between call participants through the room bus. Everything here
// is shared by the transport, signal and room packages; nothing in this
// package holds state.
package proto

import "time"

const (
	// RoomTopicPrefix is the pubsub topic prefix for room event channels.
	// One logical channel per room; no cross-room delivery.
	RoomTopicPrefix = "huddle.room.v1."

	MdnsTag = "huddle-mdns"
)

// Named signaling events published per room.
const (
	EventUserJoined    = "user-joined"
	EventUserLeft      = "user-left"
	EventMemberUpdated = "member-updated"
	EventOffer         = "offer"
	EventAnswer        = "answer"
	EventIceCandidate  = "ice-candidate"
	EventRoleChanged   = "role-changed"
	EventMuteToggled   = "mute-toggled"
	EventHandRaised    = "hand-raised"
)

// Role is a participant's role within a room.
type Role string

const (
	RoleHost    Role = "host"
	RoleSpeaker Role = "speaker"
	RoleViewer  Role = "viewer"
)

// Valid reports whether r is one of the three defined roles.
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleSpeaker || r == RoleViewer
}

// Topology is the connection-initiation policy of a room.
type Topology string

const (
	TopologyOneToOne  Topology = "one-to-one"
	TopologyMesh      Topology = "mesh"
	TopologyBroadcast Topology = "broadcast"
)

// Valid reports whether t is a supported topology.
func (t Topology) Valid() bool {
	return t == TopologyOneToOne || t == TopologyMesh || t == TopologyBroadcast
}

// SessionDesc carries an SDP offer or answer between two participants.
type SessionDesc struct {
	From string `json:"from"`
	To   string `json:"to"`
	SDP  string `json:"sdp"`
	Type string `json:"type"` // "offer" or "answer"
}

// IceCandidate carries one trickled ICE candidate between two participants.
type IceCandidate struct {
	From          string  `json:"from"`
	To            string  `json:"to"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// RoleChanged announces a participant's new role to the whole room.
type RoleChanged struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// MuteToggled announces a participant's current mute flags.
type MuteToggled struct {
	UserID     string `json:"userId"`
	AudioMuted bool   `json:"audioMuted"`
	VideoMuted bool   `json:"videoMuted"`
}

// HandRaised announces a raised or lowered hand.
type HandRaised struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Raised   bool   `json:"raised"`
}

// PresenceState is the per-member key/value snapshot distributed through the
// bus presence set. It is the source of truth a newly observing participant
// uses to initialize its view of a member.
type PresenceState struct {
	Username   string `json:"username"`
	Role       Role   `json:"role"`
	AudioMuted bool   `json:"audioMuted"`
	VideoMuted bool   `json:"videoMuted"`
	HandRaised bool   `json:"handRaised"`
	JoinedAt   int64  `json:"joinedAt"`
}

// Merge applies the non-zero fields of a partial update and returns the
// merged state. Username and JoinedAt are immutable once set.
func (p PresenceState) Merge(partial PresenceUpdate) PresenceState {
	if partial.Role != nil {
		p.Role = *partial.Role
	}
	if partial.AudioMuted != nil {
		p.AudioMuted = *partial.AudioMuted
	}
	if partial.VideoMuted != nil {
		p.VideoMuted = *partial.VideoMuted
	}
	if partial.HandRaised != nil {
		p.HandRaised = *partial.HandRaised
	}
	return p
}

// PresenceUpdate is a partial presence mutation; nil fields are untouched.
type PresenceUpdate struct {
	Role       *Role `json:"role,omitempty"`
	AudioMuted *bool `json:"audioMuted,omitempty"`
	VideoMuted *bool `json:"videoMuted,omitempty"`
	HandRaised *bool `json:"handRaised,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
