package room

import "github.com/petervdpas/huddle/internal/proto"

// Decision is the initiation policy outcome toward one remote participant.
type Decision struct {
	ShouldInitiate   bool
	ShouldSendTracks bool
}

// Decide is the single place the topology rules live, so initiation and
// track attachment cannot drift apart.
//
// one-to-one: the first party dials; whoever observes the other first
// initiates, but only while the roster is still empty.
// mesh: everyone dials everyone; the double-offer race is resolved during
// negotiation, not here.
// broadcast: the host dials everyone, speakers dial the host and other
// speakers, viewers never dial. Viewers send nothing.
func Decide(topology proto.Topology, localRole, remoteRole proto.Role, rosterEmpty bool) Decision {
	switch topology {
	case proto.TopologyOneToOne:
		return Decision{ShouldInitiate: rosterEmpty, ShouldSendTracks: true}
	case proto.TopologyMesh:
		return Decision{ShouldInitiate: true, ShouldSendTracks: true}
	case proto.TopologyBroadcast:
		send := localRole == proto.RoleHost || localRole == proto.RoleSpeaker
		switch localRole {
		case proto.RoleHost:
			return Decision{ShouldInitiate: true, ShouldSendTracks: send}
		case proto.RoleSpeaker:
			initiate := remoteRole == proto.RoleHost || remoteRole == proto.RoleSpeaker
			return Decision{ShouldInitiate: initiate, ShouldSendTracks: send}
		default:
			return Decision{ShouldInitiate: false, ShouldSendTracks: false}
		}
	}
	return Decision{}
}
