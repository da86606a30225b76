package rtc

import (
	"github.com/pion/webrtc/v4"
)

// ConnState is the observed lifecycle of one peer connection. It mirrors
// the platform's connection states rather than being self-assigned.
type ConnState string

const (
	StateNew          ConnState = "new"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
	StateClosed       ConnState = "closed"
)

func connStateOf(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}

// Quality is the derived user-facing connection quality.
type Quality string

const (
	QualityExcellent    Quality = "excellent"
	QualityGood         Quality = "good"
	QualityPoor         Quality = "poor"
	QualityDisconnected Quality = "disconnected"
)

// EventKind discriminates manager events.
type EventKind string

const (
	EventIceCandidate      EventKind = "ice-candidate"
	EventNegotiationNeeded EventKind = "negotiation-needed"
	EventTrack             EventKind = "track"
	EventStateChanged      EventKind = "state-changed"
	EventQualityChanged    EventKind = "quality-changed"
	EventConnectionFailed  EventKind = "connection-failed"
	EventScreenShareEnded  EventKind = "screen-share-ended"
)

// Event is one manager-emitted result the coordinator reacts to.
type Event struct {
	Kind          EventKind
	ParticipantID string

	Candidate *webrtc.ICECandidateInit // EventIceCandidate
	State     ConnState                // EventStateChanged
	Quality   Quality                  // EventQualityChanged
	Stats     *StatsSnapshot           // EventQualityChanged, when polled
	TrackKind string                   // EventTrack: "audio" | "video"
	StreamID  string                   // EventTrack
	Err       error                    // EventConnectionFailed
}
