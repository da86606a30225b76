package rtc

import (
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/proto"
)

func newTestManager(t *testing.T, localID string) *Manager {
	t.Helper()
	src, err := media.NewStaticSource(media.Constraints{Video: true, Audio: true})
	require.NoError(t, err)

	m, err := NewManager(Config{LocalID: localID}, src)
	require.NoError(t, err)
	t.Cleanup(m.Destroy)
	return m
}

func hostCandidate(port int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:1 1 udp 2130706431 127.0.0.1 %d typ host", port),
	}
}

func TestCreateConnectionIdempotent(t *testing.T) {
	m := newTestManager(t, "alice")

	require.NoError(t, m.CreateConnection("bob", proto.RoleSpeaker, true))
	require.NoError(t, m.CreateConnection("bob", proto.RoleSpeaker, true))

	infos := m.Connections()
	require.Len(t, infos, 1)
	assert.Equal(t, "bob", infos[0].ParticipantID)
}

func TestOfferAnswerExchange(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")

	require.NoError(t, alice.CreateConnection("bob", proto.RoleSpeaker, true))
	offer, err := alice.CreateOffer("bob")
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	require.NoError(t, bob.CreateConnection("alice", proto.RoleSpeaker, true))
	answer, err := bob.HandleOffer("alice", offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	require.NoError(t, alice.HandleAnswer("bob", answer))
}

func TestHandleOfferAutoCreatesConnection(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")

	require.NoError(t, alice.CreateConnection("bob", proto.RoleSpeaker, true))
	offer, err := alice.CreateOffer("bob")
	require.NoError(t, err)

	// bob never heard of alice; the offer itself creates the connection.
	answer, err := bob.HandleOffer("alice", offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	info, ok := bob.ConnectionInfo("alice")
	require.True(t, ok)
	assert.False(t, info.SendTracks, "auto-created connections are receive-only")
}

func TestCreateOfferUnknownParticipant(t *testing.T) {
	m := newTestManager(t, "alice")

	_, err := m.CreateOffer("nobody")
	assert.ErrorIs(t, err, ErrUnknownParticipant)
	assert.ErrorIs(t, m.HandleAnswer("nobody", webrtc.SessionDescription{}), ErrUnknownParticipant)
}

func TestCandidatesBufferUntilRemoteDescription(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")

	// Candidates can arrive before the connection even exists.
	require.NoError(t, bob.AddICECandidate("alice", hostCandidate(5000)))
	require.NoError(t, bob.AddICECandidate("alice", hostCandidate(5001)))

	require.NoError(t, alice.CreateConnection("bob", proto.RoleSpeaker, true))
	offer, err := alice.CreateOffer("bob")
	require.NoError(t, err)

	require.NoError(t, bob.CreateConnection("alice", proto.RoleSpeaker, true))
	require.NoError(t, bob.AddICECandidate("alice", hostCandidate(5002)))

	info, ok := bob.ConnectionInfo("alice")
	require.True(t, ok)
	assert.Equal(t, 3, info.Buffered)

	// The remote description drains the buffer exactly once.
	_, err = bob.HandleOffer("alice", offer)
	require.NoError(t, err)

	info, ok = bob.ConnectionInfo("alice")
	require.True(t, ok)
	assert.Zero(t, info.Buffered)

	// Later candidates apply immediately instead of re-buffering.
	require.NoError(t, bob.AddICECandidate("alice", hostCandidate(5003)))
	info, _ = bob.ConnectionInfo("alice")
	assert.Zero(t, info.Buffered)
}

func TestGlareResolution(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")

	require.NoError(t, alice.CreateConnection("bob", proto.RoleSpeaker, true))
	require.NoError(t, bob.CreateConnection("alice", proto.RoleSpeaker, true))

	offerA, err := alice.CreateOffer("bob")
	require.NoError(t, err)
	offerB, err := bob.CreateOffer("alice")
	require.NoError(t, err)

	// Lower id wins the tie-break: alice ignores bob's offer.
	_, err = alice.HandleOffer("bob", offerB)
	assert.ErrorIs(t, err, ErrGlare)

	// bob yields: abandons his own offer and answers alice's.
	answer, err := bob.HandleOffer("alice", offerA)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	require.NoError(t, alice.HandleAnswer("bob", answer))

	assert.Len(t, alice.Connections(), 1)
	assert.Len(t, bob.Connections(), 1)

	// Yielding keeps the sending role of the original connection.
	info, ok := bob.ConnectionInfo("alice")
	require.True(t, ok)
	assert.True(t, info.SendTracks)
}

// senderTrack returns the track currently attached to the connection's
// sender of the given kind, or nil when detached.
func senderTrack(m *Manager, id string, kind webrtc.RTPCodecType) webrtc.TrackLocal {
	m.mu.Lock()
	c := m.conns[id]
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	for _, tr := range c.pc.GetTransceivers() {
		if tr.Kind() == kind && tr.Sender() != nil {
			return tr.Sender().Track()
		}
	}
	return nil
}

func TestSetOutboundEnabledDetachesSenders(t *testing.T) {
	m := newTestManager(t, "alice")
	require.NoError(t, m.CreateConnection("bob", proto.RoleSpeaker, true))

	require.NotNil(t, senderTrack(m, "bob", webrtc.RTPCodecTypeVideo))
	require.NotNil(t, senderTrack(m, "bob", webrtc.RTPCodecTypeAudio))

	off := false
	m.SetOutboundEnabled(nil, &off)
	assert.Nil(t, senderTrack(m, "bob", webrtc.RTPCodecTypeVideo), "muted video detaches the sender track")
	assert.NotNil(t, senderTrack(m, "bob", webrtc.RTPCodecTypeAudio), "audio stays attached")

	on := true
	m.SetOutboundEnabled(nil, &on)
	assert.NotNil(t, senderTrack(m, "bob", webrtc.RTPCodecTypeVideo), "unmuting re-attaches in place")
}

func TestMuteAppliesToNewConnections(t *testing.T) {
	m := newTestManager(t, "alice")

	off := false
	m.SetOutboundEnabled(&off, nil)

	// A connection dialed while muted starts with the kind detached.
	require.NoError(t, m.CreateConnection("bob", proto.RoleSpeaker, true))
	assert.Nil(t, senderTrack(m, "bob", webrtc.RTPCodecTypeAudio))
	assert.NotNil(t, senderTrack(m, "bob", webrtc.RTPCodecTypeVideo))
}

func TestReplaceOutboundVideoSingleParticipant(t *testing.T) {
	m := newTestManager(t, "alice")
	require.NoError(t, m.CreateConnection("bob", proto.RoleSpeaker, true))
	require.NoError(t, m.CreateConnection("carol", proto.RoleSpeaker, true))

	camera := senderTrack(m, "bob", webrtc.RTPCodecTypeVideo)
	require.NotNil(t, camera)

	screen, err := media.NewStaticScreenSource(media.ScreenProfile{Name: "test", Width: 640, Height: 480})
	require.NoError(t, err)
	repl := screen.VideoTracks()[0]

	m.ReplaceOutboundVideo(repl, "bob")
	assert.Equal(t, repl, senderTrack(m, "bob", webrtc.RTPCodecTypeVideo))
	assert.Equal(t, camera, senderTrack(m, "carol", webrtc.RTPCodecTypeVideo), "other connections untouched")

	m.ReplaceOutboundVideo(camera, "")
	assert.Equal(t, camera, senderTrack(m, "bob", webrtc.RTPCodecTypeVideo))
	assert.Equal(t, camera, senderTrack(m, "carol", webrtc.RTPCodecTypeVideo))
}

func TestCloseConnectionDiscardsState(t *testing.T) {
	m := newTestManager(t, "alice")
	require.NoError(t, m.CreateConnection("bob", proto.RoleViewer, false))

	m.CloseConnection("bob")
	_, ok := m.ConnectionInfo("bob")
	assert.False(t, ok)

	// Closing again is harmless.
	m.CloseConnection("bob")
	assert.Empty(t, m.Connections())
}

func TestDestroyClosesEverything(t *testing.T) {
	m := newTestManager(t, "alice")
	require.NoError(t, m.CreateConnection("bob", proto.RoleSpeaker, true))
	require.NoError(t, m.CreateConnection("carol", proto.RoleViewer, false))

	events, stop := m.Subscribe()
	defer stop()

	m.Destroy()
	assert.Empty(t, m.Connections())

	// The event stream closes with the manager.
	_, open := <-events
	assert.False(t, open)

	// Destroy is idempotent.
	m.Destroy()
}

func TestScreenShareSwapsOutboundVideo(t *testing.T) {
	src, err := media.NewStaticSource(media.Constraints{Video: true, Audio: true})
	require.NoError(t, err)

	m, err := NewManager(Config{
		LocalID: "alice",
		Screen: media.ScreenProviderFunc(func(p media.ScreenProfile) (media.Source, error) {
			return media.NewStaticScreenSource(p)
		}),
	}, src)
	require.NoError(t, err)
	defer m.Destroy()

	require.NoError(t, m.CreateConnection("bob", proto.RoleSpeaker, true))

	require.NoError(t, m.StartScreenShare("720p"))
	assert.True(t, m.Sharing())

	// A second share is rejected until the first stops.
	assert.Error(t, m.StartScreenShare("480p"))

	m.StopScreenShare()
	assert.False(t, m.Sharing())

	// Unknown profiles are rejected up front.
	assert.Error(t, m.StartScreenShare("4k"))
}
