package rtc

import (
	"errors"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/huddle/internal/proto"
)

// pliInterval is how often a keyframe is requested on inbound video while
// the pump is running. Decoders joining mid-stream stay black without it.
const pliInterval = 3 * time.Second

// conn is the manager's record of one negotiated peer connection. It exists
// if and only if a connection attempt has been initiated or received for
// the participant, and is deleted atomically with teardown.
type conn struct {
	id         string
	role       proto.Role
	sendTracks bool
	pc         *webrtc.PeerConnection
	m          *Manager

	// All fields below are guarded by m.mu; the manager serializes access.
	state    ConnState
	iceState webrtc.ICEConnectionState
	quality  Quality
	stats    *StatsSnapshot

	// Candidate buffer: strictly ordered, drained-and-cleared exactly once
	// the moment a remote description becomes available.
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	restarted      bool // one automatic ICE restart per failure episode
	restartPending bool // next offer is created with ICERestart

	statsStop chan struct{}
	streamID  string
	closed    bool
}

func (m *Manager) newConn(id string, role proto.Role, sendTracks bool) (*conn, error) {
	pc, err := m.api.NewPeerConnection(m.rtcConfig())
	if err != nil {
		return nil, err
	}

	c := &conn{
		id:         id,
		role:       role,
		sendTracks: sendTracks,
		pc:         pc,
		m:          m,
		state:      StateNew,
		quality:    QualityGood,
	}

	if sendTracks && m.source != nil {
		for _, t := range append(m.source.AudioTracks(), m.currentVideoTracks()...) {
			sender, err := pc.AddTrack(t)
			if err != nil {
				log.Printf("RTC [%s]: AddTrack error: %v", id, err)
				continue
			}
			// A kind muted before this connection existed starts detached.
			muted := t.Kind() == webrtc.RTPCodecTypeAudio && !m.source.AudioEnabled() ||
				t.Kind() == webrtc.RTPCodecTypeVideo && !m.source.VideoEnabled()
			if muted {
				_ = sender.ReplaceTrack(nil)
			}
		}
	} else {
		addRecvOnlyTransceivers(id, pc)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		m.emit(Event{Kind: EventIceCandidate, ParticipantID: id, Candidate: &init})
	})

	pc.OnNegotiationNeeded(func() {
		m.emit(Event{Kind: EventNegotiationNeeded, ParticipantID: id})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.onConnStateChange(c, s)
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		m.onICEStateChange(c, s)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.onTrack(c, track)
	})

	return c, nil
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials.
func addRecvOnlyTransceivers(id string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("RTC [%s]: AddTransceiver(video) error: %v", id, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("RTC [%s]: AddTransceiver(audio) error: %v", id, err)
	}
}

// drainCandidates applies buffered candidates in original arrival order and
// clears the buffer. Caller holds m.mu; candidates are applied outside the
// lock.
func (c *conn) drainCandidates() []webrtc.ICECandidateInit {
	buffered := c.pending
	c.pending = nil
	return buffered
}

func (m *Manager) applyCandidates(c *conn, cands []webrtc.ICECandidateInit) {
	for _, cand := range cands {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Printf("RTC [%s]: buffered candidate apply error: %v", c.id, err)
		}
	}
	if len(cands) > 0 {
		log.Printf("RTC [%s]: drained %d buffered candidate(s)", c.id, len(cands))
	}
}

func (m *Manager) onConnStateChange(c *conn, s webrtc.PeerConnectionState) {
	m.mu.Lock()
	if c.closed {
		m.mu.Unlock()
		return
	}
	c.state = connStateOf(s)
	if s == webrtc.PeerConnectionStateConnected {
		c.restarted = false
		m.startStatsLocked(c)
	}
	if s == webrtc.PeerConnectionStateClosed {
		m.stopStatsLocked(c)
	}
	state := c.state
	m.mu.Unlock()

	log.Printf("RTC [%s]: connection %s", c.id, s)
	m.emit(Event{Kind: EventStateChanged, ParticipantID: c.id, State: state})
	m.recomputeQuality(c, nil)
}

func (m *Manager) onICEStateChange(c *conn, s webrtc.ICEConnectionState) {
	m.mu.Lock()
	if c.closed {
		m.mu.Unlock()
		return
	}
	c.iceState = s

	var failedForGood bool
	if s == webrtc.ICEConnectionStateFailed {
		if !c.restarted {
			// One automatic ICE restart; the next offer re-runs
			// connectivity checks without a full teardown.
			c.restarted = true
			c.restartPending = true
		} else {
			failedForGood = true
		}
	}
	restart := c.restartPending && s == webrtc.ICEConnectionStateFailed && !failedForGood
	m.mu.Unlock()

	log.Printf("RTC [%s]: ice %s", c.id, s)
	if restart {
		log.Printf("RTC [%s]: requesting ICE restart", c.id)
		m.emit(Event{Kind: EventNegotiationNeeded, ParticipantID: c.id})
	}
	if failedForGood {
		m.emit(Event{Kind: EventConnectionFailed, ParticipantID: c.id, Err: errors.New("ice failed after restart")})
	}
	m.recomputeQuality(c, nil)
}

func (m *Manager) recomputeQuality(c *conn, polled *StatsSnapshot) {
	m.mu.Lock()
	if c.closed {
		m.mu.Unlock()
		return
	}
	if polled != nil {
		c.stats = polled
	}
	q := classifyQuality(c.pc.ConnectionState(), c.iceState, c.stats, m.thresholds)
	changed := q != c.quality
	c.quality = q
	stats := c.stats
	m.mu.Unlock()

	if changed {
		m.emit(Event{Kind: EventQualityChanged, ParticipantID: c.id, Quality: q, Stats: stats})
	}
}

// startStatsLocked begins the periodic statistics poll. Caller holds m.mu.
func (m *Manager) startStatsLocked(c *conn) {
	if c.statsStop != nil {
		return
	}
	stop := make(chan struct{})
	c.statsStop = stop

	go func() {
		t := time.NewTicker(m.statsInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				snap := collectStats(c.pc.GetStats())
				m.recomputeQuality(c, snap)
			}
		}
	}()
}

// stopStatsLocked halts the poll. Caller holds m.mu.
func (m *Manager) stopStatsLocked(c *conn) {
	if c.statsStop != nil {
		close(c.statsStop)
		c.statsStop = nil
	}
}

// onTrack normalizes inbound tracks: platforms that do not group tracks
// into a stream get a synthesized stream id, and every track is pumped so
// the platform keeps delivering packets. Video tracks additionally get a
// periodic PLI so remote encoders emit keyframes.
func (m *Manager) onTrack(c *conn, track *webrtc.TrackRemote) {
	m.mu.Lock()
	if c.closed {
		m.mu.Unlock()
		return
	}
	if c.streamID == "" {
		if sid := track.StreamID(); sid != "" {
			c.streamID = sid
		} else {
			c.streamID = "stream-" + uuid.NewString()
		}
	}
	streamID := c.streamID
	m.mu.Unlock()

	kind := track.Kind().String()
	log.Printf("RTC [%s]: inbound %s track (stream %s)", c.id, kind, streamID)
	m.emit(Event{Kind: EventTrack, ParticipantID: c.id, TrackKind: kind, StreamID: streamID})

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go m.pliLoop(c, uint32(track.SSRC()))
	}
	go m.pumpTrack(c, track)
}

func (m *Manager) pliLoop(c *conn, ssrc uint32) {
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.mu.Lock()
			closed := c.closed
			m.mu.Unlock()
			if closed {
				return
			}
			if err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
		}
	}
}

func (m *Manager) pumpTrack(c *conn, track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("RTC [%s]: track read ended: %v", c.id, err)
			}
			return
		}
		if sink := m.trackSink(); sink != nil {
			sink(c.id, track, pkt)
		}
	}
}

// close tears the connection down. Caller holds m.mu.
func (c *conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.pending = nil
	c.m.stopStatsLocked(c)
	if err := c.pc.Close(); err != nil {
		log.Printf("RTC [%s]: close error: %v", c.id, err)
	}
}
