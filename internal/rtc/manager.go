package rtc

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/proto"
)

var (
	// ErrUnknownParticipant is returned when an operation references a
	// participant no connection exists for.
	ErrUnknownParticipant = errors.New("rtc: unknown participant")

	// ErrGlare is returned by HandleOffer when both sides offered at once
	// and this side wins the tie-break; the caller should drop the inbound
	// offer and wait for the peer's answer.
	ErrGlare = errors.New("rtc: offer glare, inbound offer ignored")
)

// TrackSink receives every inbound RTP packet, tagged with the participant
// it arrived from. Nil sinks are allowed; packets are still read to keep
// the transport flowing.
type TrackSink func(participantID string, track *webrtc.TrackRemote, pkt *rtp.Packet)

// Config carries the knobs the manager needs beyond its media source.
type Config struct {
	LocalID       string
	ICEServers    []string
	StatsInterval time.Duration
	Thresholds    Thresholds
	Screen        media.ScreenProvider
}

// Info is a point-in-time snapshot of one connection, for diagnostics.
type Info struct {
	ParticipantID string
	Role          proto.Role
	SendTracks    bool
	State         ConnState
	Quality       Quality
	Stats         *StatsSnapshot
	StreamID      string
	Buffered      int
}

// Manager owns every peer connection of the local participant. One manager
// per joined room; connections come and go as the roster changes.
type Manager struct {
	api           *webrtc.API
	localID       string
	iceServers    []string
	statsInterval time.Duration
	thresholds    Thresholds

	source   media.Source
	screen   media.ScreenProvider
	screenFn func() // platform cancel hook, nil unless sharing

	mu      sync.Mutex
	conns   map[string]*conn
	orphans map[string][]webrtc.ICECandidateInit // candidates seen before the connection exists
	sharing media.Source                         // active screen source, nil when not sharing

	subMu   sync.Mutex
	nextSub int
	subs    map[int]chan Event

	done     chan struct{}
	sinkMu   sync.RWMutex
	trackOut TrackSink
}

// NewManager builds the shared WebRTC API from the media source's codec
// configuration and returns a manager ready to create connections.
func NewManager(cfg Config, source media.Source) (*Manager, error) {
	engine := &webrtc.MediaEngine{}
	if source != nil {
		if err := source.ConfigureEngine(engine); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	} else if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	interval := cfg.StatsInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	th := cfg.Thresholds
	if th.MaxPacketLossPct <= 0 && th.MaxRTT <= 0 {
		th = DefaultThresholds()
	}

	return &Manager{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(engine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settings),
		),
		localID:       cfg.LocalID,
		iceServers:    cfg.ICEServers,
		statsInterval: interval,
		thresholds:    th,
		source:        source,
		screen:        cfg.Screen,
		conns:         map[string]*conn{},
		orphans:       map[string][]webrtc.ICECandidateInit{},
		subs:          map[int]chan Event{},
		done:          make(chan struct{}),
	}, nil
}

func (m *Manager) rtcConfig() webrtc.Configuration {
	var servers []webrtc.ICEServer
	for _, u := range m.iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// Subscribe returns a channel of connection events plus a cancel func.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, 64)
	m.subs[id] = ch
	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Manager) emit(e Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- e:
		default:
			// Slow consumer; drop rather than stall the signaling path.
		}
	}
}

// SetTrackSink installs the consumer of inbound RTP. Replacing the sink
// affects packets read after the call.
func (m *Manager) SetTrackSink(sink TrackSink) {
	m.sinkMu.Lock()
	m.trackOut = sink
	m.sinkMu.Unlock()
}

func (m *Manager) trackSink() TrackSink {
	m.sinkMu.RLock()
	defer m.sinkMu.RUnlock()
	return m.trackOut
}

// CreateConnection sets up a peer connection toward a participant. If one
// already exists for the id it is torn down first, so there is never more
// than one live connection per participant.
func (m *Manager) CreateConnection(id string, role proto.Role, sendTracks bool) error {
	c, err := m.newConn(id, role, sendTracks)
	if err != nil {
		return fmt.Errorf("create connection for %s: %w", id, err)
	}

	m.mu.Lock()
	if prev, ok := m.conns[id]; ok {
		log.Printf("RTC [%s]: replacing existing connection", id)
		prev.closeLocked()
	}
	m.conns[id] = c
	// Candidates that trickled in before the connection existed move into
	// its buffer and drain with the first remote description.
	if early := m.orphans[id]; len(early) > 0 {
		c.pending = append(c.pending, early...)
		delete(m.orphans, id)
	}
	m.mu.Unlock()

	log.Printf("RTC [%s]: connection created (role=%s send=%v)", id, role, sendTracks)
	return nil
}

// CreateOffer produces the local offer toward a participant and installs it
// as the local description. If an ICE restart is pending for the
// connection, the offer restarts ICE.
func (m *Manager) CreateOffer(id string) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return webrtc.SessionDescription{}, ErrUnknownParticipant
	}
	var opts *webrtc.OfferOptions
	if c.restartPending {
		c.restartPending = false
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	m.mu.Unlock()

	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer for %s: %w", id, err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer for %s: %w", id, err)
	}
	return offer, nil
}

// HandleOffer applies a remote offer and returns the answer. An offer from
// a participant with no existing connection creates one on the fly, as a
// receive-only link; that covers joiners who learn about us from an offer
// before any roster event.
//
// When both sides offer simultaneously the participant with the lower ID
// wins: the winner ignores the inbound offer (ErrGlare) and waits for an
// answer, the loser abandons its own offer and answers on a rebuilt
// connection.
func (m *Manager) HandleOffer(id string, sdp webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	c, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		if err := m.CreateConnection(id, proto.RoleViewer, false); err != nil {
			return webrtc.SessionDescription{}, err
		}
		m.mu.Lock()
		c = m.conns[id]
		m.mu.Unlock()
	}

	if c.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if m.localID < id {
			log.Printf("RTC [%s]: glare, keeping local offer", id)
			return webrtc.SessionDescription{}, ErrGlare
		}
		// pion has no SDP rollback; the losing offer is abandoned by
		// rebuilding the connection and answering on the fresh one.
		log.Printf("RTC [%s]: glare, abandoning local offer", id)
		fresh, err := m.newConn(id, c.role, c.sendTracks)
		if err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("glare reset for %s: %w", id, err)
		}
		m.mu.Lock()
		fresh.pending = append(fresh.pending, c.pending...)
		c.closeLocked()
		m.conns[id] = fresh
		m.mu.Unlock()
		c = fresh
	}

	if err := c.pc.SetRemoteDescription(sdp); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer for %s: %w", id, err)
	}
	m.afterRemoteDescription(c)

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer for %s: %w", id, err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer for %s: %w", id, err)
	}
	return answer, nil
}

// HandleAnswer applies a remote answer to our outstanding offer.
func (m *Manager) HandleAnswer(id string, sdp webrtc.SessionDescription) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownParticipant
	}
	if err := c.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote answer for %s: %w", id, err)
	}
	m.afterRemoteDescription(c)
	return nil
}

func (m *Manager) afterRemoteDescription(c *conn) {
	m.mu.Lock()
	c.remoteSet = true
	buffered := c.drainCandidates()
	m.mu.Unlock()
	m.applyCandidates(c, buffered)
}

// AddICECandidate applies a candidate, or buffers it in arrival order if
// the connection or its remote description does not exist yet.
func (m *Manager) AddICECandidate(id string, cand webrtc.ICECandidateInit) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.orphans[id] = append(m.orphans[id], cand)
		m.mu.Unlock()
		return nil
	}
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	if err := c.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add candidate for %s: %w", id, err)
	}
	return nil
}

// currentVideoTracks returns the video tracks outbound connections should
// carry right now: the screen while sharing, the camera otherwise.
func (m *Manager) currentVideoTracks() []webrtc.TrackLocal {
	if m.sharing != nil {
		return m.sharing.VideoTracks()
	}
	if m.source == nil {
		return nil
	}
	return m.source.VideoTracks()
}

// desiredVideoTrack is the track outbound video senders should carry right
// now: nil while video is disabled, otherwise the screen or camera track.
func (m *Manager) desiredVideoTrack() webrtc.TrackLocal {
	if m.source != nil && !m.source.VideoEnabled() {
		return nil
	}
	if ts := m.currentVideoTracks(); len(ts) > 0 {
		return ts[0]
	}
	return nil
}

func (m *Manager) desiredAudioTrack() webrtc.TrackLocal {
	if m.source == nil || !m.source.AudioEnabled() {
		return nil
	}
	if ts := m.source.AudioTracks(); len(ts) > 0 {
		return ts[0]
	}
	return nil
}

// sendingConns selects live sending connections; an empty participant id
// selects all of them.
func (m *Manager) sendingConns(participantID string) []*conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*conn
	for _, c := range m.conns {
		if c.closed || !c.sendTracks {
			continue
		}
		if participantID != "" && c.id != participantID {
			continue
		}
		out = append(out, c)
	}
	return out
}

// applySenderTrack swaps the outbound track of one kind on a connection. A
// nil track detaches the sender, pausing that kind without touching the
// m-line. With fallback set, a connection lacking a sender of the kind gets
// the track added and a renegotiation event instead.
func (m *Manager) applySenderTrack(c *conn, kind webrtc.RTPCodecType, track webrtc.TrackLocal, fallback bool) {
	for _, tr := range c.pc.GetTransceivers() {
		if tr.Kind() != kind {
			continue
		}
		sender := tr.Sender()
		if sender == nil {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			log.Printf("RTC [%s]: ReplaceTrack error: %v", c.id, err)
			continue
		}
		return
	}
	if track == nil || !fallback {
		return
	}
	if _, err := c.pc.AddTrack(track); err != nil {
		log.Printf("RTC [%s]: AddTrack error: %v", c.id, err)
		return
	}
	m.emit(Event{Kind: EventNegotiationNeeded, ParticipantID: c.id})
}

// ReplaceOutboundVideo swaps the active outbound video track; an empty
// participant id targets every sending connection. Senders that cannot swap
// in place fall back to a full renegotiation.
func (m *Manager) ReplaceOutboundVideo(track webrtc.TrackLocal, participantID string) {
	for _, c := range m.sendingConns(participantID) {
		m.applySenderTrack(c, webrtc.RTPCodecTypeVideo, track, true)
	}
}

// SetOutboundEnabled flips the source enable flags and applies them to live
// senders in place: muting detaches the track, unmuting re-attaches it.
// Never renegotiates. Nil leaves a kind unchanged.
func (m *Manager) SetOutboundEnabled(audio, video *bool) {
	if m.source == nil {
		return
	}
	if audio != nil {
		m.source.SetAudioEnabled(*audio)
	}
	if video != nil {
		m.source.SetVideoEnabled(*video)
	}
	audioTrack := m.desiredAudioTrack()
	videoTrack := m.desiredVideoTrack()
	for _, c := range m.sendingConns("") {
		if audio != nil {
			m.applySenderTrack(c, webrtc.RTPCodecTypeAudio, audioTrack, false)
		}
		if video != nil {
			m.applySenderTrack(c, webrtc.RTPCodecTypeVideo, videoTrack, false)
		}
	}
}

// StartScreenShare captures the screen with the named profile and swaps it
// onto every sending connection. Only one share at a time.
func (m *Manager) StartScreenShare(profileName string) error {
	if m.screen == nil {
		return errors.New("rtc: no screen capture available")
	}
	profile, ok := media.ProfileByName(profileName)
	if !ok {
		return fmt.Errorf("rtc: unknown screen profile %q", profileName)
	}

	m.mu.Lock()
	if m.sharing != nil {
		m.mu.Unlock()
		return errors.New("rtc: screen share already active")
	}
	m.mu.Unlock()

	src, err := m.screen.CaptureScreen(profile)
	if err != nil {
		return fmt.Errorf("capture screen: %w", err)
	}

	m.mu.Lock()
	m.sharing = src
	m.mu.Unlock()

	// Some platforms end the capture from outside (window chrome, OS
	// picker). Route that through the normal stop path.
	if n, ok := src.(media.EndNotifier); ok {
		n.OnEnded(func() {
			log.Printf("RTC: screen share ended by platform")
			m.StopScreenShare()
			m.emit(Event{Kind: EventScreenShareEnded})
		})
	}

	m.ReplaceOutboundVideo(m.desiredVideoTrack(), "")
	log.Printf("RTC: screen share started (%s)", profile.Name)
	return nil
}

// StopScreenShare restores the camera track and releases the capture. A
// no-op when no share is active.
func (m *Manager) StopScreenShare() {
	m.mu.Lock()
	src := m.sharing
	m.sharing = nil
	m.mu.Unlock()
	if src == nil {
		return
	}

	m.ReplaceOutboundVideo(m.desiredVideoTrack(), "")

	if err := src.Close(); err != nil {
		log.Printf("RTC: screen source close error: %v", err)
	}
	log.Printf("RTC: screen share stopped")
}

// Sharing reports whether a screen share is active.
func (m *Manager) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sharing != nil
}

// MarkRestartPending flags the connection so the next CreateOffer restarts
// ICE.
func (m *Manager) MarkRestartPending(id string) {
	m.mu.Lock()
	if c, ok := m.conns[id]; ok {
		c.restartPending = true
	}
	m.mu.Unlock()
}

// CloseConnection tears down the connection toward one participant. The
// shared media source is left running; other connections may use it.
func (m *Manager) CloseConnection(id string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
		c.closeLocked()
	}
	delete(m.orphans, id)
	m.mu.Unlock()
	if ok {
		log.Printf("RTC [%s]: connection closed", id)
	}
}

// ConnectionInfo reports the current state of one connection.
func (m *Manager) ConnectionInfo(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return Info{}, false
	}
	return infoOf(c), true
}

// Connections snapshots every live connection.
func (m *Manager) Connections() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, infoOf(c))
	}
	return out
}

func infoOf(c *conn) Info {
	return Info{
		ParticipantID: c.id,
		Role:          c.role,
		SendTracks:    c.sendTracks,
		State:         c.state,
		Quality:       c.quality,
		Stats:         c.stats,
		StreamID:      c.streamID,
		Buffered:      len(c.pending),
	}
}

// Destroy closes every connection and the event stream. The manager is
// unusable afterwards.
func (m *Manager) Destroy() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}

	m.StopScreenShare()

	m.mu.Lock()
	for id, c := range m.conns {
		delete(m.conns, id)
		c.closeLocked()
	}
	m.orphans = map[string][]webrtc.ICECandidateInit{}
	m.mu.Unlock()

	m.subMu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.subMu.Unlock()

	log.Printf("RTC: manager destroyed")
}
