// Package room maintains the participant roster and encodes the topology
// initiation policy. The coordinator is the only component that decides
// "call this peer or wait for them to call me"; everything else reacts.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/rtc"
	"github.com/petervdpas/huddle/internal/signal"
	"github.com/petervdpas/huddle/internal/util"
)

var (
	// ErrNotHost is returned when a non-host calls a host-only operation.
	ErrNotHost = errors.New("room: operation requires host role")

	// ErrNotJoined is returned for room operations before Join.
	ErrNotJoined = errors.New("room: not joined")
)

// Notification kinds surfaced to calling code.
const (
	NotifyParticipantJoined = "participant-joined"
	NotifyParticipantLeft   = "participant-left"
	NotifyRoleChanged       = "role-changed"
	NotifyMuteToggled       = "mute-toggled"
	NotifyHandRaised        = "hand-raised"
	NotifyTrackReady        = "track-ready"
	NotifyStateChanged      = "state-changed"
	NotifyQualityChanged    = "quality-changed"
	NotifyConnectionFailed  = "connection-failed"
	NotifyMaxParticipants   = "max-participants-reached"
	NotifyScreenShareEnded  = "screen-share-ended"
)

// Notification is one roster or connection event for the caller to render.
type Notification struct {
	Kind          string
	ParticipantID string
	Role          proto.Role
	State         rtc.ConnState
	Quality       rtc.Quality
	Err           error
}

// Options configures one room membership.
type Options struct {
	RoomID          string
	DisplayName     string
	Topology        proto.Topology
	Role            proto.Role
	MaxParticipants int
}

// Coordinator wires the signaling channel and the connection manager
// together for one room.
type Coordinator struct {
	ch   *signal.Channel
	mgr  *rtc.Manager
	src  media.Source
	opts Options

	localID string
	roster  *rosterTable

	localMu sync.Mutex
	local   Participant
	joined  bool
	// in-flight initial offers, to suppress duplicate negotiation-needed
	// offers while the first exchange is still pending
	offering map[string]bool

	subMu   sync.Mutex
	nextSub int
	subs    map[int]chan Notification

	cancelMu sync.Mutex
	cancels  []func()
}

// NewCoordinator builds a coordinator over an already-connected channel.
func NewCoordinator(ch *signal.Channel, mgr *rtc.Manager, src media.Source, opts Options) (*Coordinator, error) {
	if !opts.Topology.Valid() {
		return nil, errors.New("room: invalid topology " + string(opts.Topology))
	}
	if !opts.Role.Valid() {
		return nil, errors.New("room: invalid role " + string(opts.Role))
	}
	return &Coordinator{
		ch:       ch,
		mgr:      mgr,
		src:      src,
		opts:     opts,
		localID:  ch.LocalID(),
		roster:   newRosterTable(),
		offering: map[string]bool{},
		subs:     map[int]chan Notification{},
	}, nil
}

// Subscribe returns the coordinator's notification stream.
func (c *Coordinator) Subscribe() (<-chan Notification, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Notification, 64)
	c.subs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if s, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(s)
		}
	}
}

func (c *Coordinator) notify(n Notification) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Join registers all signaling handlers and announces the local participant.
// Handler registration happens before joining so buffered replay covers any
// events that race the join itself.
func (c *Coordinator) Join(ctx context.Context) error {
	c.localMu.Lock()
	if c.joined {
		c.localMu.Unlock()
		return nil
	}
	c.joined = true
	c.local = Participant{
		ID:       c.localID,
		Username: c.opts.DisplayName,
		Role:     c.opts.Role,
		JoinedAt: proto.NowMillis(),
	}
	c.localMu.Unlock()

	c.addCancel(c.ch.On(proto.EventUserJoined, c.onUserJoined))
	c.addCancel(c.ch.On(proto.EventMemberUpdated, c.onMemberUpdated))
	c.addCancel(c.ch.On(proto.EventUserLeft, c.onUserLeft))
	c.addCancel(c.ch.On(proto.EventOffer, c.onOffer))
	c.addCancel(c.ch.On(proto.EventAnswer, c.onAnswer))
	c.addCancel(c.ch.On(proto.EventIceCandidate, c.onIceCandidate))
	c.addCancel(c.ch.On(proto.EventRoleChanged, c.onRoleChanged))
	c.addCancel(c.ch.On(proto.EventMuteToggled, c.onMuteToggled))
	c.addCancel(c.ch.On(proto.EventHandRaised, c.onHandRaised))

	events, cancel := c.mgr.Subscribe()
	c.addCancel(cancel)
	go c.pumpRTC(events)

	initial := proto.PresenceState{
		Username: c.opts.DisplayName,
		Role:     c.opts.Role,
	}
	if err := c.ch.JoinRoom(ctx, c.opts.RoomID, c.opts.DisplayName, initial); err != nil {
		c.teardownHandlers()
		c.localMu.Lock()
		c.joined = false
		c.localMu.Unlock()
		return err
	}
	log.Printf("ROOM [%s]: joined as %s (%s, %s)", c.opts.RoomID, c.opts.DisplayName, c.opts.Role, c.opts.Topology)
	return nil
}

func (c *Coordinator) addCancel(fn func()) {
	c.cancelMu.Lock()
	c.cancels = append(c.cancels, fn)
	c.cancelMu.Unlock()
}

func (c *Coordinator) teardownHandlers() {
	c.cancelMu.Lock()
	fns := c.cancels
	c.cancels = nil
	c.cancelMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Coordinator) localRole() proto.Role {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	return c.local.Role
}

// Local snapshots the local participant record.
func (c *Coordinator) Local() Participant {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	return c.local
}

// Participants snapshots the remote roster.
func (c *Coordinator) Participants() []Participant {
	return c.roster.Snapshot()
}

func (c *Coordinator) publish(event string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	if err := c.ch.Publish(ctx, event, payload); err != nil {
		log.Printf("ROOM: publish %s failed: %v", event, err)
	}
}

// ---- inbound signaling -------------------------------------------------

func (c *Coordinator) onUserJoined(evt signal.Event) {
	var st proto.PresenceState
	if err := json.Unmarshal(evt.Data, &st); err != nil {
		log.Printf("ROOM: bad user-joined payload from %s: %v", evt.From, err)
		return
	}
	c.memberObserved(evt.From, st)
}

func (c *Coordinator) memberObserved(id string, st proto.PresenceState) {
	if _, ok := c.roster.Get(id); ok {
		log.Printf("ROOM: duplicate join for %s ignored", id)
		return
	}
	if c.opts.MaxParticipants > 0 && c.roster.Len() >= c.opts.MaxParticipants {
		log.Printf("ROOM: room full (%d), rejecting %s", c.opts.MaxParticipants, id)
		c.notify(Notification{Kind: NotifyMaxParticipants, ParticipantID: id})
		return
	}
	if !st.Role.Valid() {
		st.Role = proto.RoleViewer
	}

	rosterEmpty := c.roster.Len() == 0
	c.roster.Add(Participant{
		ID:         id,
		Username:   st.Username,
		Role:       st.Role,
		AudioMuted: st.AudioMuted,
		VideoMuted: st.VideoMuted,
		HandRaised: st.HandRaised,
		JoinedAt:   st.JoinedAt,
	})
	log.Printf("ROOM: participant %s joined (%s)", id, st.Role)
	c.notify(Notification{Kind: NotifyParticipantJoined, ParticipantID: id, Role: st.Role})

	// An offer can beat the presence event; if negotiation is already
	// underway, leave the existing connection alone.
	if _, ok := c.mgr.ConnectionInfo(id); ok {
		return
	}

	d := Decide(c.opts.Topology, c.localRole(), st.Role, rosterEmpty)
	if !d.ShouldInitiate {
		return
	}
	if err := c.mgr.CreateConnection(id, st.Role, d.ShouldSendTracks); err != nil {
		log.Printf("ROOM: create connection for %s: %v", id, err)
		return
	}
	c.sendOffer(id)
}

func (c *Coordinator) sendOffer(id string) {
	c.localMu.Lock()
	c.offering[id] = true
	c.localMu.Unlock()

	offer, err := c.mgr.CreateOffer(id)
	if err != nil {
		c.clearOffering(id)
		log.Printf("ROOM: create offer for %s: %v", id, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	if err := c.ch.Publish(ctx, proto.EventOffer, proto.SessionDesc{
		From: c.localID,
		To:   id,
		SDP:  offer.SDP,
		Type: offer.Type.String(),
	}); err != nil {
		// The peer never sees this offer, so no answer will free the slot.
		c.clearOffering(id)
	}
}

func (c *Coordinator) clearOffering(id string) {
	c.localMu.Lock()
	delete(c.offering, id)
	c.localMu.Unlock()
}

func (c *Coordinator) onMemberUpdated(evt signal.Event) {
	var st proto.PresenceState
	if err := json.Unmarshal(evt.Data, &st); err != nil {
		return
	}
	c.roster.Mutate(evt.From, func(p *Participant) {
		if st.Username != "" {
			p.Username = st.Username
		}
		if st.Role.Valid() {
			p.Role = st.Role
		}
		p.AudioMuted = st.AudioMuted
		p.VideoMuted = st.VideoMuted
		p.HandRaised = st.HandRaised
	})
}

func (c *Coordinator) onUserLeft(evt signal.Event) {
	if !c.roster.Remove(evt.From) {
		return
	}
	c.mgr.CloseConnection(evt.From)
	c.clearOffering(evt.From)
	log.Printf("ROOM: participant %s left", evt.From)
	c.notify(Notification{Kind: NotifyParticipantLeft, ParticipantID: evt.From})
}

func (c *Coordinator) onOffer(evt signal.Event) {
	var sd proto.SessionDesc
	if err := json.Unmarshal(evt.Data, &sd); err != nil || sd.To != c.localID {
		return
	}
	answer, err := c.mgr.HandleOffer(sd.From, webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	})
	if errors.Is(err, rtc.ErrGlare) {
		return
	}
	if err != nil {
		log.Printf("ROOM: offer from %s failed: %v", sd.From, err)
		return
	}
	// Answering supersedes any local offer still in flight toward this
	// peer; as the glare loser we will never see an answer for it.
	c.clearOffering(sd.From)
	c.publish(proto.EventAnswer, proto.SessionDesc{
		From: c.localID,
		To:   sd.From,
		SDP:  answer.SDP,
		Type: answer.Type.String(),
	})
}

func (c *Coordinator) onAnswer(evt signal.Event) {
	var sd proto.SessionDesc
	if err := json.Unmarshal(evt.Data, &sd); err != nil || sd.To != c.localID {
		return
	}
	if err := c.mgr.HandleAnswer(sd.From, webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	}); err != nil {
		log.Printf("ROOM: answer from %s failed: %v", sd.From, err)
		return
	}
	c.clearOffering(sd.From)
}

func (c *Coordinator) onIceCandidate(evt signal.Event) {
	var ic proto.IceCandidate
	if err := json.Unmarshal(evt.Data, &ic); err != nil || ic.To != c.localID {
		return
	}
	if err := c.mgr.AddICECandidate(ic.From, webrtc.ICECandidateInit{
		Candidate:     ic.Candidate,
		SDPMid:        ic.SDPMid,
		SDPMLineIndex: ic.SDPMLineIndex,
	}); err != nil {
		log.Printf("ROOM: candidate from %s failed: %v", ic.From, err)
	}
}

func (c *Coordinator) onRoleChanged(evt signal.Event) {
	var rc proto.RoleChanged
	if err := json.Unmarshal(evt.Data, &rc); err != nil || !rc.Role.Valid() {
		return
	}
	if rc.UserID == c.localID {
		c.applyLocalRole(rc.Role)
		return
	}
	c.applyRemoteRole(rc.UserID, rc.Role)
}

func (c *Coordinator) onMuteToggled(evt signal.Event) {
	var mt proto.MuteToggled
	if err := json.Unmarshal(evt.Data, &mt); err != nil {
		return
	}
	if c.roster.Mutate(mt.UserID, func(p *Participant) {
		p.AudioMuted = mt.AudioMuted
		p.VideoMuted = mt.VideoMuted
	}) {
		c.notify(Notification{Kind: NotifyMuteToggled, ParticipantID: mt.UserID})
	}
}

func (c *Coordinator) onHandRaised(evt signal.Event) {
	var hr proto.HandRaised
	if err := json.Unmarshal(evt.Data, &hr); err != nil {
		return
	}
	if c.roster.Mutate(hr.UserID, func(p *Participant) {
		p.HandRaised = hr.Raised
	}) {
		c.notify(Notification{Kind: NotifyHandRaised, ParticipantID: hr.UserID})
	}
}

// ---- role transitions --------------------------------------------------

// applyRemoteRole updates the roster and, in broadcast topology, redials a
// demoted speaker one-way. Promotion is passive here: the new speaker must
// start sending, so it dials us with a fresh offer.
func (c *Coordinator) applyRemoteRole(id string, role proto.Role) {
	var prev proto.Role
	if !c.roster.Mutate(id, func(p *Participant) {
		prev = p.Role
		p.Role = role
	}) {
		log.Printf("ROOM: role change for unknown participant %s", id)
		return
	}
	if prev == role {
		return
	}
	log.Printf("ROOM: %s role %s -> %s", id, prev, role)
	c.notify(Notification{Kind: NotifyRoleChanged, ParticipantID: id, Role: role})

	if c.opts.Topology != proto.TopologyBroadcast {
		return
	}
	if role == proto.RoleViewer {
		// Direction changes are not patched in place; tear down and
		// redial so the viewer ends up receive-only.
		d := Decide(c.opts.Topology, c.localRole(), role, false)
		if !d.ShouldInitiate {
			c.mgr.CloseConnection(id)
			return
		}
		if err := c.mgr.CreateConnection(id, role, d.ShouldSendTracks); err != nil {
			log.Printf("ROOM: redial %s after demotion: %v", id, err)
			return
		}
		c.sendOffer(id)
	}
}

// applyLocalRole reacts to our own promotion or demotion.
func (c *Coordinator) applyLocalRole(role proto.Role) {
	c.localMu.Lock()
	prev := c.local.Role
	c.local.Role = role
	c.localMu.Unlock()
	if prev == role {
		return
	}
	log.Printf("ROOM: local role %s -> %s", prev, role)
	c.notify(Notification{Kind: NotifyRoleChanged, ParticipantID: c.localID, Role: role})

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	r := role
	if err := c.ch.UpdatePresence(ctx, proto.PresenceUpdate{Role: &r}); err != nil {
		log.Printf("ROOM: presence update after role change: %v", err)
	}

	if c.opts.Topology != proto.TopologyBroadcast {
		return
	}
	switch {
	case prev == proto.RoleViewer && role == proto.RoleSpeaker:
		// We must start sending: dial every eligible participant with a
		// fresh sending connection.
		for _, p := range c.roster.Snapshot() {
			d := Decide(c.opts.Topology, role, p.Role, false)
			if !d.ShouldInitiate {
				continue
			}
			if err := c.mgr.CreateConnection(p.ID, p.Role, d.ShouldSendTracks); err != nil {
				log.Printf("ROOM: redial %s after promotion: %v", p.ID, err)
				continue
			}
			c.sendOffer(p.ID)
		}
	case role == proto.RoleViewer:
		// Demoted: drop sending connections and let senders redial us
		// one-way.
		for _, info := range c.mgr.Connections() {
			c.mgr.CloseConnection(info.ParticipantID)
		}
	}
}

// PromoteToSpeaker grants a participant the speaker role. Host only.
func (c *Coordinator) PromoteToSpeaker(id string) error {
	return c.setRole(id, proto.RoleSpeaker)
}

// DemoteToViewer revokes a participant's speaker role. Host only.
func (c *Coordinator) DemoteToViewer(id string) error {
	return c.setRole(id, proto.RoleViewer)
}

func (c *Coordinator) setRole(id string, role proto.Role) error {
	if c.localRole() != proto.RoleHost {
		log.Printf("ROOM: rejected %s of %s: not host", role, id)
		return ErrNotHost
	}
	if _, ok := c.roster.Get(id); !ok {
		return errors.New("room: unknown participant " + id)
	}
	c.publish(proto.EventRoleChanged, proto.RoleChanged{UserID: id, Role: role})
	c.applyRemoteRole(id, role)
	return nil
}

// ---- local state -------------------------------------------------------

// ToggleMute flips the local mute flags; nil leaves a kind untouched.
// Muting disables the outbound track in place and republishes presence; it
// never renegotiates.
func (c *Coordinator) ToggleMute(ctx context.Context, audio, video *bool) error {
	c.localMu.Lock()
	if !c.joined {
		c.localMu.Unlock()
		return ErrNotJoined
	}
	if audio != nil {
		c.local.AudioMuted = *audio
	}
	if video != nil {
		c.local.VideoMuted = *video
	}
	a, v := c.local.AudioMuted, c.local.VideoMuted
	c.localMu.Unlock()

	var audioOn, videoOn *bool
	if audio != nil {
		on := !*audio
		audioOn = &on
	}
	if video != nil {
		on := !*video
		videoOn = &on
	}
	c.mgr.SetOutboundEnabled(audioOn, videoOn)

	c.publish(proto.EventMuteToggled, proto.MuteToggled{
		UserID:     c.localID,
		AudioMuted: a,
		VideoMuted: v,
	})
	return c.ch.UpdatePresence(ctx, proto.PresenceUpdate{AudioMuted: audio, VideoMuted: video})
}

// RaiseHand raises or lowers the local hand.
func (c *Coordinator) RaiseHand(ctx context.Context, raised bool) error {
	c.localMu.Lock()
	if !c.joined {
		c.localMu.Unlock()
		return ErrNotJoined
	}
	c.local.HandRaised = raised
	name := c.local.Username
	c.localMu.Unlock()

	c.publish(proto.EventHandRaised, proto.HandRaised{
		UserID:   c.localID,
		Username: name,
		Raised:   raised,
	})
	r := raised
	return c.ch.UpdatePresence(ctx, proto.PresenceUpdate{HandRaised: &r})
}

// StartScreenShare begins sharing at the named profile.
func (c *Coordinator) StartScreenShare(profile string) error {
	return c.mgr.StartScreenShare(profile)
}

// StopScreenShare restores the camera.
func (c *Coordinator) StopScreenShare() {
	c.mgr.StopScreenShare()
}

// ---- connection events -------------------------------------------------

func (c *Coordinator) pumpRTC(events <-chan rtc.Event) {
	for e := range events {
		switch e.Kind {
		case rtc.EventIceCandidate:
			if e.Candidate == nil {
				continue
			}
			c.publish(proto.EventIceCandidate, proto.IceCandidate{
				From:          c.localID,
				To:            e.ParticipantID,
				Candidate:     e.Candidate.Candidate,
				SDPMid:        e.Candidate.SDPMid,
				SDPMLineIndex: e.Candidate.SDPMLineIndex,
			})
		case rtc.EventNegotiationNeeded:
			c.renegotiate(e.ParticipantID)
		case rtc.EventTrack:
			c.roster.Mutate(e.ParticipantID, func(p *Participant) {
				p.StreamID = e.StreamID
			})
			c.notify(Notification{Kind: NotifyTrackReady, ParticipantID: e.ParticipantID})
		case rtc.EventStateChanged:
			c.notify(Notification{Kind: NotifyStateChanged, ParticipantID: e.ParticipantID, State: e.State})
		case rtc.EventQualityChanged:
			c.notify(Notification{Kind: NotifyQualityChanged, ParticipantID: e.ParticipantID, Quality: e.Quality})
		case rtc.EventConnectionFailed:
			log.Printf("ROOM: connection to %s failed for good: %v", e.ParticipantID, e.Err)
			c.mgr.CloseConnection(e.ParticipantID)
			c.notify(Notification{Kind: NotifyConnectionFailed, ParticipantID: e.ParticipantID, Err: e.Err})
		case rtc.EventScreenShareEnded:
			c.notify(Notification{Kind: NotifyScreenShareEnded})
		}
	}
}

// renegotiate re-offers an established connection. Negotiation-needed
// signals fired during the very first exchange are suppressed: the initial
// offer is already in flight and a second one would only cause glare.
func (c *Coordinator) renegotiate(id string) {
	c.localMu.Lock()
	inflight := c.offering[id]
	c.localMu.Unlock()
	if inflight {
		return
	}
	info, ok := c.mgr.ConnectionInfo(id)
	if !ok {
		return
	}
	switch info.State {
	case rtc.StateConnected, rtc.StateDisconnected, rtc.StateFailed:
		c.sendOffer(id)
	}
}

// ---- teardown ----------------------------------------------------------

// LeaveRoom closes every connection, clears the roster and leaves the
// signaling room. Idempotent.
func (c *Coordinator) LeaveRoom(ctx context.Context) error {
	c.localMu.Lock()
	if !c.joined {
		c.localMu.Unlock()
		return nil
	}
	c.joined = false
	c.offering = map[string]bool{}
	c.localMu.Unlock()

	c.teardownHandlers()
	for _, id := range c.roster.Clear() {
		c.mgr.CloseConnection(id)
	}
	log.Printf("ROOM [%s]: left", c.opts.RoomID)
	return c.ch.LeaveRoom(ctx)
}

// Destroy leaves the room, destroys every connection and releases the
// local media source.
func (c *Coordinator) Destroy(ctx context.Context) error {
	err := c.LeaveRoom(ctx)
	c.mgr.Destroy()
	if c.src != nil {
		if cerr := c.src.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	c.subMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subMu.Unlock()
	return err
}
