package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/huddle/internal/proto"
)

// frame is the JSON wire format on a room topic. Kind selects between a
// named event and a presence transition; heartbeats carry the full state so
// a late joiner converges within one heartbeat interval.
type frame struct {
	Kind   string               `json:"kind"` // "event" | "presence"
	From   string               `json:"from"`
	TS     int64                `json:"ts"`
	Event  string               `json:"event,omitempty"`
	Data   json.RawMessage      `json:"data,omitempty"`
	Action PresenceAction       `json:"action,omitempty"`
	State  *proto.PresenceState `json:"state,omitempty"`
	Addrs  []string             `json:"addrs,omitempty"`
}

const (
	kindEvent    = "event"
	kindPresence = "presence"

	// heartbeat is a presence action internal to the transport; it never
	// surfaces as a PresenceEvent.
	actionHeartbeat PresenceAction = "heartbeat"
)

type p2pRoom struct {
	roomID string
	selfID string
	opts   P2POptions

	host  host.Host
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	msgCh      chan Message
	presenceCh chan PresenceEvent
	members    *memberTable

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   *proto.PresenceState // last entered/updated local state
	left    bool
	beating bool
}

func newP2PRoom(roomID, selfID string, topic *pubsub.Topic, sub *pubsub.Subscription, opts P2POptions) *p2pRoom {
	ctx, cancel := context.WithCancel(context.Background())
	r := &p2pRoom{
		roomID:     roomID,
		selfID:     selfID,
		opts:       opts,
		topic:      topic,
		sub:        sub,
		msgCh:      make(chan Message, 256),
		presenceCh: make(chan PresenceEvent, 64),
		ctx:        ctx,
		cancel:     cancel,
	}
	r.members = newMemberTable(r.emitPresence)
	go r.readLoop()
	go r.pruneLoop()
	return r
}

// SetHost gives the room access to the libp2p host so presence address
// hints can be fed into the peerstore. Optional; nil is fine.
func (r *p2pRoom) SetHost(h host.Host) {
	r.mu.Lock()
	r.host = h
	r.mu.Unlock()
}

func (r *p2pRoom) publishFrame(ctx context.Context, f frame) error {
	f.From = r.selfID
	f.TS = proto.NowMillis()
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return r.topic.Publish(ctx, b)
}

func (r *p2pRoom) Publish(ctx context.Context, event string, data any) error {
	r.mu.Lock()
	left := r.left
	r.mu.Unlock()
	if left {
		return fmt.Errorf("room %s: already left", r.roomID)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return r.publishFrame(ctx, frame{Kind: kindEvent, Event: event, Data: raw})
}

func (r *p2pRoom) Messages() <-chan Message       { return r.msgCh }
func (r *p2pRoom) Presence() <-chan PresenceEvent { return r.presenceCh }

func (r *p2pRoom) Enter(ctx context.Context, state proto.PresenceState) error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return fmt.Errorf("room %s: already left", r.roomID)
	}
	r.state = &state
	startBeat := !r.beating
	r.beating = true
	r.mu.Unlock()

	if err := r.publishFrame(ctx, frame{Kind: kindPresence, Action: PresenceEnter, State: &state, Addrs: r.wanAddrs()}); err != nil {
		return err
	}
	if startBeat {
		go r.heartbeatLoop()
	}
	return nil
}

func (r *p2pRoom) UpdatePresence(ctx context.Context, state proto.PresenceState) error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return fmt.Errorf("room %s: already left", r.roomID)
	}
	r.state = &state
	r.mu.Unlock()
	return r.publishFrame(ctx, frame{Kind: kindPresence, Action: PresenceUpdate, State: &state})
}

func (r *p2pRoom) Here(ctx context.Context) ([]Member, error) {
	return r.members.Snapshot(), nil
}

func (r *p2pRoom) Leave(ctx context.Context) error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return nil
	}
	r.left = true
	r.mu.Unlock()

	// Best effort — the TTL prune on the remote side covers a lost leave.
	_ = r.publishFrame(ctx, frame{Kind: kindPresence, Action: PresenceLeave})

	r.cancel()
	r.sub.Cancel()
	if err := r.topic.Close(); err != nil {
		log.Printf("P2P [%s]: topic close: %v", r.roomID, err)
	}
	return nil
}

func (r *p2pRoom) emitPresence(evt PresenceEvent) {
	select {
	case r.presenceCh <- evt:
	case <-r.ctx.Done():
	}
}

// readLoop decodes frames off the topic subscription and fans them out to
// the message channel or the member table. Events are delivered in arrival
// order, blocking rather than dropping, because per-room ordering is part
// of the delivery contract.
func (r *p2pRoom) readLoop() {
	for {
		m, err := r.sub.Next(r.ctx)
		if err != nil {
			close(r.msgCh)
			close(r.presenceCh)
			return
		}

		var f frame
		if err := json.Unmarshal(m.Data, &f); err != nil {
			continue
		}
		if f.From == "" {
			continue
		}

		switch f.Kind {
		case kindEvent:
			select {
			case r.msgCh <- Message{Event: f.Event, From: f.From, Data: f.Data}:
			case <-r.ctx.Done():
				return
			}

		case kindPresence:
			if f.From == r.selfID {
				continue // local member is tracked by the caller, not the table
			}
			r.handlePresence(f)
		}
	}
}

func (r *p2pRoom) handlePresence(f frame) {
	r.addPeerAddrs(f.From, f.Addrs)

	switch f.Action {
	case actionHeartbeat:
		if r.members.Touch(f.From) {
			return
		}
		// Unknown member heartbeat — we joined after their enter.
		if f.State != nil {
			r.members.Observe(f.From, PresenceEnter, *f.State)
		}
	case PresenceEnter, PresenceUpdate:
		if f.State == nil {
			return
		}
		r.members.Observe(f.From, f.Action, *f.State)
	case PresenceLeave:
		r.members.Observe(f.From, PresenceLeave, proto.PresenceState{})
	}
}

func (r *p2pRoom) heartbeatLoop() {
	t := time.NewTicker(r.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			r.mu.Lock()
			state := r.state
			left := r.left
			r.mu.Unlock()
			if left || state == nil {
				return
			}
			ctx, cancel := context.WithTimeout(r.ctx, r.opts.HeartbeatInterval)
			_ = r.publishFrame(ctx, frame{Kind: kindPresence, Action: actionHeartbeat, State: state, Addrs: r.wanAddrs()})
			cancel()
		}
	}
}

func (r *p2pRoom) pruneLoop() {
	t := time.NewTicker(r.opts.PresenceTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			now := time.Now()
			r.members.PruneStale(now.Add(-r.opts.PresenceTTL), now.Add(-r.opts.PresenceGrace))
		}
	}
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses, as dialing hints attached to presence frames.
func (r *p2pRoom) wanAddrs() []string {
	r.mu.Lock()
	h := r.host
	r.mu.Unlock()
	if h == nil {
		return nil
	}
	var out []string
	for _, a := range h.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// addPeerAddrs parses multiaddr hints from a presence frame and feeds them
// to the peerstore so the gossip mesh can dial the member directly.
func (r *p2pRoom) addPeerAddrs(peerID string, addrs []string) {
	r.mu.Lock()
	h := r.host
	r.mu.Unlock()
	if h == nil || len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var parsed []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		parsed = append(parsed, a)
	}
	if len(parsed) > 0 {
		h.Peerstore().AddAddrs(pid, parsed, r.opts.PresenceTTL)
	}
}
