package transport

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("autonat", "warn")
}

// P2POptions configures the libp2p bus.
type P2POptions struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string

	// Presence timing for room membership tracking.
	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration
	PresenceGrace     time.Duration
}

// P2PBus is a Bus over a libp2p host with GossipSub room topics.
type P2PBus struct {
	opts P2POptions

	mu   sync.Mutex
	host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service

	stateCh chan ConnEvent
	closed  bool
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// NewP2PBus creates an unconnected libp2p bus. Call Connect before Join.
func NewP2PBus(opts P2POptions) *P2PBus {
	if opts.MdnsTag == "" {
		opts.MdnsTag = proto.MdnsTag
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 3 * opts.HeartbeatInterval
	}
	if opts.PresenceGrace <= 0 {
		opts.PresenceGrace = 2 * opts.PresenceTTL
	}
	return &P2PBus{
		opts:    opts,
		stateCh: make(chan ConnEvent, 8),
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// Connect builds the libp2p host, mDNS discovery, and the GossipSub router.
// Idempotent — a second call on a live bus is a no-op.
func (b *P2PBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.host != nil {
		return nil
	}
	if b.closed {
		// A closed bus can be reconnected; clear the flag and rebuild.
		b.closed = false
	}

	priv, isNew, err := loadOrCreateKey(b.opts.KeyFile)
	if err != nil {
		return err
	}
	if isNew {
		log.Printf("P2P: generated new identity key: %s", b.opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", b.opts.ListenPort)),
	)
	if err != nil {
		b.notify(ConnEvent{State: ConnFailed, Err: err})
		return fmt.Errorf("libp2p host: %w", err)
	}

	md := mdns.NewMdnsService(h, b.opts.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		b.notify(ConnEvent{State: ConnFailed, Err: err})
		return fmt.Errorf("mdns: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		b.notify(ConnEvent{State: ConnFailed, Err: err})
		return fmt.Errorf("gossipsub: %w", err)
	}

	b.host = h
	b.ps = ps
	b.mdns = md
	b.notify(ConnEvent{State: ConnConnected})
	log.Printf("P2P: host up as %s", h.ID())
	return nil
}

// ID returns the libp2p peer ID, or "" before the first Connect.
func (b *P2PBus) ID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.host == nil {
		return ""
	}
	return b.host.ID().String()
}

// Join subscribes to the room's GossipSub topic. The local member is not
// announced until Room.Enter.
func (b *P2PBus) Join(ctx context.Context, roomID string) (Room, error) {
	b.mu.Lock()
	ps := b.ps
	h := b.host
	b.mu.Unlock()

	if ps == nil || h == nil {
		return nil, fmt.Errorf("bus not connected")
	}

	topic, err := ps.Join(proto.RoomTopicPrefix + roomID)
	if err != nil {
		return nil, fmt.Errorf("join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("subscribe topic: %w", err)
	}

	r := newP2PRoom(roomID, h.ID().String(), topic, sub, b.opts)
	r.SetHost(h)
	return r, nil
}

func (b *P2PBus) StateEvents() <-chan ConnEvent {
	return b.stateCh
}

func (b *P2PBus) notify(evt ConnEvent) {
	select {
	case b.stateCh <- evt:
	default:
		// Drop the oldest pending transition to make room for the latest.
		select {
		case <-b.stateCh:
		default:
		}
		select {
		case b.stateCh <- evt:
		default:
		}
	}
}

// Close tears down mDNS and the host. Rooms joined on this bus stop
// delivering once the host is gone.
func (b *P2PBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	if b.mdns != nil {
		_ = b.mdns.Close()
		b.mdns = nil
	}
	var err error
	if b.host != nil {
		err = b.host.Close()
		b.host = nil
		b.ps = nil
	}
	b.notify(ConnEvent{State: ConnClosed})
	return err
}
