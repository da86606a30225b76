package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/petervdpas/huddle/internal/proto"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Room     Room     `json:"room"`
	Signal   Signal   `json:"signal"`
	RTC      RTC      `json:"rtc"`
	Media    Media    `json:"media"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Room struct {
	Topology        proto.Topology `json:"topology"`
	Role            proto.Role     `json:"role"`
	DisplayName     string         `json:"display_name"`
	MaxParticipants int            `json:"max_participants"`
}

type Signal struct {
	// Reconnect backoff: base delay doubles per attempt, capped at max,
	// up to max_attempts before the channel gives up for good.
	ReconnectBaseMS      int `json:"reconnect_base_ms"`
	ReconnectMaxMS       int `json:"reconnect_max_ms"`
	ReconnectMaxAttempts int `json:"reconnect_max_attempts"`

	PresenceTTLSec   int `json:"presence_ttl_seconds"`
	HeartbeatSec     int `json:"heartbeat_seconds"`
	PresenceGraceSec int `json:"presence_grace_seconds"`
}

type RTC struct {
	ICEServers      []string `json:"ice_servers"`
	StatsIntervalMS int      `json:"stats_interval_ms"`

	// Quality classification thresholds: a connection is "poor" when packet
	// loss exceeds MaxPacketLossPct or round-trip time exceeds MaxRTTMS.
	MaxPacketLossPct float64 `json:"max_packet_loss_pct"`
	MaxRTTMS         int     `json:"max_rtt_ms"`
}

type Media struct {
	Video         bool   `json:"video"`
	Audio         bool   `json:"audio"`
	MaxWidth      int    `json:"max_width"`
	MaxHeight     int    `json:"max_height"`
	ScreenProfile string `json:"screen_profile"`
}

// Default returns a config with sensible defaults for a mesh room peer.
func Default() *Config {
	return &Config{
		Identity: Identity{KeyFile: "identity.key"},
		P2P:      P2P{ListenPort: 0, MdnsTag: proto.MdnsTag},
		Room: Room{
			Topology:        proto.TopologyMesh,
			Role:            proto.RoleSpeaker,
			DisplayName:     "anonymous",
			MaxParticipants: 8,
		},
		Signal: Signal{
			ReconnectBaseMS:      1000,
			ReconnectMaxMS:       30000,
			ReconnectMaxAttempts: 10,
			PresenceTTLSec:       15,
			HeartbeatSec:         5,
			PresenceGraceSec:     30,
		},
		RTC: RTC{
			ICEServers:       []string{"stun:stun.l.google.com:19302"},
			StatsIntervalMS:  2000,
			MaxPacketLossPct: 10.0,
			MaxRTTMS:         500,
		},
		Media: Media{
			Video:         true,
			Audio:         true,
			MaxWidth:      640,
			MaxHeight:     480,
			ScreenProfile: "720p",
		},
	}
}

// Load reads a config file, filling any missing sections with defaults.
// A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories.
func Save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Validate checks the fields that would otherwise fail deep inside the
// signal/rtc layers with a much less helpful error.
func (c *Config) Validate() error {
	if !c.Room.Topology.Valid() {
		return fmt.Errorf("invalid topology %q", c.Room.Topology)
	}
	if !c.Room.Role.Valid() {
		return fmt.Errorf("invalid role %q", c.Room.Role)
	}
	if c.Room.MaxParticipants < 2 {
		return errors.New("max_participants must be at least 2")
	}
	if c.Room.Topology == proto.TopologyOneToOne && c.Room.MaxParticipants != 2 {
		return errors.New("one-to-one topology requires max_participants = 2")
	}
	if c.Signal.ReconnectBaseMS <= 0 || c.Signal.ReconnectMaxMS < c.Signal.ReconnectBaseMS {
		return errors.New("reconnect delays: need 0 < base <= max")
	}
	if c.Signal.ReconnectMaxAttempts <= 0 {
		return errors.New("reconnect_max_attempts must be positive")
	}
	if c.RTC.StatsIntervalMS <= 0 {
		return errors.New("stats_interval_ms must be positive")
	}
	return nil
}
