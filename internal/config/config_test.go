package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/huddle/internal/proto"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "huddle.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "huddle.json")

	cfg := Default()
	cfg.Room.DisplayName = "alice"
	cfg.Room.Topology = proto.TopologyBroadcast
	cfg.Room.Role = proto.RoleHost
	cfg.Signal.ReconnectMaxAttempts = 3
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"room":{"display_name":"bob"}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Room.DisplayName)
	assert.Equal(t, Default().Signal, cfg.Signal, "unspecified sections keep defaults")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad topology", func(c *Config) { c.Room.Topology = "star" }},
		{"bad role", func(c *Config) { c.Room.Role = "producer" }},
		{"max participants too low", func(c *Config) { c.Room.MaxParticipants = 1 }},
		{"one-to-one with wrong cap", func(c *Config) {
			c.Room.Topology = proto.TopologyOneToOne
			c.Room.MaxParticipants = 4
		}},
		{"zero reconnect base", func(c *Config) { c.Signal.ReconnectBaseMS = 0 }},
		{"max below base", func(c *Config) {
			c.Signal.ReconnectBaseMS = 5000
			c.Signal.ReconnectMaxMS = 1000
		}},
		{"zero attempts", func(c *Config) { c.Signal.ReconnectMaxAttempts = 0 }},
		{"zero stats interval", func(c *Config) { c.RTC.StatsIntervalMS = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWatchFiresOnRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.json")
	require.NoError(t, Save(path, Default()))

	var reloads atomic.Int32
	var lastName atomic.Value
	stop, err := Watch(path, func(cfg *Config) {
		lastName.Store(cfg.Room.DisplayName)
		reloads.Add(1)
	})
	require.NoError(t, err)
	defer stop()

	cfg := Default()
	cfg.Room.DisplayName = "renamed"
	require.NoError(t, Save(path, cfg))

	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "renamed", lastName.Load())
}

func TestWatchSkipsInvalidIntermediateState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.json")
	require.NoError(t, Save(path, Default()))

	var reloads atomic.Int32
	stop, err := Watch(path, func(*Config) { reloads.Add(1) })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"room":`), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, reloads.Load(), "half-written config must not reach the callback")
}
