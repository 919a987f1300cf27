package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Clear relevant envs
	for _, k := range []string{"PORT", "LOG_LEVEL", "INSTANCE_ID", "STORE_DRIVER", "BUS_DRIVER", "ROOM_MAX_PARTICIPANTS", "ROOM_GHOST_SETTLE_MS", "REDIS_KEY_PREFIX"} {
		os.Unsetenv(k)
	}

	c := Load()

	if c.Server.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", c.Server.Port)
	}
	if c.Server.LogLevel != "info" {
		t.Fatalf("expected default log level info, got %q", c.Server.LogLevel)
	}
	if c.Server.InstanceID == "" {
		t.Fatalf("expected generated instance id")
	}
	if c.Room.MaxParticipants != 2 {
		t.Fatalf("expected max participants 2, got %d", c.Room.MaxParticipants)
	}
	if c.Room.GhostSettle != 500*time.Millisecond {
		t.Fatalf("expected ghost settle 500ms, got %s", c.Room.GhostSettle)
	}
	if c.Store.Driver != "redis" || c.Bus.Driver != "redis" {
		t.Fatalf("expected redis drivers, got store=%q bus=%q", c.Store.Driver, c.Bus.Driver)
	}
	if c.Redis.KeyPrefix != "duet:" {
		t.Fatalf("expected default key prefix, got %q", c.Redis.KeyPrefix)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("INSTANCE_ID", "node-a")
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("ROOM_GHOST_SETTLE_MS", "50")
	t.Setenv("ROOM_MAX_PARTICIPANTS", "0")

	c := Load()

	if c.Server.Port != "9000" {
		t.Fatalf("expected port 9000, got %q", c.Server.Port)
	}
	if c.Server.InstanceID != "node-a" {
		t.Fatalf("expected instance node-a, got %q", c.Server.InstanceID)
	}
	if c.Store.Driver != "memory" {
		t.Fatalf("expected lowercased driver, got %q", c.Store.Driver)
	}
	if c.Room.GhostSettle != 50*time.Millisecond {
		t.Fatalf("expected 50ms settle, got %s", c.Room.GhostSettle)
	}
	if c.Room.MaxParticipants != 2 {
		t.Fatalf("non-positive max participants must fall back to 2, got %d", c.Room.MaxParticipants)
	}
}

func TestValidate(t *testing.T) {
	c := Load()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	bad := c
	bad.Store.Driver = "postgres"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected unknown store driver to fail")
	}

	bad = c
	bad.Queue.WaitSeconds = 30
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected wait above 20s to fail")
	}

	bad = c
	bad.Redis.Addr = "10.0.0.1:6379,10.0.0.2:6379"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected a seed list of cluster nodes to fail")
	}
}
