package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Timing.HeartbeatInterval != 3*time.Second {
		t.Errorf("expected default heartbeat interval 3s, got %v", cfg.Timing.HeartbeatInterval)
	}
	if cfg.Timing.LeaseTimeout != 10*time.Second {
		t.Errorf("expected default lease timeout 10s, got %v", cfg.Timing.LeaseTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDBFile_Default(t *testing.T) {
	cfg := NewDefault()
	cfg.Identity.ServerID = 7

	if got := cfg.DBFile(); got != "chat_7.db" {
		t.Errorf("expected chat_7.db, got %s", got)
	}

	cfg.Storage.DBFile = "/var/lib/replichat/custom.db"
	if got := cfg.DBFile(); got != "/var/lib/replichat/custom.db" {
		t.Errorf("expected explicit path, got %s", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ReplicaConfig)
		wantErr bool
	}{
		{name: "valid defaults", mutate: func(c *ReplicaConfig) {}, wantErr: false},
		{name: "zero server id", mutate: func(c *ReplicaConfig) { c.Identity.ServerID = 0 }, wantErr: true},
		{name: "bad port", mutate: func(c *ReplicaConfig) { c.Identity.ServerPort = 70000 }, wantErr: true},
		{
			name: "lease below 3x heartbeat",
			mutate: func(c *ReplicaConfig) {
				c.Timing.HeartbeatInterval = 5 * time.Second
				c.Timing.LeaseTimeout = 10 * time.Second
			},
			wantErr: true,
		},
		{
			name: "lease exactly 3x heartbeat",
			mutate: func(c *ReplicaConfig) {
				c.Timing.HeartbeatInterval = 3 * time.Second
				c.Timing.LeaseTimeout = 9 * time.Second
			},
			wantErr: false,
		},
		{name: "too few workers", mutate: func(c *ReplicaConfig) { c.Server.MaxWorkers = 2 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestLoadFromFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replica.yaml")

	cfg := NewDefault()
	cfg.Identity.ServerID = 2
	cfg.Identity.ServerPort = 50052
	cfg.Cluster.ReplicaAddresses = []string{"localhost:50051", "localhost:50052"}
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if loaded.Identity.ServerID != 2 || loaded.Identity.ServerPort != 50052 {
		t.Errorf("identity not round-tripped: %+v", loaded.Identity)
	}
	if len(loaded.Cluster.ReplicaAddresses) != 2 {
		t.Errorf("replica addresses not round-tripped: %v", loaded.Cluster.ReplicaAddresses)
	}
	if loaded.MyAddress() != "localhost:50052" {
		t.Errorf("unexpected address %s", loaded.MyAddress())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REPLICHAT_REPLICA_ADDRESSES", "localhost:50051, localhost:50052")
	t.Setenv("REPLICHAT_DB_FILE", "/tmp/override.db")
	t.Setenv("REPLICHAT_HEARTBEAT_INTERVAL", "5")
	t.Setenv("REPLICHAT_LEASE_TIMEOUT", "20")
	t.Setenv("REPLICHAT_INITIAL_LEADER", "yes")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if len(cfg.Cluster.ReplicaAddresses) != 2 || cfg.Cluster.ReplicaAddresses[1] != "localhost:50052" {
		t.Errorf("addresses not parsed: %v", cfg.Cluster.ReplicaAddresses)
	}
	if cfg.Storage.DBFile != "/tmp/override.db" {
		t.Errorf("db file override lost: %s", cfg.Storage.DBFile)
	}
	if cfg.Timing.HeartbeatInterval != 5*time.Second {
		t.Errorf("heartbeat interval not parsed: %v", cfg.Timing.HeartbeatInterval)
	}
	if cfg.Timing.LeaseTimeout != 20*time.Second {
		t.Errorf("lease timeout not parsed: %v", cfg.Timing.LeaseTimeout)
	}
	if !cfg.Identity.InitialLeader {
		t.Error("initial leader flag not parsed")
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")

	content := `instances:
  - server_id: 1
    server_host: localhost
    server_port: 50051
  - server_id: 2
    server_host: localhost
    server_port: 50052
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}

	addrs := m.Addresses()
	if len(addrs) != 2 || addrs[0] != "localhost:50051" || addrs[1] != "localhost:50052" {
		t.Errorf("unexpected addresses: %v", addrs)
	}
}

func TestLoadManifest_Empty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte("instances: []\n"), 0600); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	if _, err := LoadManifest(path); err == nil {
		t.Error("empty manifest should be rejected")
	}
}

func TestClientConfig_ForcesIPv4Loopback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")

	content := `client_connect_host: localhost
client_connect_port: 50051
replica_addresses:
  - 127.0.0.1:50052
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write client config: %v", err)
	}

	cfg := NewDefaultClient()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.ConnectAddress() != "127.0.0.1:50051" {
		t.Errorf("localhost should be rewritten to 127.0.0.1, got %s", cfg.ConnectAddress())
	}
}
