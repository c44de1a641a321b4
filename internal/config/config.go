// Package config loads and validates replica, client, and cluster manifest configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ReplicaConfig represents the complete configuration for one replica process.
type ReplicaConfig struct {
	Identity Identity      `yaml:"identity"`
	Cluster  ClusterConfig `yaml:"cluster"`
	Timing   TimingConfig  `yaml:"timing"`
	Storage  StorageConfig `yaml:"storage"`
	Server   ServerConfig  `yaml:"server"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// Identity identifies this replica within the cluster.
type Identity struct {
	ServerID      int    `yaml:"server_id"`
	ServerHost    string `yaml:"server_host"`
	ServerPort    int    `yaml:"server_port"`
	InitialLeader bool   `yaml:"initial_leader"`
	Join          bool   `yaml:"join"`
}

// ClusterConfig lists the peer replicas.
type ClusterConfig struct {
	ReplicaAddresses []string `yaml:"replica_addresses"`
	ManifestFile     string   `yaml:"manifest_file"`
}

// TimingConfig holds heartbeat and lease timing. LeaseTimeout must exceed
// HeartbeatInterval by enough that one missed heartbeat does not trigger an
// election.
type TimingConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LeaseTimeout      time.Duration `yaml:"lease_timeout"`
	PeerRPCTimeout    time.Duration `yaml:"peer_rpc_timeout"`
	JoinRPCTimeout    time.Duration `yaml:"join_rpc_timeout"`
	JoinLookupBudget  time.Duration `yaml:"join_lookup_budget"`
}

// StorageConfig locates the replica-local store.
type StorageConfig struct {
	DBFile string `yaml:"db_file"`
}

// ServerConfig holds RPC server settings.
type ServerConfig struct {
	MaxWorkers   int           `yaml:"max_workers"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ClientConfig represents the configuration for the client runtime.
type ClientConfig struct {
	ConnectHost      string   `yaml:"client_connect_host"`
	ConnectPort      int      `yaml:"client_connect_port"`
	ReplicaAddresses []string `yaml:"replica_addresses"`

	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	FallbackTimeout     time.Duration `yaml:"fallback_timeout"`
	LeaderLookupTimeout time.Duration `yaml:"overall_leader_lookup_timeout"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	HeartbeatInterval   time.Duration `yaml:"client_heartbeat_interval"`
}

// Manifest lists every configured cluster instance. Joining replicas consult
// it to discover the current leader.
type Manifest struct {
	Instances []ManifestInstance `yaml:"instances"`
}

// ManifestInstance describes one configured replica.
type ManifestInstance struct {
	ServerID   int    `yaml:"server_id"`
	ServerHost string `yaml:"server_host"`
	ServerPort int    `yaml:"server_port"`
}

// Address returns the host:port address of the instance.
func (m ManifestInstance) Address() string {
	return fmt.Sprintf("%s:%d", m.ServerHost, m.ServerPort)
}

// Addresses returns the address list of all instances in the manifest.
func (m *Manifest) Addresses() []string {
	addrs := make([]string, 0, len(m.Instances))
	for _, inst := range m.Instances {
		addrs = append(addrs, inst.Address())
	}
	return addrs
}

// NewDefault returns a replica configuration with sensible defaults.
func NewDefault() *ReplicaConfig {
	return &ReplicaConfig{
		Identity: Identity{
			ServerID:   1,
			ServerHost: "localhost",
			ServerPort: 50051,
		},
		Cluster: ClusterConfig{
			ManifestFile: "manifest.yaml",
		},
		Timing: TimingConfig{
			HeartbeatInterval: 3 * time.Second,
			LeaseTimeout:      10 * time.Second,
			PeerRPCTimeout:    2 * time.Second,
			JoinRPCTimeout:    3 * time.Second,
			JoinLookupBudget:  5 * time.Second,
		},
		Storage: StorageConfig{},
		Server: ServerConfig{
			MaxWorkers:   10,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "localhost:9091",
		},
	}
}

// NewDefaultClient returns a client configuration with sensible defaults.
func NewDefaultClient() *ClientConfig {
	return &ClientConfig{
		ConnectHost:         "127.0.0.1",
		ConnectPort:         50051,
		RPCTimeout:          3 * time.Second,
		FallbackTimeout:     1 * time.Second,
		LeaderLookupTimeout: 5 * time.Second,
		RetryDelay:          1 * time.Second,
		HeartbeatInterval:   5 * time.Second,
	}
}

// MyAddress returns the host:port address this replica serves on.
func (c *ReplicaConfig) MyAddress() string {
	return fmt.Sprintf("%s:%d", c.Identity.ServerHost, c.Identity.ServerPort)
}

// DBFile returns the configured store path, defaulting to chat_<server_id>.db.
func (c *ReplicaConfig) DBFile() string {
	if c.Storage.DBFile != "" {
		return c.Storage.DBFile
	}
	return fmt.Sprintf("chat_%d.db", c.Identity.ServerID)
}

// LoadFromFile loads replica configuration from a YAML file.
func (c *ReplicaConfig) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads replica configuration overrides from environment variables.
func (c *ReplicaConfig) LoadFromEnv() error {
	if val := os.Getenv("REPLICHAT_REPLICA_ADDRESSES"); val != "" {
		c.Cluster.ReplicaAddresses = splitAddressList(val)
	}
	if val := os.Getenv("REPLICHAT_DB_FILE"); val != "" {
		c.Storage.DBFile = val
	}
	if val := os.Getenv("REPLICHAT_HEARTBEAT_INTERVAL"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			c.Timing.HeartbeatInterval = time.Duration(secs) * time.Second
		}
	}
	if val := os.Getenv("REPLICHAT_LEASE_TIMEOUT"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			c.Timing.LeaseTimeout = time.Duration(secs) * time.Second
		}
	}
	if val := os.Getenv("REPLICHAT_SERVER_ID"); val != "" {
		if id, err := strconv.Atoi(val); err == nil {
			c.Identity.ServerID = id
		}
	}
	if val := os.Getenv("REPLICHAT_INITIAL_LEADER"); val != "" {
		c.Identity.InitialLeader = parseBool(val)
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *ReplicaConfig) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the replica configuration.
func (c *ReplicaConfig) Validate() error {
	if c.Identity.ServerID <= 0 {
		return fmt.Errorf("server_id must be greater than 0")
	}

	if c.Identity.ServerPort <= 0 || c.Identity.ServerPort > 65535 {
		return fmt.Errorf("server_port out of range: %d", c.Identity.ServerPort)
	}

	if c.Timing.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}

	// A single missed heartbeat must not expire the lease.
	if c.Timing.LeaseTimeout < 3*c.Timing.HeartbeatInterval {
		return fmt.Errorf("lease_timeout (%v) must be at least 3x heartbeat_interval (%v)",
			c.Timing.LeaseTimeout, c.Timing.HeartbeatInterval)
	}

	if c.Server.MaxWorkers < 10 {
		return fmt.Errorf("max_workers must be at least 10, got %d", c.Server.MaxWorkers)
	}

	return nil
}

// LoadFromFile loads client configuration from a YAML file.
func (c *ClientConfig) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read client config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse client config file: %w", err)
	}

	// Force IPv4 loopback so discovery results match configured addresses.
	if c.ConnectHost == "localhost" {
		c.ConnectHost = "127.0.0.1"
	}

	return nil
}

// ConnectAddress returns the initial leader guess address.
func (c *ClientConfig) ConnectAddress() string {
	return fmt.Sprintf("%s:%d", c.ConnectHost, c.ConnectPort)
}

// LoadManifest loads the cluster manifest from a YAML file.
func LoadManifest(filename string) (*Manifest, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest file: %w", err)
	}

	if len(m.Instances) == 0 {
		return nil, fmt.Errorf("manifest lists no instances")
	}

	return &m, nil
}

func splitAddressList(val string) []string {
	parts := strings.Split(val, ",")
	addrs := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	return addrs
}

func parseBool(val string) bool {
	switch strings.ToLower(val) {
	case "true", "1", "yes":
		return true
	}
	return false
}
