package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"tidefs/pkg/utils"
)

type Config struct {
	Coordinator CoordinatorConfig `json:"coordinator"`
}

// CoordinatorConfig holds everything the coordinator process needs. Durations
// are given as strings ("60s", "1h") and sizes in human-readable form
// ("64MB"); both are validated by Resolve.
type CoordinatorConfig struct {
	Address            string `json:"address"`
	DataDir            string `json:"data_dir"`
	LeaseSoftLimit     string `json:"lease_soft_limit"`
	LeaseHardLimit     string `json:"lease_hard_limit"`
	LeaseSweepInterval string `json:"lease_sweep_interval"`
	NodeStaleAfter     string `json:"node_stale_after"`
	NodeDeadAfter      string `json:"node_dead_after"`
	DefaultBlockSize   string `json:"default_block_size"`
	DefaultReplication int    `json:"default_replication"`
	ReplicationMin     int    `json:"replication_min"`
	MetricsAddress     string `json:"metrics_address"`
}

// Settings is the resolved, typed form of CoordinatorConfig.
type Settings struct {
	Address            string
	DataDir            string
	LeaseSoftLimit     time.Duration
	LeaseHardLimit     time.Duration
	LeaseSweepInterval time.Duration
	NodeStaleAfter     time.Duration
	NodeDeadAfter      time.Duration
	DefaultBlockSize   int64
	DefaultReplication int
	ReplicationMin     int
	MetricsAddress     string
}

func Default() CoordinatorConfig {
	return CoordinatorConfig{
		Address:            ":8601",
		DataDir:            "./data",
		LeaseSoftLimit:     "60s",
		LeaseHardLimit:     "1h",
		LeaseSweepInterval: "2s",
		NodeStaleAfter:     "30s",
		NodeDeadAfter:      "10m",
		DefaultBlockSize:   "64MB",
		DefaultReplication: 3,
		ReplicationMin:     1,
		MetricsAddress:     "",
	}
}

// Resolve parses duration and size strings, filling unset fields from the
// defaults.
func (c CoordinatorConfig) Resolve() (Settings, error) {
	def := Default()
	s := Settings{
		Address:            pick(c.Address, def.Address),
		DataDir:            pick(c.DataDir, def.DataDir),
		DefaultReplication: c.DefaultReplication,
		ReplicationMin:     c.ReplicationMin,
		MetricsAddress:     c.MetricsAddress,
	}
	if s.DefaultReplication <= 0 {
		s.DefaultReplication = def.DefaultReplication
	}
	if s.ReplicationMin <= 0 {
		s.ReplicationMin = def.ReplicationMin
	}

	var err error
	for _, d := range []struct {
		dst  *time.Duration
		name string
		val  string
	}{
		{&s.LeaseSoftLimit, "lease_soft_limit", pick(c.LeaseSoftLimit, def.LeaseSoftLimit)},
		{&s.LeaseHardLimit, "lease_hard_limit", pick(c.LeaseHardLimit, def.LeaseHardLimit)},
		{&s.LeaseSweepInterval, "lease_sweep_interval", pick(c.LeaseSweepInterval, def.LeaseSweepInterval)},
		{&s.NodeStaleAfter, "node_stale_after", pick(c.NodeStaleAfter, def.NodeStaleAfter)},
		{&s.NodeDeadAfter, "node_dead_after", pick(c.NodeDeadAfter, def.NodeDeadAfter)},
	} {
		*d.dst, err = time.ParseDuration(d.val)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}

	s.DefaultBlockSize, err = utils.ParseDataSize(pick(c.DefaultBlockSize, def.DefaultBlockSize))
	if err != nil {
		return Settings{}, fmt.Errorf("invalid default_block_size: %w", err)
	}
	if s.DefaultBlockSize <= 0 {
		return Settings{}, fmt.Errorf("default_block_size must be positive")
	}
	if s.LeaseSoftLimit > s.LeaseHardLimit {
		return Settings{}, fmt.Errorf("lease_soft_limit %s exceeds lease_hard_limit %s",
			s.LeaseSoftLimit, s.LeaseHardLimit)
	}
	return s, nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

func LoadFromEnv() *Config {
	def := Default()
	return &Config{
		Coordinator: CoordinatorConfig{
			Address:            getEnv("TIDEFS_ADDRESS", def.Address),
			DataDir:            getEnv("TIDEFS_DATA_DIR", def.DataDir),
			LeaseSoftLimit:     getEnv("TIDEFS_LEASE_SOFT_LIMIT", def.LeaseSoftLimit),
			LeaseHardLimit:     getEnv("TIDEFS_LEASE_HARD_LIMIT", def.LeaseHardLimit),
			LeaseSweepInterval: getEnv("TIDEFS_LEASE_SWEEP_INTERVAL", def.LeaseSweepInterval),
			NodeStaleAfter:     getEnv("TIDEFS_NODE_STALE_AFTER", def.NodeStaleAfter),
			NodeDeadAfter:      getEnv("TIDEFS_NODE_DEAD_AFTER", def.NodeDeadAfter),
			DefaultBlockSize:   getEnv("TIDEFS_BLOCK_SIZE", def.DefaultBlockSize),
			ReplicationMin:     def.ReplicationMin,
			DefaultReplication: def.DefaultReplication,
			MetricsAddress:     getEnv("TIDEFS_METRICS_ADDRESS", def.MetricsAddress),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func pick(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
