// Package config loads the node's structured configuration from a YAML
// file, with ${VAR} environment-variable substitution for secrets, plus a
// handful of env-var overrides for values operators commonly inject at
// deploy time rather than bake into the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the node's complete startup configuration.
type NodeConfig struct {
	Chain            ChainConfig       `yaml:"chain"`
	Containers       []ContainerConfig `yaml:"containers"`
	Redis            RedisConfig       `yaml:"redis"`
	Postgres         PostgresConfig    `yaml:"postgres"`
	Server           ServerConfig      `yaml:"server"`
	ManageContainers bool              `yaml:"manage_containers"`
	StartupWait      Duration          `yaml:"startup_wait"`
	ForwardStats     bool              `yaml:"forward_stats"`
	Log              LogConfig         `yaml:"log"`
}

// ChainConfig controls whether the node tracks and delivers to the
// coordinator contract at all, and how.
type ChainConfig struct {
	Enabled             bool               `yaml:"enabled"`
	RPCURL              string             `yaml:"rpc_url"`
	ChainID             int64              `yaml:"chain_id"`
	TrailHeadBlocks     uint64             `yaml:"trail_head_blocks"`
	RegistryAddress     string             `yaml:"registry_address"`
	WalletFactoryAddress string            `yaml:"wallet_factory_address"`
	Wallet              WalletConfig       `yaml:"wallet"`
	SnapshotSync        SnapshotSyncConfig `yaml:"snapshot_sync"`
}

// WalletConfig is the signing key and guardrails around on-chain delivery.
type WalletConfig struct {
	PrivateKey       string   `yaml:"private_key"`
	MaxGasLimit      uint64   `yaml:"max_gas_limit"`
	PaymentAddress   string   `yaml:"payment_address"`
	AllowedSimErrors []string `yaml:"allowed_sim_errors"`
}

// SnapshotSyncConfig drives the listener's catch-up sweep.
type SnapshotSyncConfig struct {
	Sleep         Duration `yaml:"sleep"`
	BatchSize     uint32   `yaml:"batch_size"`
	StartingSubID uint32   `yaml:"starting_sub_id"`
	SyncPeriod    Duration `yaml:"sync_period"`
}

// ContainerConfig describes one compute container the orchestrator can
// route jobs to, and (if manage_containers is set) that the node itself
// starts and stops.
type ContainerConfig struct {
	ID                       string            `yaml:"id"`
	Image                    string            `yaml:"image"`
	Port                     int               `yaml:"port"`
	URL                      string            `yaml:"url"`
	Bearer                   string            `yaml:"bearer"`
	Env                      map[string]string `yaml:"env"`
	Command                  []string          `yaml:"command"`
	Volumes                  []string          `yaml:"volumes"`
	GPU                      bool              `yaml:"gpu"`
	AllowedIPs               []string          `yaml:"allowed_ips"`
	AllowedAddresses         []string          `yaml:"allowed_addresses"`
	AllowedDelegateAddresses []string          `yaml:"allowed_delegate_addresses"`
	// AcceptedPayments maps a hex payment token address (the zero address
	// for the chain's native asset) to the minimum amount, in the token's
	// base units, this container requires per response. A decimal string
	// since YAML has no native bigint.
	AcceptedPayments map[string]string `yaml:"accepted_payments"`
	External         bool              `yaml:"external"`
	GeneratesProofs  bool              `yaml:"generates_proofs"`
	Description      string            `yaml:"description"`
}

// RedisConfig addresses the pending-job backing store.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PostgresConfig addresses the completed-job backing store. Not part of
// the distilled external-interfaces list but required to back the
// persistent half of the Data Store (see DESIGN.md).
type PostgresConfig struct {
	URL         string   `yaml:"url"`
	MaxConns    int      `yaml:"max_conns"`
	MinConns    int      `yaml:"min_conns"`
	MaxIdleTime Duration `yaml:"max_idle_time"`
	MaxLifetime Duration `yaml:"max_lifetime"`
}

// ServerConfig is the REST collaborator surface's listen port and
// per-IP rate limit.
type ServerConfig struct {
	Port      int             `yaml:"port"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig expresses "num_requests per period seconds".
type RateLimitConfig struct {
	NumRequests int      `yaml:"num_requests"`
	Period      Duration `yaml:"period"`
}

// LogConfig controls the rotating file logger.
type LogConfig struct {
	Path        string `yaml:"path"`
	MaxFileSize int    `yaml:"max_file_size"`
	BackupCount int    `yaml:"backup_count"`
}

// Load reads path, substitutes ${VAR} references against the process
// environment, and unmarshals the result into a NodeConfig.
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg NodeConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyOverrides()
	cfg.applyDefaults()
	return &cfg, nil
}

// applyOverrides lets a handful of deploy-time env vars win over whatever
// is in the file, for settings operators commonly inject via the
// container runtime rather than bake into a checked-in config file.
func (c *NodeConfig) applyOverrides() {
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := getEnvInt("REDIS_PORT", 0); v != 0 {
		c.Redis.Port = v
	}
	if v := os.Getenv("CHAIN_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("WALLET_PRIVATE_KEY"); v != "" {
		c.Chain.Wallet.PrivateKey = v
	}
}

func (c *NodeConfig) applyDefaults() {
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimit.NumRequests == 0 {
		c.Server.RateLimit.NumRequests = 60
	}
	if c.Server.RateLimit.Period == 0 {
		c.Server.RateLimit.Period = Duration(time.Minute)
	}
	if c.Chain.SnapshotSync.Sleep == 0 {
		c.Chain.SnapshotSync.Sleep = Duration(time.Second)
	}
	if c.Chain.SnapshotSync.BatchSize == 0 {
		c.Chain.SnapshotSync.BatchSize = 50
	}
	if c.Chain.SnapshotSync.SyncPeriod == 0 {
		c.Chain.SnapshotSync.SyncPeriod = Duration(10 * time.Second)
	}
	if c.Chain.TrailHeadBlocks == 0 {
		c.Chain.TrailHeadBlocks = 3
	}
	if c.Log.MaxFileSize == 0 {
		c.Log.MaxFileSize = 10 * 1024 * 1024
	}
	if c.Log.BackupCount == 0 {
		c.Log.BackupCount = 3
	}
}

// Validate enforces the node's two startup failure modes: a container
// declared without an image when the node is expected to start it, and an
// enabled chain component missing any of its three mandatory fields.
func (c *NodeConfig) Validate() error {
	var problems []string

	if c.ManageContainers {
		for _, ct := range c.Containers {
			if ct.Image == "" {
				problems = append(problems, fmt.Sprintf("containers[%s].image is required when manage_containers is true", ct.ID))
			}
		}
	}

	if c.Chain.Enabled {
		if c.Chain.RPCURL == "" {
			problems = append(problems, "chain.rpc_url is required when chain.enabled is true")
		}
		if c.Chain.RegistryAddress == "" {
			problems = append(problems, "chain.registry_address is required when chain.enabled is true")
		}
		if c.Chain.Wallet.PrivateKey == "" {
			problems = append(problems, "chain.wallet.private_key is required when chain.enabled is true")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
