// Package config loads the engine configuration from JSON or YAML files,
// with environment variable fallbacks for containerized deployments.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"flowcore/pkg/utils"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	NodeID string `json:"node_id" yaml:"node_id"`

	FlowFileRepository FlowFileRepositoryConfig `json:"flowfile_repository" yaml:"flowfile_repository"`
	ContentRepository  ContentRepositoryConfig  `json:"content_repository" yaml:"content_repository"`
	Swap               SwapConfig               `json:"swap" yaml:"swap"`
	LoadBalance        LoadBalanceConfig        `json:"load_balance" yaml:"load_balance"`
	Metrics            MetricsConfig            `json:"metrics" yaml:"metrics"`
	TLS                TLSConfig                `json:"tls" yaml:"tls"`
	Connections        []ConnectionConfig       `json:"connections" yaml:"connections"`
}

type FlowFileRepositoryConfig struct {
	Dir string `json:"dir" yaml:"dir"`

	// Volatile keeps FlowFile state in memory only. Nothing survives a
	// restart.
	Volatile bool `json:"volatile" yaml:"volatile"`

	CheckpointInterval string `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	MaxJournalSize     string `json:"max_journal_size" yaml:"max_journal_size"`
}

type ContentRepositoryConfig struct {
	// Containers maps container name to directory path.
	Containers map[string]string `json:"containers" yaml:"containers"`

	SectionsPerContainer   int    `json:"sections_per_container" yaml:"sections_per_container"`
	MaxAppendableClaimSize string `json:"max_appendable_claim_size" yaml:"max_appendable_claim_size"`
}

type SwapConfig struct {
	Dir       string `json:"dir" yaml:"dir"`
	HighWater int    `json:"high_water" yaml:"high_water"`
	LowWater  int    `json:"low_water" yaml:"low_water"`
}

type LoadBalanceConfig struct {
	ListenAddr  string   `json:"listen_addr" yaml:"listen_addr"`
	Peers       []string `json:"peers" yaml:"peers"`
	Compression string   `json:"compression" yaml:"compression"` // none | gzip
	BatchSize   int      `json:"batch_size" yaml:"batch_size"`

	DialsPerSecond   float64 `json:"dials_per_second" yaml:"dials_per_second"`
	FailureThreshold int     `json:"failure_threshold" yaml:"failure_threshold"`
	BreakerCooldown  string  `json:"breaker_cooldown" yaml:"breaker_cooldown"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port" yaml:"port"`
}

type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertPath string `json:"cert_path" yaml:"cert_path"`
	KeyPath  string `json:"key_path" yaml:"key_path"`
	CAPath   string `json:"ca_path" yaml:"ca_path"`
}

type ConnectionConfig struct {
	ID       string `json:"id" yaml:"id"`
	MaxCount int    `json:"max_count" yaml:"max_count"`
	MaxSize  string `json:"max_size" yaml:"max_size"`
}

// Load reads the config file, dispatching on extension (.json, .yaml/.yml).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a configuration from FLOWCORE_* environment variables,
// for deployments without a config file.
func LoadFromEnv() *Config {
	cfg := &Config{
		NodeID: getEnv("FLOWCORE_NODE_ID", ""),
		FlowFileRepository: FlowFileRepositoryConfig{
			Dir:      getEnv("FLOWCORE_FLOWFILE_DIR", "./data/flowfile"),
			Volatile: getEnv("FLOWCORE_VOLATILE", "") == "true",
		},
		ContentRepository: ContentRepositoryConfig{
			Containers: map[string]string{
				"default": getEnv("FLOWCORE_CONTENT_DIR", "./data/content"),
			},
		},
		Swap: SwapConfig{
			Dir: getEnv("FLOWCORE_SWAP_DIR", "./data/swap"),
		},
		LoadBalance: LoadBalanceConfig{
			ListenAddr:  getEnv("FLOWCORE_LB_LISTEN", ":6342"),
			Compression: getEnv("FLOWCORE_LB_COMPRESSION", "gzip"),
		},
	}
	if peers := os.Getenv("FLOWCORE_LB_PEERS"); peers != "" {
		cfg.LoadBalance.Peers = strings.Split(peers, ",")
	}
	if port := os.Getenv("FLOWCORE_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Metrics = MetricsConfig{Enabled: true, Port: p}
		}
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.FlowFileRepository.Dir == "" {
		c.FlowFileRepository.Dir = "./data/flowfile"
	}
	if c.FlowFileRepository.CheckpointInterval == "" {
		c.FlowFileRepository.CheckpointInterval = "2m"
	}
	if c.FlowFileRepository.MaxJournalSize == "" {
		c.FlowFileRepository.MaxJournalSize = "64MiB"
	}
	if len(c.ContentRepository.Containers) == 0 {
		c.ContentRepository.Containers = map[string]string{"default": "./data/content"}
	}
	if c.ContentRepository.SectionsPerContainer <= 0 {
		c.ContentRepository.SectionsPerContainer = 16
	}
	if c.ContentRepository.MaxAppendableClaimSize == "" {
		c.ContentRepository.MaxAppendableClaimSize = "1MiB"
	}
	if c.Swap.Dir == "" {
		c.Swap.Dir = "./data/swap"
	}
	if c.Swap.HighWater <= 0 {
		c.Swap.HighWater = 20000
	}
	if c.Swap.LowWater <= 0 {
		c.Swap.LowWater = 10000
	}
	if c.LoadBalance.ListenAddr == "" {
		c.LoadBalance.ListenAddr = ":6342"
	}
	if c.LoadBalance.Compression == "" {
		c.LoadBalance.Compression = "gzip"
	}
	if c.LoadBalance.BatchSize <= 0 {
		c.LoadBalance.BatchSize = 100
	}
	if c.LoadBalance.FailureThreshold <= 0 {
		c.LoadBalance.FailureThreshold = 3
	}
	if c.LoadBalance.BreakerCooldown == "" {
		c.LoadBalance.BreakerCooldown = "30s"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9402
	}
}

// Validate rejects configurations that cannot possibly run.
func (c *Config) Validate() error {
	switch c.LoadBalance.Compression {
	case "none", "gzip":
	default:
		return fmt.Errorf("unknown load-balance compression %q", c.LoadBalance.Compression)
	}
	if _, err := time.ParseDuration(c.FlowFileRepository.CheckpointInterval); err != nil {
		return fmt.Errorf("invalid checkpoint_interval: %w", err)
	}
	if _, err := time.ParseDuration(c.LoadBalance.BreakerCooldown); err != nil {
		return fmt.Errorf("invalid breaker_cooldown: %w", err)
	}
	if _, err := utils.ParseDataSize(c.FlowFileRepository.MaxJournalSize); err != nil {
		return fmt.Errorf("invalid max_journal_size: %w", err)
	}
	if _, err := utils.ParseDataSize(c.ContentRepository.MaxAppendableClaimSize); err != nil {
		return fmt.Errorf("invalid max_appendable_claim_size: %w", err)
	}
	if c.TLS.Enabled {
		if c.TLS.CertPath == "" || c.TLS.KeyPath == "" || c.TLS.CAPath == "" {
			return fmt.Errorf("tls requires cert_path, key_path, and ca_path")
		}
	}
	for _, conn := range c.Connections {
		if conn.ID == "" {
			return fmt.Errorf("connection with empty id")
		}
		if conn.MaxSize != "" {
			if _, err := utils.ParseDataSize(conn.MaxSize); err != nil {
				return fmt.Errorf("connection %s: invalid max_size: %w", conn.ID, err)
			}
		}
	}
	return nil
}

// CheckpointInterval returns the parsed checkpoint cadence.
func (c *Config) CheckpointInterval() time.Duration {
	d, _ := time.ParseDuration(c.FlowFileRepository.CheckpointInterval)
	return d
}

// BreakerCooldown returns the parsed circuit breaker cooldown.
func (c *Config) BreakerCooldown() time.Duration {
	d, _ := time.ParseDuration(c.LoadBalance.BreakerCooldown)
	return d
}

// MaxJournalBytes returns the parsed journal roll threshold.
func (c *Config) MaxJournalBytes() int64 {
	return utils.ParseDataSizeWithDefault(c.FlowFileRepository.MaxJournalSize, 64*1024*1024)
}

// MaxAppendableClaimBytes returns the parsed resource claim append limit.
func (c *Config) MaxAppendableClaimBytes() int64 {
	return utils.ParseDataSizeWithDefault(c.ContentRepository.MaxAppendableClaimSize, 1024*1024)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
