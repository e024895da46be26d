package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// LogConfiguration controls the append log storage engine
type LogConfiguration struct {
	SegmentSize      int64 `toml:"segment_size"`       // Entries per log segment
	CompressMinBytes int   `toml:"compress_min_bytes"` // Payloads at/above this size are zstd compressed
	EntryCacheSize   int   `toml:"entry_cache_size"`   // LRU cache of recently appended entries
}

// DedupConfiguration controls broker-side message deduplication
type DedupConfiguration struct {
	Enabled                          bool   `toml:"enabled"`
	EntriesInterval                  int    `toml:"entries_interval"`                    // Persisted entries between snapshots
	MaxNumberOfProducers             int    `toml:"max_number_of_producers"`             // Cap on snapshot size
	ProducerInactivityTimeoutMinutes int    `toml:"producer_inactivity_timeout_minutes"` // Purge cutoff
	SnapshotIntervalSeconds          int    `toml:"snapshot_interval_seconds"`           // Time-based snapshots; 0 disables
	ReplicatorPrefix                 string `toml:"replicator_prefix"`                   // Producer-name prefix marking remote producers
	PurgeIntervalMinutes             int    `toml:"purge_interval_minutes"`              // How often to sweep inactive producers
}

// TopicPolicyConfiguration overrides broker defaults for topics matching a glob pattern
type TopicPolicyConfiguration struct {
	Pattern                 string `toml:"pattern"`
	DedupEnabled            *bool  `toml:"dedup_enabled"`
	SnapshotIntervalSeconds *int   `toml:"snapshot_interval_seconds"`

	compiled glob.Glob
}

// IngressConfiguration for the NATS produce endpoint
type IngressConfiguration struct {
	Enabled       bool   `toml:"enabled"`
	NatsURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
	QueueGroup    string `toml:"queue_group"`
}

// ReplFeedConfiguration for the Kafka replication feed
type ReplFeedConfiguration struct {
	Enabled    bool     `toml:"enabled"`
	Brokers    []string `toml:"brokers"`
	KafkaTopic string   `toml:"kafka_topic"`
	Group      string   `toml:"group"`
	MinBytes   int      `toml:"min_bytes"`
	MaxBytes   int      `toml:"max_bytes"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Log        LogConfiguration           `toml:"log"`
	Dedup      DedupConfiguration         `toml:"dedup"`
	Topics     []TopicPolicyConfiguration `toml:"topics"`
	Ingress    IngressConfiguration       `toml:"ingress"`
	ReplFeed   ReplFeedConfiguration      `toml:"replfeed"`
	Logging    LoggingConfiguration       `toml:"logging"`
	Prometheus PrometheusConfiguration    `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	NatsURLFlag    = flag.String("nats-url", "", "NATS URL for the produce endpoint (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./petrel-data",

	Log: LogConfiguration{
		SegmentSize:      1024,
		CompressMinBytes: 512,
		EntryCacheSize:   4096,
	},

	Dedup: DedupConfiguration{
		Enabled:                          true,
		EntriesInterval:                  1000,
		MaxNumberOfProducers:             10000,
		ProducerInactivityTimeoutMinutes: 360,
		SnapshotIntervalSeconds:          120,
		ReplicatorPrefix:                 "petrel.repl.",
		PurgeIntervalMinutes:             60,
	},

	Ingress: IngressConfiguration{
		Enabled:       true,
		NatsURL:       "nats://127.0.0.1:4222",
		SubjectPrefix: "petrel",
		QueueGroup:    "petrel-brokers",
	},

	ReplFeed: ReplFeedConfiguration{
		Enabled:    false,
		Brokers:    []string{"127.0.0.1:9092"},
		KafkaTopic: "petrel-repl",
		Group:      "petrel-repl",
		MinBytes:   1,
		MaxBytes:   10 << 20,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *NatsURLFlag != "" {
		Config.Ingress.NatsURL = *NatsURLFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("petrel")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors and compiles topic patterns
func Validate() error {
	if Config.Log.SegmentSize < 1 {
		return fmt.Errorf("log segment size must be >= 1")
	}

	if Config.Log.CompressMinBytes < 0 {
		return fmt.Errorf("log compress threshold must be >= 0")
	}

	if Config.Log.EntryCacheSize < 1 {
		return fmt.Errorf("log entry cache size must be >= 1")
	}

	if Config.Dedup.EntriesInterval < 1 {
		return fmt.Errorf("dedup entries interval must be >= 1")
	}

	if Config.Dedup.MaxNumberOfProducers < 1 {
		return fmt.Errorf("dedup max number of producers must be >= 1")
	}

	if Config.Dedup.ProducerInactivityTimeoutMinutes < 1 {
		return fmt.Errorf("dedup producer inactivity timeout must be >= 1 minute")
	}

	if Config.Dedup.PurgeIntervalMinutes < 1 {
		return fmt.Errorf("dedup purge interval must be >= 1 minute")
	}

	if Config.Dedup.ReplicatorPrefix == "" {
		return fmt.Errorf("dedup replicator prefix must not be empty")
	}

	for i := range Config.Topics {
		p := &Config.Topics[i]
		if p.Pattern == "" {
			return fmt.Errorf("topic policy %d: pattern must not be empty", i)
		}
		g, err := glob.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("topic policy %d: invalid pattern %q: %w", i, p.Pattern, err)
		}
		p.compiled = g
	}

	if Config.Ingress.Enabled && Config.Ingress.NatsURL == "" {
		return fmt.Errorf("ingress requires nats_url")
	}

	if Config.Ingress.Enabled && Config.Ingress.SubjectPrefix == "" {
		return fmt.Errorf("ingress requires subject_prefix")
	}

	if Config.ReplFeed.Enabled {
		if len(Config.ReplFeed.Brokers) == 0 {
			return fmt.Errorf("replication feed requires at least one broker")
		}
		if Config.ReplFeed.KafkaTopic == "" {
			return fmt.Errorf("replication feed requires kafka_topic")
		}
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}

// Match reports whether the policy's glob pattern matches the topic name.
// Validate must have been called first.
func (p *TopicPolicyConfiguration) Match(topicName string) bool {
	if p.compiled == nil {
		return false
	}
	return p.compiled.Match(topicName)
}

// TopicPolicyFor returns the first matching per-topic policy override, or nil.
func TopicPolicyFor(topicName string) *TopicPolicyConfiguration {
	for i := range Config.Topics {
		if Config.Topics[i].Match(topicName) {
			return &Config.Topics[i]
		}
	}
	return nil
}
