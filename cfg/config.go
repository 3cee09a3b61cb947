package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// TableConfiguration describes one watched table: its key column, an
// optional DDL statement used to create it when missing, and the mapping
// from source column names to the attribute names surfaced to subscribers.
// Columns absent from the mapping keep their source names.
type TableConfiguration struct {
	Name   string            `toml:"name"`
	Key    string            `toml:"key"`
	Schema string            `toml:"schema"`
	Fields map[string]string `toml:"fields"`
}

// Attribute returns the surfaced name for a source column.
func (t *TableConfiguration) Attribute(column string) string {
	if mapped, ok := t.Fields[column]; ok {
		return mapped
	}
	return column
}

// WatchConfiguration controls the changelog poll loop
type WatchConfiguration struct {
	PollIntervalMS  int `toml:"poll_interval_ms"`
	BatchSize       int `toml:"batch_size"`
	MaxPollFailures int `toml:"max_poll_failures"`
}

// DispatchConfiguration controls fan-out buffering and the per-subscriber
// send timeout
type DispatchConfiguration struct {
	BufferSize    int `toml:"buffer_size"`
	SendTimeoutMS int `toml:"send_timeout_ms"`
}

// ServerConfiguration for the HTTP/WebSocket server
type ServerConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
	AuthKey string `toml:"auth_key"`
}

// ChangelogConfiguration controls changelog retention
type ChangelogConfiguration struct {
	RetentionSeconds       int `toml:"retention_seconds"`
	CleanupIntervalSeconds int `toml:"cleanup_interval_seconds"`
}

// SinkConfiguration describes one relay destination
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`        // nats | kafka | stdout
	Format          string   `toml:"format"`      // json | debezium | msgpack
	Compression     string   `toml:"compression"` // none | zstd
	URLs            []string `toml:"urls"`
	TopicPrefix     string   `toml:"topic_prefix"`
	Tables          []string `toml:"tables"` // glob patterns, empty = all
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	MaxRetries      int      `toml:"max_retries"`
}

// RelayConfiguration controls broker fan-out
type RelayConfiguration struct {
	Enabled bool                `toml:"enabled"`
	Sinks   []SinkConfiguration `toml:"sink"`
}

// SimConfiguration controls the demo load simulator
type SimConfiguration struct {
	Enabled    bool    `toml:"enabled"`
	IntervalMS int     `toml:"interval_ms"`
	Symbols    int     `toml:"symbols"`
	Jitter     float64 `toml:"jitter"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"`
	DBPath     string `toml:"db_path"`
	DataDir    string `toml:"data_dir"`
	Seed       bool   `toml:"seed"`

	Tables     []TableConfiguration    `toml:"table"`
	Watch      WatchConfiguration      `toml:"watch"`
	Dispatch   DispatchConfiguration   `toml:"dispatch"`
	Server     ServerConfiguration     `toml:"server"`
	Changelog  ChangelogConfiguration  `toml:"changelog"`
	Relay      RelayConfiguration      `toml:"relay"`
	Sim        SimConfiguration        `toml:"sim"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// TableByName returns the configuration for a watched table, nil if the
// table is not configured.
func (c *Configuration) TableByName(name string) *TableConfiguration {
	for i := range c.Tables {
		if c.Tables[i].Name == name {
			return &c.Tables[i]
		}
	}
	return nil
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DBPathFlag     = flag.String("db", "", "SQLite database path (overrides config)")
	BindFlag       = flag.String("bind", "", "HTTP bind address (overrides config)")
	SimFlag        = flag.Bool("sim", false, "Enable the demo simulator (overrides config)")
	VerboseFlag    = flag.Bool("verbose", false, "Enable debug logging (overrides config)")
	CleanupFlag    = flag.Bool("cleanup", false, "Remove capture triggers and changelog from the database, then exit")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate
	DBPath:     "tablecast.db",
	DataDir:    "./tablecast-data",
	Seed:       true,

	Tables: []TableConfiguration{
		{
			Name:   "quotes",
			Key:    "code",
			Schema: "CREATE TABLE IF NOT EXISTS quotes (code TEXT PRIMARY KEY, name TEXT NOT NULL, price REAL NOT NULL)",
			Fields: map[string]string{
				"code":  "Symbol",
				"name":  "Name",
				"price": "Price",
			},
		},
	},

	Watch: WatchConfiguration{
		PollIntervalMS:  100,
		BatchSize:       512,
		MaxPollFailures: 5,
	},

	Dispatch: DispatchConfiguration{
		BufferSize:    64,
		SendTimeoutMS: 250,
	},

	Server: ServerConfiguration{
		Enabled: true,
		Bind:    "0.0.0.0:8090",
		AuthKey: "",
	},

	Changelog: ChangelogConfiguration{
		RetentionSeconds:       3600, // Keep an hour of consumed entries
		CleanupIntervalSeconds: 60,
	},

	Relay: RelayConfiguration{
		Enabled: false,
		Sinks:   []SinkConfiguration{},
	},

	Sim: SimConfiguration{
		Enabled:    false,
		IntervalMS: 500,
		Symbols:    12,
		Jitter:     0.02,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: false,
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
	if *DBPathFlag != "" {
		Config.DBPath = *DBPathFlag
	}
	if *BindFlag != "" {
		Config.Server.Bind = *BindFlag
	}
	if *SimFlag {
		Config.Sim.Enabled = true
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	// Auto-generate instance ID if not set
	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateInstanceID creates a unique instance ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("tablecast")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

var (
	validSinkTypes   = map[string]bool{"nats": true, "kafka": true, "stdout": true}
	validFormats     = map[string]bool{"json": true, "debezium": true, "msgpack": true}
	validCompression = map[string]bool{"": true, "none": true, "zstd": true}
)

// Validate checks configuration for errors
func Validate() error {
	if Config.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}

	if len(Config.Tables) == 0 {
		return fmt.Errorf("at least one [[table]] is required")
	}

	seen := make(map[string]bool, len(Config.Tables))
	for i := range Config.Tables {
		t := &Config.Tables[i]
		if t.Name == "" {
			return fmt.Errorf("table %d: name is required", i)
		}
		if t.Key == "" {
			return fmt.Errorf("table %s: key column is required", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("table %s: configured twice", t.Name)
		}
		seen[t.Name] = true
	}

	if Config.Watch.PollIntervalMS <= 0 {
		return fmt.Errorf("watch poll_interval_ms must be positive")
	}
	if Config.Watch.BatchSize <= 0 {
		return fmt.Errorf("watch batch_size must be positive")
	}
	if Config.Dispatch.BufferSize <= 0 {
		return fmt.Errorf("dispatch buffer_size must be positive")
	}
	if Config.Dispatch.SendTimeoutMS <= 0 {
		return fmt.Errorf("dispatch send_timeout_ms must be positive")
	}

	if Config.Server.Enabled && Config.Server.Bind == "" {
		return fmt.Errorf("server bind address is required")
	}

	if Config.Relay.Enabled {
		if len(Config.Relay.Sinks) == 0 {
			return fmt.Errorf("relay enabled with no sinks configured")
		}
		names := make(map[string]bool, len(Config.Relay.Sinks))
		for i := range Config.Relay.Sinks {
			s := &Config.Relay.Sinks[i]
			if s.Name == "" {
				return fmt.Errorf("relay sink %d: name is required", i)
			}
			if names[s.Name] {
				return fmt.Errorf("relay sink %s: configured twice", s.Name)
			}
			names[s.Name] = true
			if !validSinkTypes[s.Type] {
				return fmt.Errorf("relay sink %s: unknown type %q", s.Name, s.Type)
			}
			if s.Format != "" && !validFormats[s.Format] {
				return fmt.Errorf("relay sink %s: unknown format %q", s.Name, s.Format)
			}
			if !validCompression[s.Compression] {
				return fmt.Errorf("relay sink %s: unknown compression %q", s.Name, s.Compression)
			}
			if (s.Type == "nats" || s.Type == "kafka") && len(s.URLs) == 0 {
				return fmt.Errorf("relay sink %s: urls are required for %s", s.Name, s.Type)
			}
		}
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("logging format must be console or json")
	}

	return nil
}

// IsAuthEnabled returns true when mutating endpoints require a pre-shared key
func IsAuthEnabled() bool {
	return Config.Server.AuthKey != ""
}

// AuthKey returns the configured pre-shared key
func AuthKey() string {
	return Config.Server.AuthKey
}
