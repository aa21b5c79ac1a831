package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// WriteMode controls how map mutations reach the external store
type WriteMode string

const (
	WriteModeNone         WriteMode = "none"          // In-memory only
	WriteModeWriteThrough WriteMode = "write-through" // Store synchronously before applying
	WriteModeWriteBehind  WriteMode = "write-behind"  // Queue and flush asynchronously
)

// InitialLoadMode controls cold-start population from the external store
type InitialLoadMode string

const (
	InitialLoadLazy  InitialLoadMode = "lazy"  // Load on first Get (read-through)
	InitialLoadEager InitialLoadMode = "eager" // Load every key at startup
)

// StoreType selects the external store backend
type StoreType string

const (
	StoreMemory StoreType = "memory"
	StoreMongo  StoreType = "mongo"
	StorePebble StoreType = "pebble"
	StoreSQL    StoreType = "sql"
)

// MapConfiguration controls the in-memory map
type MapConfiguration struct {
	Name              string          `toml:"name"`
	Partitions        int             `toml:"partitions"`
	WriteMode         WriteMode       `toml:"write_mode"`
	ReadThrough       bool            `toml:"read_through"`
	InitialLoad       InitialLoadMode `toml:"initial_load"`
	KeyFilter         bool            `toml:"key_filter"`          // Skip external loads for keys known to be absent
	NaturalEventTypes bool            `toml:"natural_event_types"` // Translate updates crossing a predicate boundary into added/removed
}

// WriteBehindConfiguration controls the write-behind queue and flusher
type WriteBehindConfiguration struct {
	BatchSize         int  `toml:"batch_size"`        // Max records per flush/store call
	FlushIntervalMS   int  `toml:"flush_interval_ms"` // Periodic drain trigger
	RetryLimit        int  `toml:"retry_limit"`       // Attempts before dead-lettering
	BackoffInitialMS  int  `toml:"backoff_initial_ms"`
	BackoffMaxMS      int  `toml:"backoff_max_ms"`
	Journal           bool `toml:"journal"` // Persist pending records under data_dir
	ShutdownTimeoutMS int  `toml:"shutdown_timeout_ms"`
}

// MongoConfiguration for the MongoDB document store backend
type MongoConfiguration struct {
	URL        string `toml:"url"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
}

// PebbleConfiguration for the embedded pebble backend
type PebbleConfiguration struct {
	Path              string `toml:"path"`
	CompressThreshold int    `toml:"compress_threshold"` // Values larger than this are zstd compressed (0 = never)
}

// SQLConfiguration for the SQL table backend
type SQLConfiguration struct {
	Driver string `toml:"driver"` // "sqlite3" or "mysql"
	DSN    string `toml:"dsn"`
	Table  string `toml:"table"`
}

// StoreConfiguration controls the external store adapter
type StoreConfiguration struct {
	Type             StoreType           `toml:"type"`
	ConnectTimeoutMS int                 `toml:"connect_timeout_ms"`
	CallTimeoutMS    int                 `toml:"call_timeout_ms"`
	BatchSize        int                 `toml:"batch_size"`
	Mongo            MongoConfiguration  `toml:"mongo"`
	Pebble           PebbleConfiguration `toml:"pebble"`
	SQL              SQLConfiguration    `toml:"sql"`
}

// SinkConfiguration configures an event forwarding sink
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"` // "kafka" or "nats"
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	Topic           string   `toml:"topic"`
	Format          string   `toml:"format"`      // Transformer format, empty = "json"
	FilterKeys      []string `toml:"filter_keys"` // Glob patterns, empty = all keys
	Kinds           []string `toml:"kinds"`       // Empty = all kinds
	IncludeValue    bool     `toml:"include_value"`
	BatchSize       int      `toml:"batch_size"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	MaxRetries      int      `toml:"max_retries"`
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

// AdminConfiguration for the admin HTTP endpoints (served next to /metrics)
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Secret  string `toml:"secret"` // Required in X-Driftmap-Secret or Bearer header when set
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Map         MapConfiguration         `toml:"map"`
	WriteBehind WriteBehindConfiguration `toml:"write_behind"`
	Store       StoreConfiguration       `toml:"store"`
	Sinks       []SinkConfiguration      `toml:"sinks"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
	Admin       AdminConfiguration       `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	StoreTypeFlag  = flag.String("store", "", "Store type (overrides config)")
	HTTPPortFlag   = flag.Int("http-port", 0, "Metrics/admin HTTP port (overrides config)")
)

// Default returns the default configuration
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./driftmap-data",

		Map: MapConfiguration{
			Name:              "default",
			Partitions:        271,
			WriteMode:         WriteModeWriteBehind,
			ReadThrough:       true,
			InitialLoad:       InitialLoadLazy,
			KeyFilter:         false,
			NaturalEventTypes: false,
		},

		WriteBehind: WriteBehindConfiguration{
			BatchSize:         100,
			FlushIntervalMS:   1000,
			RetryLimit:        5,
			BackoffInitialMS:  100,
			BackoffMaxMS:      30000,
			Journal:           true,
			ShutdownTimeoutMS: 10000,
		},

		Store: StoreConfiguration{
			Type:             StoreMemory,
			ConnectTimeoutMS: 5000,
			CallTimeoutMS:    2000,
			BatchSize:        500,
			Mongo: MongoConfiguration{
				URL:        "mongodb://localhost:27017",
				Database:   "driftmap",
				Collection: "entries",
			},
			Pebble: PebbleConfiguration{
				CompressThreshold: 1024,
			},
			SQL: SQLConfiguration{
				Driver: "sqlite3",
				Table:  "entries",
			},
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

		Admin: AdminConfiguration{
			Enabled: true,
		},
	}
}

// Config is the process-wide configuration
var Config = Default()

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
	if *StoreTypeFlag != "" {
		Config.Store.Type = StoreType(*StoreTypeFlag)
	}
	if *HTTPPortFlag != 0 {
		Config.Prometheus.Port = *HTTPPortFlag
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

	if Config.Store.Type == StorePebble && Config.Store.Pebble.Path == "" {
		Config.Store.Pebble.Path = filepath.Join(Config.DataDir, "store")
	}
	if Config.Store.Type == StoreSQL && Config.Store.SQL.Driver == "sqlite3" && Config.Store.SQL.DSN == "" {
		Config.Store.SQL.DSN = "file:" + filepath.Join(Config.DataDir, "store.db") + "?_journal_mode=WAL"
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("driftmap")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	return Config.Validate()
}

// Validate checks c for errors
func (c *Configuration) Validate() error {
	if c.Map.Partitions < 1 {
		return fmt.Errorf("map partitions must be >= 1")
	}

	switch c.Map.WriteMode {
	case WriteModeNone, WriteModeWriteThrough, WriteModeWriteBehind:
	default:
		return fmt.Errorf("invalid write mode: %s", c.Map.WriteMode)
	}

	switch c.Map.InitialLoad {
	case InitialLoadLazy, InitialLoadEager:
	default:
		return fmt.Errorf("invalid initial load mode: %s", c.Map.InitialLoad)
	}

	// Validate write-behind configuration
	if c.Map.WriteMode == WriteModeWriteBehind {
		if c.WriteBehind.BatchSize < 1 {
			return fmt.Errorf("write-behind batch size must be >= 1")
		}
		if c.WriteBehind.FlushIntervalMS < 1 {
			return fmt.Errorf("write-behind flush interval must be >= 1ms")
		}
		if c.WriteBehind.RetryLimit < 1 {
			return fmt.Errorf("write-behind retry limit must be >= 1")
		}
		if c.WriteBehind.BackoffInitialMS < 0 || c.WriteBehind.BackoffMaxMS < 0 {
			return fmt.Errorf("write-behind backoff must be >= 0")
		}
		if c.WriteBehind.ShutdownTimeoutMS < 1 {
			return fmt.Errorf("write-behind shutdown timeout must be >= 1ms")
		}
	}

	// Validate store configuration
	switch c.Store.Type {
	case StoreMemory:
	case StoreMongo:
		if c.Store.Mongo.URL == "" || c.Store.Mongo.Database == "" || c.Store.Mongo.Collection == "" {
			return fmt.Errorf("mongo store requires url, database and collection")
		}
	case StorePebble:
		if c.Store.Pebble.Path == "" {
			return fmt.Errorf("pebble store requires path")
		}
	case StoreSQL:
		if c.Store.SQL.Driver != "sqlite3" && c.Store.SQL.Driver != "mysql" {
			return fmt.Errorf("invalid sql driver: %s", c.Store.SQL.Driver)
		}
		if c.Store.SQL.DSN == "" || c.Store.SQL.Table == "" {
			return fmt.Errorf("sql store requires dsn and table")
		}
	default:
		return fmt.Errorf("invalid store type: %s", c.Store.Type)
	}

	if c.Store.ConnectTimeoutMS < 1 {
		return fmt.Errorf("store connect timeout must be >= 1ms")
	}
	if c.Store.CallTimeoutMS < 1 {
		return fmt.Errorf("store call timeout must be >= 1ms")
	}
	if c.Store.BatchSize < 1 {
		return fmt.Errorf("store batch size must be >= 1")
	}

	// Validate sinks
	seen := make(map[string]bool, len(c.Sinks))
	for i, s := range c.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sink %d: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate sink name: %s", s.Name)
		}
		seen[s.Name] = true
		if s.Type == "" {
			return fmt.Errorf("sink %q: type is required", s.Name)
		}
		if s.Topic == "" {
			return fmt.Errorf("sink %q: topic is required", s.Name)
		}
	}

	if c.Prometheus.Enabled && (c.Prometheus.Port < 1 || c.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", c.Prometheus.Port)
	}

	return nil
}
