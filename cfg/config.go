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

// StoreBackend selects the tree store implementation
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory" // In-process, lost on exit
	StorePebble StoreBackend = "pebble" // Leaf-flattened tree in Pebble
	StoreSQLite StoreBackend = "sqlite" // Documents table in SQLite
)

// BlobBackend selects where attachment bytes live
type BlobBackend string

const (
	BlobMemory BlobBackend = "memory"
	BlobFS     BlobBackend = "fs"
)

// StoreConfiguration controls the backing tree store
type StoreConfiguration struct {
	Backend StoreBackend `toml:"backend"`
	Mode    string       `toml:"mode"` // "tree" or "document"
	Path    string       `toml:"path"` // Relative paths resolve under data_dir
}

// BindingConfiguration controls the live binding cache
type BindingConfiguration struct {
	DebounceMS         int `toml:"debounce_ms"`          // Tree mode commit delay
	DocumentDebounceMS int `toml:"document_debounce_ms"` // Document mode commit delay (0 = immediate)
	GraceMS            int `toml:"grace_ms"`             // Keep idle remote subscriptions open this long
	MaxIdleBindings    int `toml:"max_idle_bindings"`    // Idle entries kept warm
}

// AttachmentConfiguration controls upload records
type AttachmentConfiguration struct {
	Folder       string `toml:"folder"`
	Collection   string `toml:"collection"`
	URLCacheSize int    `toml:"url_cache_size"`
}

// BlobConfiguration controls the blob backend
type BlobConfiguration struct {
	Backend   BlobBackend `toml:"backend"`
	Dir       string      `toml:"dir"`
	Compress  bool        `toml:"compress"`
	PublicURL string      `toml:"public_url"` // Base for download URLs (admin server)
}

// SinkConfiguration describes one commit feed destination
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "nats", "kafka"
	Format          string   `toml:"format"` // "json", "msgpack"
	NatsURL         string   `toml:"nats_url"`
	Brokers         []string `toml:"brokers"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterPaths     []string `toml:"filter_paths"` // Glob patterns; empty matches every path
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// FeedConfiguration controls the commit feed
type FeedConfiguration struct {
	Enabled   bool                `toml:"enabled"`
	QueueSize int                 `toml:"queue_size"` // Commits buffered before the log; overflow is dropped
	Sinks     []SinkConfiguration `toml:"sinks"`
}

// AdminConfiguration controls the admin HTTP server
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	// Secret, when set, is required as a bearer token on every route
	// except blob downloads and /metrics.
	Secret string `toml:"secret"`
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
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Store       StoreConfiguration      `toml:"store"`
	Binding     BindingConfiguration    `toml:"binding"`
	Attachments AttachmentConfiguration `toml:"attachments"`
	Blob        BlobConfiguration       `toml:"blob"`
	Feed        FeedConfiguration       `toml:"feed"`
	Admin       AdminConfiguration      `toml:"admin"`
	Logging     LoggingConfiguration    `toml:"logging"`
	Prometheus  PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "livebind.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	StoreFlag      = flag.String("store", "", "Store backend: memory, pebble or sqlite (overrides config)")
	ModeFlag       = flag.String("mode", "", "Path mode: tree or document (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	VerboseFlag    = flag.Bool("verbose", false, "Enable debug logging")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./livebind-data",

	Store: StoreConfiguration{
		Backend: StorePebble,
		Mode:    "tree",
		Path:    "store",
	},

	Binding: BindingConfiguration{
		DebounceMS:         300,
		DocumentDebounceMS: 0,
		GraceMS:            5000,
		MaxIdleBindings:    256,
	},

	Attachments: AttachmentConfiguration{
		Folder:       "uploads",
		Collection:   "files",
		URLCacheSize: 1024,
	},

	Blob: BlobConfiguration{
		Backend:   BlobFS,
		Dir:       "blobs",
		Compress:  true,
		PublicURL: "http://localhost:8090/blobs",
	},

	Feed: FeedConfiguration{
		Enabled:   false,
		QueueSize: 4096,
	},

	Admin: AdminConfiguration{
		Enabled:     false,
		BindAddress: "127.0.0.1",
		Port:        8090,
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
			log.Debug().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *StoreFlag != "" {
		Config.Store.Backend = StoreBackend(*StoreFlag)
	}
	if *ModeFlag != "" {
		Config.Store.Mode = *ModeFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Debug().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("livebind")
	if err != nil {
		host, herr := os.Hostname()
		if herr != nil {
			return 0, err
		}
		log.Warn().Err(err).Msg("Machine ID unavailable, deriving node ID from hostname")
		id = host
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Store.Backend {
	case StoreMemory, StorePebble, StoreSQLite:
	default:
		return fmt.Errorf("invalid store backend: %q", Config.Store.Backend)
	}

	switch Config.Store.Mode {
	case "", "tree", "document":
	default:
		return fmt.Errorf("invalid store mode: %q", Config.Store.Mode)
	}

	if Config.Binding.DebounceMS < 0 {
		return fmt.Errorf("binding debounce must be >= 0")
	}

	if Config.Binding.DocumentDebounceMS < 0 {
		return fmt.Errorf("binding document debounce must be >= 0")
	}

	if Config.Binding.GraceMS < 0 {
		return fmt.Errorf("binding grace delay must be >= 0")
	}

	if Config.Binding.MaxIdleBindings < 1 {
		return fmt.Errorf("max idle bindings must be >= 1")
	}

	if Config.Attachments.Folder == "" || Config.Attachments.Collection == "" {
		return fmt.Errorf("attachment folder and collection are required")
	}

	switch Config.Blob.Backend {
	case BlobMemory:
	case BlobFS:
		if Config.Blob.Dir == "" {
			return fmt.Errorf("fs blob backend requires dir")
		}
	default:
		return fmt.Errorf("invalid blob backend: %q", Config.Blob.Backend)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Feed.Enabled {
		if Config.Feed.QueueSize < 1 {
			return fmt.Errorf("feed queue size must be >= 1")
		}
		names := make(map[string]bool, len(Config.Feed.Sinks))
		for _, s := range Config.Feed.Sinks {
			if s.Name == "" {
				return fmt.Errorf("feed sink name is required")
			}
			if names[s.Name] {
				return fmt.Errorf("duplicate feed sink name: %s", s.Name)
			}
			names[s.Name] = true
			if s.Type == "" {
				return fmt.Errorf("feed sink %s has no type", s.Name)
			}
		}
	}

	switch Config.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %q", Config.Logging.Format)
	}

	return nil
}

// Resolve returns p as is when absolute, otherwise joined under the data directory
func Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(Config.DataDir, p)
}
