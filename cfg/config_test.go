package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig(dataDir string) *Configuration {
	return &Configuration{
		NodeID:  1,
		DataDir: dataDir,
		Store: StoreConfiguration{
			Backend: StoreMemory,
			Mode:    "tree",
		},
		Binding: BindingConfiguration{
			DebounceMS:      300,
			GraceMS:         5000,
			MaxIdleBindings: 16,
		},
		Attachments: AttachmentConfiguration{
			Folder:     "uploads",
			Collection: "files",
		},
		Blob: BlobConfiguration{
			Backend: BlobMemory,
		},
	}
}

func TestValidate_DefaultConfig(t *testing.T) {
	if err := Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig(t.TempDir())
	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"unknown store", func(c *Configuration) { c.Store.Backend = "etcd" }},
		{"unknown mode", func(c *Configuration) { c.Store.Mode = "graph" }},
		{"negative debounce", func(c *Configuration) { c.Binding.DebounceMS = -1 }},
		{"negative document debounce", func(c *Configuration) { c.Binding.DocumentDebounceMS = -5 }},
		{"negative grace", func(c *Configuration) { c.Binding.GraceMS = -1 }},
		{"no idle bindings", func(c *Configuration) { c.Binding.MaxIdleBindings = 0 }},
		{"empty folder", func(c *Configuration) { c.Attachments.Folder = "" }},
		{"fs without dir", func(c *Configuration) { c.Blob.Backend = BlobFS; c.Blob.Dir = "" }},
		{"unknown blob backend", func(c *Configuration) { c.Blob.Backend = "s3" }},
		{"admin port", func(c *Configuration) { c.Admin.Enabled = true; c.Admin.Port = 70000 }},
		{"feed queue", func(c *Configuration) { c.Feed.Enabled = true; c.Feed.QueueSize = 0 }},
		{"unnamed sink", func(c *Configuration) {
			c.Feed = FeedConfiguration{Enabled: true, QueueSize: 1, Sinks: []SinkConfiguration{{Type: "nats"}}}
		}},
		{"duplicate sink", func(c *Configuration) {
			c.Feed = FeedConfiguration{Enabled: true, QueueSize: 1, Sinks: []SinkConfiguration{
				{Name: "a", Type: "nats"}, {Name: "a", Type: "kafka"},
			}}
		}},
		{"sink without type", func(c *Configuration) {
			c.Feed = FeedConfiguration{Enabled: true, QueueSize: 1, Sinks: []SinkConfiguration{{Name: "a"}}}
		}},
		{"log format", func(c *Configuration) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := Config
			defer func() { Config = original }()

			Config = validConfig(t.TempDir())
			tt.mutate(Config)
			if err := Validate(); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig(filepath.Join(t.TempDir(), "data"))
	Config.NodeID = 0

	if err := Load("non-existent-file.toml"); err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	if Config.NodeID == 0 {
		t.Error("Expected node ID to be auto-generated")
	}
}

func TestLoad_CreateDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "nested", "data")
	Config = validConfig(tempDir)

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
}

func TestLoad_DecodesFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	Config = validConfig(dir)

	path := filepath.Join(dir, "livebind.toml")
	contents := `
node_id = 42
data_dir = "` + filepath.ToSlash(dir) + `"

[store]
backend = "sqlite"
mode = "document"

[binding]
grace_ms = 250

[feed]
enabled = true
queue_size = 8

[[feed.sinks]]
name = "events"
type = "nats"
format = "json"
nats_url = "nats://localhost:4222"
filter_paths = ["rooms/**"]
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.NodeID != 42 {
		t.Errorf("Expected node ID 42, got %d", Config.NodeID)
	}
	if Config.Store.Backend != StoreSQLite || Config.Store.Mode != "document" {
		t.Errorf("Unexpected store config %+v", Config.Store)
	}
	if Config.Binding.GraceMS != 250 {
		t.Errorf("Expected grace 250, got %d", Config.Binding.GraceMS)
	}
	if Config.Binding.MaxIdleBindings != 16 {
		t.Errorf("Expected untouched max idle 16, got %d", Config.Binding.MaxIdleBindings)
	}
	if len(Config.Feed.Sinks) != 1 || Config.Feed.Sinks[0].FilterPaths[0] != "rooms/**" {
		t.Errorf("Unexpected sinks %+v", Config.Feed.Sinks)
	}
	if err := Validate(); err != nil {
		t.Errorf("Expected decoded config to validate, got: %v", err)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	Config = validConfig(dir)
	path := filepath.Join(dir, "broken.toml")
	if err := os.WriteFile(path, []byte("node_id = ["), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Load(path); err == nil {
		t.Error("Expected error for malformed config")
	}
}

func TestGenerateNodeID(t *testing.T) {
	id1, err := generateNodeID()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if id1 == 0 {
		t.Error("Generated node ID should not be 0")
	}

	id2, err := generateNodeID()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if id1 != id2 {
		t.Error("Node ID should be deterministic for same machine")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := t.TempDir()

	*DataDirFlag = tempDir
	*NodeIDFlag = 12345
	*StoreFlag = "sqlite"
	*ModeFlag = "document"
	*AdminPortFlag = 9999
	*VerboseFlag = true

	defer func() {
		*DataDirFlag = ""
		*NodeIDFlag = 0
		*StoreFlag = ""
		*ModeFlag = ""
		*AdminPortFlag = 0
		*VerboseFlag = false
	}()

	Config = validConfig("./default-data")
	Config.NodeID = 0

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.DataDir != tempDir {
		t.Errorf("Expected data dir %s, got %s", tempDir, Config.DataDir)
	}
	if Config.NodeID != 12345 {
		t.Errorf("Expected node ID 12345, got %d", Config.NodeID)
	}
	if Config.Store.Backend != StoreSQLite {
		t.Errorf("Expected sqlite backend, got %s", Config.Store.Backend)
	}
	if Config.Store.Mode != "document" {
		t.Errorf("Expected document mode, got %s", Config.Store.Mode)
	}
	if Config.Admin.Port != 9999 {
		t.Errorf("Expected admin port 9999, got %d", Config.Admin.Port)
	}
	if !Config.Logging.Verbose {
		t.Error("Expected verbose logging")
	}
}

func TestResolve(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig("/var/lib/livebind")
	if got := Resolve("store"); got != filepath.Join("/var/lib/livebind", "store") {
		t.Errorf("Unexpected relative resolve %s", got)
	}
	abs := filepath.Join(t.TempDir(), "blobs")
	if got := Resolve(abs); got != abs {
		t.Errorf("Absolute path changed to %s", got)
	}
	if got := Resolve(""); got != "" {
		t.Errorf("Empty path resolved to %s", got)
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig("./bench-data")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
