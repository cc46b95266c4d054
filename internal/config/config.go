package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for artisync.
type Config struct {
	CollectionID string            `toml:"collection_id"`
	BaseDir      string            `toml:"base_dir"`
	LogDir       string            `toml:"log_dir"`
	Collection   CollectionConfig  `toml:"collection"`
	Projects     []TierConfig      `toml:"projects"`
	Sources      []TierConfig      `toml:"sources"`
	Vaults       []VaultConfig     `toml:"vaults"`
	Encryption   EncryptionConfig  `toml:"encryption"`
	Compression  CompressionConfig `toml:"compression"`
	Database     DatabaseConfig    `toml:"database"`
	Filesystem   FilesystemConfig  `toml:"filesystem"`
	Watch        WatchConfig       `toml:"watch"`
}

// CollectionConfig locates the canonical artifact store.
type CollectionConfig struct {
	Root string `toml:"root"`
}

// TierConfig names a project or source and locates its artifact tree.
type TierConfig struct {
	Name string `toml:"name"`
	Root string `toml:"root"`
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// CompressionConfig selects the codec applied to vault blobs.
type CompressionConfig struct {
	Type string `toml:"type"` // "none", "lz4" or "zstd"
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// WatchConfig tunes the project drift watcher.
type WatchConfig struct {
	DebounceMS int `toml:"debounce_ms"` // defaults to 500
}

// VaultConfig represents configuration for a vault backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // for S3-compatible stores

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// DatabaseConfig represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// NewConfig creates a new Config with a local collection, a filesystem
// vault and a sqlite database, all under baseDir.
func NewConfig(collectionID, baseDir string) *Config {
	return &Config{
		CollectionID: collectionID,
		BaseDir:      baseDir,
		LogDir:       filepath.Join(baseDir, "log"),
		Collection: CollectionConfig{
			Root: filepath.Join(baseDir, "collection"),
		},
		Vaults: []VaultConfig{
			{Type: "filesystem", Name: "local", FSVaultRoot: filepath.Join(baseDir, "vault")},
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "artisync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "artisync.key"),
		},
		Compression: CompressionConfig{Type: "zstd"},
		Database:    DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Filesystem: FilesystemConfig{
			Ignore: []string{".git", ".DS_Store", "node_modules", "__pycache__"},
		},
		Watch: WatchConfig{DebounceMS: 500},
	}
}

// Project returns the named project.
func (c *Config) Project(name string) (TierConfig, error) {
	return findTier(c.Projects, "project", name)
}

// Source returns the named source.
func (c *Config) Source(name string) (TierConfig, error) {
	return findTier(c.Sources, "source", name)
}

func findTier(tiers []TierConfig, kind, name string) (TierConfig, error) {
	for _, t := range tiers {
		if t.Name == name {
			return t, nil
		}
	}
	return TierConfig{}, fmt.Errorf("no %s named %q in config", kind, name)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
// This is an internal helper and should not be exported.
func writeToFile(path string, cfg *Config) error {
	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
