package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		CollectionID: "default",
		BaseDir:      "/home/user/.local/share/artisync",
		LogDir:       "/home/user/.local/share/artisync/log",
		Collection:   CollectionConfig{Root: "/home/user/.local/share/artisync/collection"},
		Projects: []TierConfig{
			{Name: "web", Root: "/work/web/.claude"},
		},
		Sources: []TierConfig{
			{Name: "upstream", Root: "/src/skills"},
		},
		Vaults: []VaultConfig{
			{Type: "filesystem", Name: "local", FSVaultRoot: "/backup/vault"},
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  "/home/user/.local/share/artisync/keys/artisync.pub",
			PrivateKeyPath: "/home/user/.local/share/artisync/keys/artisync.key",
		},
		Compression: CompressionConfig{Type: "lz4"},
		Database:    DatabaseConfig{Type: "sqlite", DataDir: "/home/user/.local/share/artisync/db"},
		Filesystem: FilesystemConfig{
			Ignore: []string{"*.log", ".git"},
		},
		Watch: WatchConfig{DebounceMS: 250},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.CollectionID != original.CollectionID {
		t.Errorf("CollectionID = %q, want %q", got.CollectionID, original.CollectionID)
	}
	if got.Collection.Root != original.Collection.Root {
		t.Errorf("Collection.Root = %q, want %q", got.Collection.Root, original.Collection.Root)
	}
	if len(got.Projects) != 1 || got.Projects[0].Root != "/work/web/.claude" {
		t.Errorf("Projects = %+v, want one project at /work/web/.claude", got.Projects)
	}
	if len(got.Sources) != 1 || got.Sources[0].Name != "upstream" {
		t.Errorf("Sources = %+v, want one source named upstream", got.Sources)
	}
	if len(got.Vaults) != 1 {
		t.Fatalf("len(Vaults) = %d, want 1", len(got.Vaults))
	}
	if got.Vaults[0].FSVaultRoot != "/backup/vault" {
		t.Errorf("Vault.FSVaultRoot = %q, want %q", got.Vaults[0].FSVaultRoot, "/backup/vault")
	}
	if got.Encryption.Type != "age" {
		t.Errorf("Encryption.Type = %q, want %q", got.Encryption.Type, "age")
	}
	if got.Compression.Type != "lz4" {
		t.Errorf("Compression.Type = %q, want %q", got.Compression.Type, "lz4")
	}
	if got.Database.Type != "sqlite" {
		t.Errorf("Database.Type = %q, want %q", got.Database.Type, "sqlite")
	}
	if len(got.Filesystem.Ignore) != 2 {
		t.Fatalf("len(Filesystem.Ignore) = %d, want 2", len(got.Filesystem.Ignore))
	}
	if got.Watch.DebounceMS != 250 {
		t.Errorf("Watch.DebounceMS = %d, want 250", got.Watch.DebounceMS)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("default", "/data/artisync")

	if cfg.CollectionID != "default" {
		t.Errorf("CollectionID = %q, want %q", cfg.CollectionID, "default")
	}
	if cfg.LogDir != "/data/artisync/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/artisync/log")
	}
	if cfg.Collection.Root != "/data/artisync/collection" {
		t.Errorf("Collection.Root = %q, want %q", cfg.Collection.Root, "/data/artisync/collection")
	}
	if len(cfg.Vaults) != 1 || cfg.Vaults[0].FSVaultRoot != "/data/artisync/vault" {
		t.Errorf("Vaults = %+v, want filesystem vault under base dir", cfg.Vaults)
	}
	if cfg.Encryption.PublicKeyPath != "/data/artisync/keys/artisync.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q", cfg.Encryption.PublicKeyPath)
	}
	if cfg.Database.DataDir != "/data/artisync/db" {
		t.Errorf("Database.DataDir = %q, want %q", cfg.Database.DataDir, "/data/artisync/db")
	}
}

func TestConfig_ProjectAndSource(t *testing.T) {
	cfg := NewConfig("default", "/data/artisync")
	cfg.Projects = []TierConfig{{Name: "web", Root: "/work/web"}}
	cfg.Sources = []TierConfig{{Name: "upstream", Root: "/src"}}

	p, err := cfg.Project("web")
	if err != nil {
		t.Fatalf("Project() error = %v", err)
	}
	if p.Root != "/work/web" {
		t.Errorf("Project().Root = %q, want /work/web", p.Root)
	}

	if _, err := cfg.Project("api"); err == nil {
		t.Error("Project() expected error for unknown project")
	}

	s, err := cfg.Source("upstream")
	if err != nil {
		t.Fatalf("Source() error = %v", err)
	}
	if s.Root != "/src" {
		t.Errorf("Source().Root = %q, want /src", s.Root)
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "artisync.toml")
		cfg := NewConfig("c1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "artisync.toml")
		cfg := NewConfig("c1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "artisync.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.CollectionID != "read-test" {
			t.Errorf("CollectionID = %q, want %q", got.CollectionID, "read-test")
		}
		if got.Database.Type != "memory" {
			t.Errorf("Database.Type = %q, want memory", got.Database.Type)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/artisync.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
