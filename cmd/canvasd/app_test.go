package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"pkt.systems/canvasd"
	"pkt.systems/pslog"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestBindConfigDefaultsValidate(t *testing.T) {
	resetViper(t)
	_ = newRootCommand(pslog.NewStructured(io.Discard))

	var cfg canvasd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Listen != canvasd.DefaultListen {
		t.Fatalf("expected default listen, got %q", cfg.Listen)
	}
	if cfg.Store != canvasd.DefaultStore {
		t.Fatalf("expected default store, got %q", cfg.Store)
	}
	if cfg.SweepInterval != canvasd.DefaultLockTTL/2 {
		t.Fatalf("expected derived sweep interval, got %v", cfg.SweepInterval)
	}
}

func TestBindConfigReadsConfigFile(t *testing.T) {
	resetViper(t)
	_ = newRootCommand(pslog.NewStructured(io.Discard))

	dir := t.TempDir()
	path := filepath.Join(dir, "canvasd.yaml")
	contents := "listen: \":9555\"\nstore: bolt://" + filepath.Join(dir, "canvases.db") + "\nlock-ttl: 5s\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	viper.Set("config", path)

	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if loaded == "" {
		t.Fatal("expected config file to load")
	}

	var cfg canvasd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Listen != ":9555" {
		t.Fatalf("expected listen from config file, got %q", cfg.Listen)
	}
	if cfg.LockTTL != 5*time.Second {
		t.Fatalf("expected lock ttl from config file, got %v", cfg.LockTTL)
	}
}

func TestLoadConfigFileRejectsDirectory(t *testing.T) {
	resetViper(t)
	_ = newRootCommand(pslog.NewStructured(io.Discard))
	viper.Set("config", t.TempDir())
	if _, err := loadConfigFile(); err == nil {
		t.Fatal("expected error for directory config path")
	}
}
