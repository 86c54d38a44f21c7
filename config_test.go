package canvasd

import (
	"testing"
	"time"
)

func TestValidateFillsDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate zero config: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected default listen, got %q", cfg.Listen)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("expected default store, got %q", cfg.Store)
	}
	if cfg.LockTTL != DefaultLockTTL {
		t.Fatalf("expected default lock ttl, got %v", cfg.LockTTL)
	}
	if cfg.SweepInterval != DefaultLockTTL/2 {
		t.Fatalf("expected sweep interval derived from lock ttl, got %v", cfg.SweepInterval)
	}
	if cfg.PresenceTTL != DefaultPresenceTTL {
		t.Fatalf("expected default presence ttl, got %v", cfg.PresenceTTL)
	}
	if cfg.HistoryLimit != DefaultHistoryLimit {
		t.Fatalf("expected default history limit, got %d", cfg.HistoryLimit)
	}
}

func TestValidateDerivesSweepFromCustomTTL(t *testing.T) {
	cfg := Config{LockTTL: 30 * time.Second}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.SweepInterval != 15*time.Second {
		t.Fatalf("expected 15s sweep interval, got %v", cfg.SweepInterval)
	}
}

func TestValidateRejectsContradictions(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative lock ttl", Config{LockTTL: -time.Second}},
		{"sweep exceeds ttl", Config{LockTTL: 5 * time.Second, SweepInterval: 10 * time.Second}},
		{"heartbeat not under presence ttl", Config{PresenceTTL: 5 * time.Second, HeartbeatInterval: 5 * time.Second}},
		{"negative history limit", Config{HistoryLimit: -1}},
		{"negative autosave debounce", Config{AutosaveDebounce: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %+v", tt.cfg)
			}
		})
	}
}
