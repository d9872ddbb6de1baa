package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Relay.PollIntervalMS != 1000 {
		t.Fatalf("poll interval = %d", cfg.Relay.PollIntervalMS)
	}
	if cfg.Relay.RingTimeoutSec != 45 {
		t.Fatalf("ring timeout = %d", cfg.Relay.RingTimeoutSec)
	}
	if len(cfg.Call.STUNServers) == 0 {
		t.Fatal("no default STUN server")
	}
	if cfg.Media.MaxWidth != 640 || cfg.Media.MaxHeight != 480 {
		t.Fatalf("capture cap = %dx%d", cfg.Media.MaxWidth, cfg.Media.MaxHeight)
	}
	if !strings.HasPrefix(cfg.HTTP.Bind, "127.0.0.1:") {
		t.Fatalf("default bind %q must be localhost only", cfg.HTTP.Bind)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := Default()
	cfg.Identity.SelfID = "alice"
	cfg.Identity.DisplayName = "Alice"
	cfg.Relay.RingTimeoutSec = 30
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Identity.SelfID != "alice" || got.Identity.DisplayName != "Alice" {
		t.Fatalf("identity %+v", got.Identity)
	}
	if got.Relay.RingTimeoutSec != 30 {
		t.Fatalf("ring timeout = %d", got.Relay.RingTimeoutSec)
	}
}

func TestLoadAppliesDefaultsToSparseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	sparse := `{"identity": {"self_id": "bob"}}`
	if err := os.WriteFile(path, []byte(sparse), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.PollIntervalMS != 1000 || cfg.Relay.RingTimeoutSec != 45 {
		t.Fatalf("defaults not applied: %+v", cfg.Relay)
	}
	if len(cfg.Call.STUNServers) == 0 {
		t.Fatal("default STUN servers not applied")
	}
}

func TestLoadResolvesRelativeRelayDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := Default()
	cfg.Identity.SelfID = "carol"
	cfg.Relay.Dir = "data"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "data")
	if got.Relay.Dir != want {
		t.Fatalf("relay dir = %q, expected %q", got.Relay.Dir, want)
	}

	// An absolute dir wins over the config file's directory.
	abs := t.TempDir()
	cfg.Relay.Dir = abs
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Relay.Dir != abs {
		t.Fatalf("relay dir = %q, expected %q", got.Relay.Dir, abs)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(dir, "absent.json")); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("broken json", func(t *testing.T) {
		path := filepath.Join(dir, "broken.json")
		os.WriteFile(path, []byte("{not json"), 0o644)
		if _, err := Load(path); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Identity.SelfID = "alice"
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty self id", func(c *Config) { c.Identity.SelfID = "  " }, "self_id"},
		{"negative poll", func(c *Config) { c.Relay.PollIntervalMS = -1 }, "poll_interval_ms"},
		{"negative ring timeout", func(c *Config) { c.Relay.RingTimeoutSec = -5 }, "ring_timeout_sec"},
		{"negative capture cap", func(c *Config) { c.Media.MaxWidth = -1 }, "max_width"},
		{"bad stun scheme", func(c *Config) { c.Call.STUNServers = []string{"turn:relay.example.com"} }, "stun"},
		{"stuns allowed", func(c *Config) { c.Call.STUNServers = []string{"stuns:stun.example.com:5349"} }, ""},
		{"bind without port", func(c *Config) { c.HTTP.Bind = "localhost" }, "http.bind"},
		{"bind bad port", func(c *Config) { c.HTTP.Bind = "127.0.0.1:99999" }, "bad port"},
		{"bind empty host", func(c *Config) { c.HTTP.Bind = ":8642" }, "host must be set"},
		{"bind empty is allowed", func(c *Config) { c.HTTP.Bind = "" }, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
