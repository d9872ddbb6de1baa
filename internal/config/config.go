package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parleyapp/parley/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Media    Media    `json:"media"`
	Call     Call     `json:"call"`
	HTTP     HTTP     `json:"http"`
}

type Identity struct {
	// SelfID is the identity all signaling is addressed to and from.
	SelfID      string `json:"self_id"`
	DisplayName string `json:"display_name"`
}

type Relay struct {
	// Dir holds the relay database. Relative paths resolve against the
	// config file's directory.
	Dir string `json:"dir"`

	// PollIntervalMS drives the reconciliation poll while a call is
	// waiting for an answer. 0 = default (1000).
	PollIntervalMS int64 `json:"poll_interval_ms"`

	// RingTimeoutSec bounds how long an unanswered outbound call rings
	// before ending with a timeout. 0 = default (45).
	RingTimeoutSec int64 `json:"ring_timeout_sec"`
}

type Media struct {
	// DisableVideo forces every call audio-only regardless of what the
	// caller asked for.
	DisableVideo bool `json:"disable_video"`

	// MaxWidth/MaxHeight cap the camera capture resolution. Higher
	// resolutions increase encoding latency. 0 = default (640×480).
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`
}

type Call struct {
	// STUNServers for NAT traversal. No TURN relay — peers behind
	// symmetric NAT on both ends may simply not connect.
	STUNServers []string `json:"stun_servers"`
}

type HTTP struct {
	// Bind address for the local API. Default localhost only.
	Bind string `json:"bind"`
}

// Default returns a config with every tunable at its default.
func Default() Config {
	return Config{
		Relay: Relay{
			Dir:            "data",
			PollIntervalMS: 1000,
			RingTimeoutSec: 45,
		},
		Media: Media{
			MaxWidth:  640,
			MaxHeight: 480,
		},
		Call: Call{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
		HTTP: HTTP{
			Bind: "127.0.0.1:8642",
		},
	}
}

// Load reads and validates a config file.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories.
func Save(path string, cfg Config) error {
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the fields a typo would silently break.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.SelfID) == "" {
		return errors.New("identity.self_id must be set")
	}
	if c.Relay.PollIntervalMS < 0 {
		return fmt.Errorf("relay.poll_interval_ms must be >= 0, got %d", c.Relay.PollIntervalMS)
	}
	if c.Relay.RingTimeoutSec < 0 {
		return fmt.Errorf("relay.ring_timeout_sec must be >= 0, got %d", c.Relay.RingTimeoutSec)
	}
	if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 {
		return fmt.Errorf("media.max_width/max_height must be >= 0")
	}
	for _, u := range c.Call.STUNServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("call.stun_servers entry %q must start with stun: or stuns:", u)
		}
	}
	if c.HTTP.Bind != "" {
		host, port, err := net.SplitHostPort(c.HTTP.Bind)
		if err != nil {
			return fmt.Errorf("http.bind %q: %w", c.HTTP.Bind, err)
		}
		if host == "" {
			return fmt.Errorf("http.bind %q: host must be set", c.HTTP.Bind)
		}
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("http.bind %q: bad port", c.HTTP.Bind)
		}
	}
	return nil
}

// resolvePaths anchors relative paths at the config file's directory.
// Absolute paths win over the base.
func (c *Config) resolvePaths(base string) {
	if c.Relay.Dir != "" {
		c.Relay.Dir = util.ResolvePath(base, c.Relay.Dir)
	}
}
