// Package config loads the driver's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/appdriver/connection"
)

// Launcher kinds.
const (
	LauncherLocal  = "local"
	LauncherDocker = "docker"
	LauncherRemote = "remote"
)

// Duration is a time.Duration written as a string in TOML, e.g. "5s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Timeouts struct {
	Handshake         Duration `toml:"handshake"`
	Reply             Duration `toml:"reply"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `toml:"heartbeat_timeout"`
}

// AppConfig describes how to launch one application.
type AppConfig struct {
	BundleID string   `toml:"bundle_id"`
	Launcher string   `toml:"launcher"`
	Command  string   `toml:"command"`
	Args     []string `toml:"args"`
	Env      []string `toml:"env"`
	WD       string   `toml:"wd"`
	Image    string   `toml:"image"`
	// AgentURL overrides the default agent for remote applications.
	AgentURL string   `toml:"agent_url"`
}

// AgentConfig is the default remote agent.
type AgentConfig struct {
	URL               string   `toml:"url"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
}

type Config struct {
	// ListenAddr is where the driver accepts connections from local and Docker targets.
	ListenAddr string      `toml:"listen_addr"`
	LogLevel   string      `toml:"log_level"`
	Timeouts   Timeouts    `toml:"timeouts"`
	Target     AppConfig   `toml:"target"`
	Agent      AgentConfig `toml:"agent"`
	Apps       []AppConfig `toml:"apps"`
}

func Default() Config {
	conn := connection.DefaultConfig()
	return Config{
		ListenAddr: "127.0.0.1:0",
		LogLevel:   "info",
		Timeouts: Timeouts{
			Handshake:         Duration(conn.HandshakeTimeout),
			Reply:             Duration(conn.ReplyTimeout),
			HeartbeatInterval: Duration(conn.HeartbeatInterval),
			HeartbeatTimeout:  Duration(conn.HeartbeatTimeout),
		},
		Target: AppConfig{Launcher: LauncherLocal},
		Agent:  AgentConfig{HeartbeatInterval: Duration(10 * time.Second)},
	}
}

// Load reads the TOML file at path over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("timeouts", "handshake") {
		cfg.Timeouts.Handshake = raw.Timeouts.Handshake
	}
	if meta.IsDefined("timeouts", "reply") {
		cfg.Timeouts.Reply = raw.Timeouts.Reply
	}
	if meta.IsDefined("timeouts", "heartbeat_interval") {
		cfg.Timeouts.HeartbeatInterval = raw.Timeouts.HeartbeatInterval
	}
	if meta.IsDefined("timeouts", "heartbeat_timeout") {
		cfg.Timeouts.HeartbeatTimeout = raw.Timeouts.HeartbeatTimeout
	}
	if meta.IsDefined("target") {
		launcher := cfg.Target.Launcher
		cfg.Target = raw.Target
		if !meta.IsDefined("target", "launcher") {
			cfg.Target.Launcher = launcher
		}
	}
	if meta.IsDefined("agent", "url") {
		cfg.Agent.URL = strings.TrimSpace(raw.Agent.URL)
	}
	if meta.IsDefined("agent", "heartbeat_interval") {
		cfg.Agent.HeartbeatInterval = raw.Agent.HeartbeatInterval
	}
	for _, app := range raw.Apps {
		if app.Launcher == "" {
			app.Launcher = LauncherRemote
		}
		cfg.Apps = append(cfg.Apps, app)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// App returns the application declared with bundleID.
func (c Config) App(bundleID string) (AppConfig, bool) {
	for _, app := range c.Apps {
		if app.BundleID == bundleID {
			return app, true
		}
	}
	return AppConfig{}, false
}

func (c Config) Validate() error {
	t := c.Timeouts
	if t.Handshake < 0 || t.Reply < 0 || t.HeartbeatTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if t.HeartbeatInterval <= 0 {
		return errors.New("timeouts.heartbeat_interval must be positive")
	}
	if c.Agent.HeartbeatInterval <= 0 {
		return errors.New("agent.heartbeat_interval must be positive")
	}
	if c.Target.BundleID != "" {
		if err := c.validateApp(c.Target); err != nil {
			return fmt.Errorf("target: %w", err)
		}
	}
	seen := map[string]bool{}
	for i, app := range c.Apps {
		if app.BundleID == "" {
			return fmt.Errorf("apps[%d]: bundle_id is required", i)
		}
		if seen[app.BundleID] {
			return fmt.Errorf("apps[%d]: duplicate bundle_id %q", i, app.BundleID)
		}
		seen[app.BundleID] = true
		if err := c.validateApp(app); err != nil {
			return fmt.Errorf("apps[%d] (%s): %w", i, app.BundleID, err)
		}
	}
	return nil
}

func (c Config) validateApp(app AppConfig) error {
	switch app.Launcher {
	case LauncherLocal:
		if app.Command == "" {
			return errors.New("local launcher needs a command")
		}
	case LauncherDocker:
		if app.Image == "" || app.Command == "" {
			return errors.New("docker launcher needs an image and a command")
		}
	case LauncherRemote:
		if app.AgentURL == "" && c.Agent.URL == "" {
			return errors.New("remote launcher needs agent_url or [agent] url")
		}
	default:
		return fmt.Errorf("unknown launcher %q (expected local, docker or remote)", app.Launcher)
	}
	return nil
}

// ConnectionConfig returns the connection timeouts.
func (c Config) ConnectionConfig() connection.Config {
	return connection.Config{
		HandshakeTimeout:  c.Timeouts.Handshake.Std(),
		ReplyTimeout:      c.Timeouts.Reply.Std(),
		HeartbeatInterval: c.Timeouts.HeartbeatInterval.Std(),
		HeartbeatTimeout:  c.Timeouts.HeartbeatTimeout.Std(),
	}
}
