// Package store persists the configuration the host process (cmd/rajang)
// needs before it can run: who we are, who we forward to, where to
// signal, and which ICE servers to use. Modeled on bamgate's config
// package (internal/config/config.go) — a single TOML file decoded with
// BurntSushi/toml, defaults applied after decode, directories created on
// save.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultSTUNHost and DefaultSTUNPort are used when no ICE section is
// present in a freshly initialized config, matching iceconfig.Default.
const (
	DefaultSTUNHost = "stun.l.google.com"
	DefaultSTUNPort = 19302
)

// Config is the persisted configuration for one rajang instance.
type Config struct {
	Identity IdentityConfig `toml:"identity"`
	Signal   SignalConfig   `toml:"signal"`
	ICE      ICEConfig      `toml:"ice"`
	Local    LocalConfig    `toml:"local"`
}

// IdentityConfig names this instance and the remote peer it forwards to.
type IdentityConfig struct {
	// SignalUser is this instance's own identity on the signaling bus.
	SignalUser string `toml:"signal_user"`
	// PeerUser is the remote identity every local CONNECT is forwarded to.
	PeerUser string `toml:"peer_user"`
}

// SignalConfig points at the signaling bus.
type SignalConfig struct {
	// ServerURL is the ws:// or wss:// URL of the signaling server.
	ServerURL string `toml:"server_url"`
}

// ICEConfig lists the STUN/TURN servers offered to every PeerConnection.
type ICEConfig struct {
	STUNHost   string `toml:"stun_host,omitempty"`
	STUNPort   int    `toml:"stun_port,omitempty"`
	TURNHost   string `toml:"turn_host,omitempty"`
	TURNPort   int    `toml:"turn_port,omitempty"`
	TURNUser   string `toml:"turn_user,omitempty"`
	TURNPass   string `toml:"turn_password,omitempty"`
}

// LocalConfig controls the local SOCKS listener.
type LocalConfig struct {
	// ListenPort is the TCP port the local SOCKS5 listener binds.
	ListenPort int `toml:"listen_port"`
}

// DefaultConfig returns a Config with a working default ICE section and a
// listen port of 1080; Identity and Signal fields are left zero and must be
// supplied by the user (interactively, via cmd/rajang's huh forms, or by
// editing the file directly).
func DefaultConfig() *Config {
	return &Config{
		ICE: ICEConfig{
			STUNHost: DefaultSTUNHost,
			STUNPort: DefaultSTUNPort,
		},
		Local: LocalConfig{
			ListenPort: 1080,
		},
	}
}

// DefaultConfigPath returns ~/.config/rajang/config.toml, following the
// XDG_CONFIG_HOME convention bamgate's LegacyConfigPath also falls back to.
func DefaultConfigPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("store: determining home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "rajang", "config.toml"), nil
}

// Load reads and decodes the config at path, applying defaults for any
// fields TOML decoding left zero.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("store: config file not found: %w", err)
		}
		return nil, fmt.Errorf("store: reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Save writes cfg to path as TOML, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("store: creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("store: opening config file %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("store: encoding config: %w", err)
	}
	return nil
}

// Validate reports whether cfg has the fields required before a listener
// can start: signal user, peer user, signal server, and a listen port.
func (c *Config) Validate() error {
	switch {
	case c.Identity.SignalUser == "":
		return errors.New("store: identity.signal_user is required")
	case c.Identity.PeerUser == "":
		return errors.New("store: identity.peer_user is required")
	case c.Signal.ServerURL == "":
		return errors.New("store: signal.server_url is required")
	case c.Local.ListenPort <= 0:
		return errors.New("store: local.listen_port must be positive")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ICE.STUNHost == "" && cfg.ICE.STUNPort == 0 {
		cfg.ICE.STUNHost = DefaultSTUNHost
		cfg.ICE.STUNPort = DefaultSTUNPort
	}
	if cfg.Local.ListenPort == 0 {
		cfg.Local.ListenPort = 1080
	}
}
