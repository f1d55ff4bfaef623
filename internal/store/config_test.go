package store

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.toml")

	cfg := DefaultConfig()
	cfg.Identity.SignalUser = "alice"
	cfg.Identity.PeerUser = "bob"
	cfg.Signal.ServerURL = "wss://signal.example/ws"
	cfg.ICE.TURNHost = "turn.example"
	cfg.ICE.TURNPort = 3478
	cfg.ICE.TURNUser = "u"
	cfg.ICE.TURNPass = "p"
	cfg.Local.ListenPort = 1081

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if *got != *cfg {
		t.Errorf("Load() = %+v, want %+v", got, cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("Load: expected error for missing file")
	}
}

func TestApplyDefaultsFillsZeroFields(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if cfg.ICE.STUNHost != DefaultSTUNHost || cfg.ICE.STUNPort != DefaultSTUNPort {
		t.Errorf("ICE defaults not applied: %+v", cfg.ICE)
	}
	if cfg.Local.ListenPort != 1080 {
		t.Errorf("ListenPort default not applied: %d", cfg.Local.ListenPort)
	}
}

func TestApplyDefaultsPreservesExplicitICE(t *testing.T) {
	cfg := &Config{ICE: ICEConfig{STUNHost: "custom.example", STUNPort: 1}}
	applyDefaults(cfg)

	if cfg.ICE.STUNHost != "custom.example" || cfg.ICE.STUNPort != 1 {
		t.Errorf("applyDefaults overwrote an explicit ICE section: %+v", cfg.ICE)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Identity: IdentityConfig{SignalUser: "a", PeerUser: "b"},
			Signal:   SignalConfig{ServerURL: "wss://x"},
			Local:    LocalConfig{ListenPort: 1080},
		}
	}

	if err := base().Validate(); err != nil {
		t.Errorf("Validate() on a complete config: %v", err)
	}

	missingSignalUser := base()
	missingSignalUser.Identity.SignalUser = ""
	if err := missingSignalUser.Validate(); err == nil {
		t.Error("Validate: expected error for missing signal_user")
	}

	missingPeerUser := base()
	missingPeerUser.Identity.PeerUser = ""
	if err := missingPeerUser.Validate(); err == nil {
		t.Error("Validate: expected error for missing peer_user")
	}

	missingServerURL := base()
	missingServerURL.Signal.ServerURL = ""
	if err := missingServerURL.Validate(); err == nil {
		t.Error("Validate: expected error for missing server_url")
	}

	badPort := base()
	badPort.Local.ListenPort = 0
	if err := badPort.Validate(); err == nil {
		t.Error("Validate: expected error for non-positive listen_port")
	}
}
