package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Match    Match    `json:"match"`
	Offline  Offline  `json:"offline"`
	Profile  Profile  `json:"profile"`
	Storage  Storage  `json:"storage"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TownTopic    string `json:"town_topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
}

// Match tunes the pairing loop. Jitter bounds stagger simultaneous
// searchers; connect_timeout bounds each main dial attempt.
type Match struct {
	JitterMinMs      int `json:"jitter_min_ms"`
	JitterMaxMs      int `json:"jitter_max_ms"`
	ConnectTimeoutMs int `json:"connect_timeout_ms"`
}

type Offline struct {
	PollSec int `json:"poll_seconds"`
}

type Profile struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type Storage struct {
	Dir string `json:"dir"`
}

func Default() Config {
	return Config{
		Identity: Identity{KeyFile: "data/identity.key"},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "strangers-mdns",
		},
		Presence: Presence{
			Topic:        "strangers.presence.v1",
			TownTopic:    "strangers.town.v1",
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Match: Match{
			JitterMinMs:      100,
			JitterMaxMs:      600,
			ConnectTimeoutMs: 4000,
		},
		Offline: Offline{PollSec: 15},
		Profile: Profile{Name: "stranger"},
		Storage: Storage{Dir: "data"},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if strings.TrimSpace(c.Presence.TownTopic) == "" {
		return errors.New("presence.town_topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be positive")
	}
	if c.Presence.HeartbeatSec <= 0 || c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be positive and below ttl_seconds")
	}
	if c.Match.JitterMinMs < 0 || c.Match.JitterMaxMs < c.Match.JitterMinMs {
		return errors.New("match.jitter bounds invalid (want 0 <= min <= max)")
	}
	if c.Match.ConnectTimeoutMs <= 0 {
		return errors.New("match.connect_timeout_ms must be positive")
	}
	if c.Offline.PollSec <= 0 {
		return errors.New("offline.poll_seconds must be positive")
	}
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return errors.New("storage.dir is required")
	}
	return nil
}

// Load reads a config file, filling gaps with defaults. A missing file
// yields Default() and no error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories.
func Save(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
