package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Signal    Signal    `json:"signal"`
	Media     Media     `json:"media"`
	Controls  Controls  `json:"controls"`
	Recording Recording `json:"recording"`
	History   History   `json:"history"`
	Viewer    Viewer    `json:"viewer"`
	Logging   Logging   `json:"logging"`
}

type Signal struct {
	// Broker URL the call agent registers with, e.g. ws://127.0.0.1:9000/signal.
	URL string `json:"url"`

	// Listen address used by the "signal" command when hosting the broker.
	ListenAddr string `json:"listen_addr"`

	HeartbeatSec int `json:"heartbeat_seconds"`

	// STUN/TURN URLs handed to every PeerConnection.
	ICEServers []string `json:"ice_servers"`
}

type Media struct {
	// Device IDs (or labels) for the two facing modes. Empty means
	// enumeration order: first camera is "user", second "environment".
	FrontCamera string `json:"front_camera"`
	BackCamera  string `json:"back_camera"`
	Microphone  string `json:"microphone"`

	// Synthetic replaces camera and microphone with generated tracks, for
	// hosts without capture hardware.
	Synthetic bool `json:"synthetic"`

	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
	VideoBitRate int `json:"video_bitrate"`
}

type Controls struct {
	HideAfterMs int `json:"hide_after_ms"`
}

type Recording struct {
	// Directory for remote-stream recordings (IVF video, Ogg audio).
	// Empty disables recording; remote tracks are still drained.
	Dir string `json:"dir"`
}

type History struct {
	// SQLite call journal, relative to the config directory. Empty disables it.
	DBPath string `json:"db_path"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Logging struct {
	// go-log level for pion subsystems: debug, info, warn, error.
	PionLevel string `json:"pion_level"`
}

func Default() Config {
	return Config{
		Signal: Signal{
			URL:          "ws://127.0.0.1:9000/signal",
			ListenAddr:   "127.0.0.1:9000",
			HeartbeatSec: 5,
			ICEServers:   []string{"stun:stun.l.google.com:19302"},
		},
		Media: Media{
			MaxWidth:     640,
			MaxHeight:    480,
			VideoBitRate: 1_500_000,
		},
		Controls: Controls{
			HideAfterMs: 3000,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Logging: Logging{
			PionLevel: "warn",
		},
	}
}

func (c *Config) Validate() error {
	// Signal
	if err := validateSignalURL(strings.TrimSpace(c.Signal.URL)); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}
	if c.Signal.HeartbeatSec <= 0 {
		return errors.New("signal.heartbeat_seconds must be > 0")
	}
	for _, s := range c.Signal.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("signal.ice_servers: %q must start with stun:, turn: or turns:", s)
		}
	}

	// Media
	if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 {
		return errors.New("media.max_width and media.max_height must be >= 0")
	}
	if c.Media.VideoBitRate < 0 {
		return errors.New("media.video_bitrate must be >= 0")
	}
	if c.Media.FrontCamera != "" && c.Media.FrontCamera == c.Media.BackCamera {
		return errors.New("media.front_camera and media.back_camera must differ")
	}

	// Controls
	if c.Controls.HideAfterMs < 100 || c.Controls.HideAfterMs > 60000 {
		return errors.New("controls.hide_after_ms must be 100..60000")
	}

	// Logging
	switch c.Logging.PionLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.pion_level: unknown level %q", c.Logging.PionLevel)
	}

	return nil
}

func validateSignalURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return writeJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// ResolvePath joins base and rel unless rel is already absolute.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

func writeJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
