package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/vld1-bridge/internal/averager"
	"github.com/shaunagostinho/vld1-bridge/internal/bridge"
	"github.com/shaunagostinho/vld1-bridge/internal/radar"
)

const defaultConfigPath = "/etc/vld1bridge/config.yaml"

// Config holds all bridge configuration.
type Config struct {
	mu sync.RWMutex

	// Sensor link and protocol timing
	Radar RadarConfig `yaml:"radar" json:"radar"`

	// Batch averaging
	Averager averager.Config `yaml:"averager" json:"averager"`

	// Register bank
	Registers RegistersConfig `yaml:"registers" json:"registers"`

	// Reading recorder
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type RadarConfig struct {
	Type     string `yaml:"type" json:"type"`          // "serial" or "demo"
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyVLD1

	Port radar.PortOptions `yaml:"port" json:"port"`

	InitBaud int `yaml:"init_baud" json:"initBaud"` // rate requested in INIT
	PollMs   int `yaml:"poll_ms" json:"pollMs"`     // GNFD period

	LockTimeoutMs     int `yaml:"lock_timeout_ms" json:"lockTimeoutMs"`
	ResponseTimeoutMs int `yaml:"response_timeout_ms" json:"responseTimeoutMs"`
	StreamQuietMs     int `yaml:"stream_quiet_ms" json:"streamQuietMs"`
	StreamDeadlineMs  int `yaml:"stream_deadline_ms" json:"streamDeadlineMs"`

	RequestFlags    uint8 `yaml:"request_flags" json:"requestFlags"`        // GNFD payload
	MaxStalledPolls int   `yaml:"max_stalled_polls" json:"maxStalledPolls"` // before a partial frame is dropped
}

type RegistersConfig struct {
	Count int `yaml:"count" json:"count"`
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Radar: RadarConfig{
			Type:     "demo",
			PortPath: "/dev/ttyVLD1",
			Port: radar.PortOptions{
				BaudRate: 115200,
				DataBits: 8,
				StopBits: 1,
				Parity:   "E",
			},
			InitBaud:          115200,
			PollMs:            1000,
			LockTimeoutMs:     500,
			ResponseTimeoutMs: 100,
			StreamQuietMs:     20,
			StreamDeadlineMs:  250,
			RequestFlags:      uint8(radar.RequestPointData),
			MaxStalledPolls:   3,
		},
		Averager: averager.DefaultConfig(),
		Registers: RegistersConfig{
			Count: 3,
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/vld1bridge",
			Interval: 1000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: RADAR_TYPE, RADAR_PORT, RADAR_BAUD, RADAR_PARITY, RADAR_POLL_MS,
// AVG_BATCH, AVG_MAX_STEP, LISTEN_ADDR, LOG_ENABLED, LOG_PATH, LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RADAR_TYPE"); v != "" {
		c.Radar.Type = v
	}
	if v := os.Getenv("RADAR_PORT"); v != "" {
		c.Radar.PortPath = v
	}
	if v := os.Getenv("RADAR_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Radar.Port.BaudRate = n
		}
	}
	if v := os.Getenv("RADAR_PARITY"); v != "" {
		c.Radar.Port.Parity = v
	}
	if v := os.Getenv("RADAR_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Radar.PollMs = n
		}
	}
	if v := os.Getenv("AVG_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Averager.BatchSize = n
		}
	}
	if v := os.Getenv("AVG_MAX_STEP"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Averager.MaxStep = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
}

// EngineConfig converts the radar timings for the protocol engine.
func (c *Config) EngineConfig() radar.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return radar.Config{
		LockTimeout:     ms(c.Radar.LockTimeoutMs),
		ResponseTimeout: ms(c.Radar.ResponseTimeoutMs),
		StreamQuiet:     ms(c.Radar.StreamQuietMs),
		StreamDeadline:  ms(c.Radar.StreamDeadlineMs),
	}
}

// BridgeConfig returns the loop settings.
func (c *Config) BridgeConfig() bridge.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return bridge.Config{
		Request:         radar.FrameRequest(c.Radar.RequestFlags),
		MaxStalledPolls: c.Radar.MaxStalledPolls,
	}
}

// AveragerConfig returns the current averager tuning.
func (c *Config) AveragerConfig() averager.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Averager
}

// PollInterval returns the GNFD period, at least 10ms.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(max(c.Radar.PollMs, 10)) * time.Millisecond
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = defaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
