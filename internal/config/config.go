// Package config handles configuration loading, validation, and hot reload
// for geofenced.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"geofenced/internal/engine"
	"geofenced/internal/geo"
	"geofenced/internal/security"
	"geofenced/internal/tracing"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	// Geofence is the declarative zone definition.
	Geofence GeofenceConfig `toml:"geofence" json:"geofence" yaml:"geofence"`

	Location      LocationConfig      `toml:"location" json:"location" yaml:"location"`
	Connectivity  ConnectivityConfig  `toml:"connectivity" json:"connectivity" yaml:"connectivity"`
	Storage       StorageConfig       `toml:"storage" json:"storage" yaml:"storage"`
	Logging       LoggingConfig       `toml:"logging" json:"logging" yaml:"logging"`
	IPC           IPCConfig           `toml:"ipc" json:"ipc" yaml:"ipc"`
	HTTP          HTTPConfig          `toml:"http" json:"http" yaml:"http"`
	Notifications NotificationsConfig `toml:"notifications" json:"notifications" yaml:"notifications"`
	Tracing       tracing.Config      `toml:"tracing" json:"tracing" yaml:"tracing"`
}

// GeofenceConfig describes the zone in the config file. It is applied only
// when Managed is set; otherwise the zone is controlled over IPC.
type GeofenceConfig struct {
	Managed bool `toml:"managed" json:"managed" yaml:"managed"`

	Latitude  float64 `toml:"latitude" json:"latitude" yaml:"latitude"`
	Longitude float64 `toml:"longitude" json:"longitude" yaml:"longitude"`

	// RadiusMeters of zero leaves the region disarmed.
	RadiusMeters float64 `toml:"radius_meters" json:"radius_meters" yaml:"radius_meters"`

	// TargetNetwork is the Wi-Fi network name; empty disables network matching.
	TargetNetwork string `toml:"target_network" json:"target_network" yaml:"target_network"`
}

// Desired converts the section into an engine configuration.
func (g GeofenceConfig) Desired() engine.Configuration {
	var cfg engine.Configuration
	if g.RadiusMeters > 0 {
		cfg.Center = &geo.Coordinate{Latitude: g.Latitude, Longitude: g.Longitude}
		cfg.Radius = g.RadiusMeters
	}
	if g.TargetNetwork != "" {
		name := g.TargetNetwork
		cfg.TargetNetwork = &name
	}
	return cfg
}

// LocationConfig selects and tunes the location source.
type LocationConfig struct {
	// Source is "geoclue", "manual" or "none".
	Source string `toml:"source" json:"source" yaml:"source"`

	// DesktopID identifies the daemon to the GeoClue agent.
	DesktopID string `toml:"desktop_id" json:"desktop_id" yaml:"desktop_id"`

	// DistanceThresholdMeters is the minimum movement between GeoClue updates.
	DistanceThresholdMeters uint32 `toml:"distance_threshold_meters" json:"distance_threshold_meters" yaml:"distance_threshold_meters"`

	// MaxAccuracyMeters drops fixes less accurate than this. Zero keeps all.
	MaxAccuracyMeters float64 `toml:"max_accuracy_meters" json:"max_accuracy_meters" yaml:"max_accuracy_meters"`

	RetryIntervalSec int `toml:"retry_interval_sec" json:"retry_interval_sec" yaml:"retry_interval_sec"`
}

// ConnectivityConfig selects the network backend.
type ConnectivityConfig struct {
	// Backend is "networkmanager", "static" or "none".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// HistoryRetentionDays bounds the transition history. Zero keeps everything.
	HistoryRetentionDays int `toml:"history_retention_days" json:"history_retention_days" yaml:"history_retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the socket file mode, e.g. "0600".
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	TimeoutSec     int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// RequestsPerSecond limits each session; zero disables limiting.
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second" yaml:"requests_per_second"`
	RequestBurst      int     `toml:"request_burst" json:"request_burst" yaml:"request_burst"`
}

// HTTPConfig holds the status/metrics HTTP listener configuration.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`
	Metrics bool   `toml:"metrics" json:"metrics" yaml:"metrics"`

	// RequestsPerSecond limits each remote address; zero disables limiting.
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second" yaml:"requests_per_second"`
	RequestBurst      int     `toml:"request_burst" json:"request_burst" yaml:"request_burst"`
}

// NotificationsConfig selects how zone changes are announced.
type NotificationsConfig struct {
	// Backend is "desktop", "log" or "none".
	Backend    string `toml:"backend" json:"backend" yaml:"backend"`
	AppName    string `toml:"app_name" json:"app_name" yaml:"app_name"`
	TimeoutMs  int    `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
	QueueDepth int    `toml:"queue_depth" json:"queue_depth" yaml:"queue_depth"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()
	return &Config{
		Version: Version,
		Location: LocationConfig{
			Source:                  "geoclue",
			DesktopID:               "geofenced",
			DistanceThresholdMeters: 10,
			MaxAccuracyMeters:       1000,
			RetryIntervalSec:        30,
		},
		Connectivity: ConnectivityConfig{Backend: "networkmanager"},
		Storage: StorageConfig{
			Path:                 paths.DatabaseFile,
			HistoryRetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(paths.LogDir, "geofenced.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     paths.SocketPath,
			Permissions:    "0600",
			MaxConnections:    16,
			TimeoutSec:        30,
			RequestsPerSecond: 20,
			RequestBurst:      40,
		},
		HTTP: HTTPConfig{
			Listen:            "127.0.0.1:9466",
			Metrics:           true,
			RequestsPerSecond: 10,
			RequestBurst:      20,
		},
		Notifications: NotificationsConfig{
			Backend:    "desktop",
			AppName:    "geofenced",
			TimeoutMs:  -1,
			QueueDepth: 16,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// ConfigPath returns the configuration file used when none is given.
func ConfigPath() string {
	return FindConfigFile()
}

// Load reads configuration from path, falling back to defaults when the
// file does not exist. The format follows the extension; TOML is assumed
// otherwise. Environment overrides are applied.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}
	return cfg, nil
}

// Save writes cfg to path in the format implied by its extension.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var b strings.Builder
		err = toml.NewEncoder(&b).Encode(cfg)
		data = []byte(b.String())
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return security.WriteFileAtomic(path, data, security.PermPrivateFile)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Storage.Path)}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.IPC.Enabled {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies GEOFENCED_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("GEOFENCED_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("GEOFENCED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GEOFENCED_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("GEOFENCED_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("GEOFENCED_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("GEOFENCED_HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
		c.HTTP.Enabled = true
	}
	if v := os.Getenv("GEOFENCED_LOCATION_SOURCE"); v != "" {
		c.Location.Source = v
	}
	if v := os.Getenv("GEOFENCED_CONNECTIVITY_BACKEND"); v != "" {
		c.Connectivity.Backend = v
	}
	if v := os.Getenv("GEOFENCED_NOTIFICATIONS"); v != "" {
		c.Notifications.Backend = v
	}
	if v := os.Getenv("GEOFENCED_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = b
		}
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
