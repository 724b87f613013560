package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const appName = "geofenced"

// PlatformDataDir returns the directory holding the database.
//
//   - Linux: $XDG_DATA_HOME/geofenced or ~/.local/share/geofenced
//   - macOS: ~/Library/Application Support/geofenced
//
// Other platforms fall back to ~/.geofenced.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "linux":
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the directory holding config.toml.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		return xdgDir("XDG_CONFIG_HOME", ".config")
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the directory for log files.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "linux":
		return filepath.Join(PlatformDataDir(), "logs")
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

// PlatformRuntimeDir returns the directory for the control socket and lock
// file: $XDG_RUNTIME_DIR/geofenced, or /tmp/geofenced-$UID.
func PlatformRuntimeDir() string {
	if runtime.GOOS == "linux" {
		if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
			return filepath.Join(dir, appName)
		}
	}
	return filepath.Join(os.TempDir(), appName+"-"+strconv.Itoa(os.Getuid()))
}

func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, appName)
	}
	parts := append([]string{homeDir()}, fallback...)
	return filepath.Join(append(parts, appName)...)
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), "."+appName)
}

// DefaultPaths are the default locations for every file the daemon uses.
type DefaultPaths struct {
	DataDir    string
	ConfigDir  string
	LogDir     string
	RuntimeDir string

	ConfigFile   string
	DatabaseFile string
	SocketPath   string
	LockFile     string
}

// GetDefaultPaths returns the default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	dataDir := PlatformDataDir()
	configDir := PlatformConfigDir()
	runtimeDir := PlatformRuntimeDir()

	return &DefaultPaths{
		DataDir:    dataDir,
		ConfigDir:  configDir,
		LogDir:     PlatformLogDir(),
		RuntimeDir: runtimeDir,

		ConfigFile:   filepath.Join(configDir, "config.toml"),
		DatabaseFile: filepath.Join(dataDir, "geofenced.db"),
		SocketPath:   filepath.Join(runtimeDir, "geofenced.sock"),
		LockFile:     filepath.Join(runtimeDir, "geofenced.lock"),
	}
}

// SupportedConfigFormats lists the recognised config file extensions.
func SupportedConfigFormats() []string {
	return []string{".toml", ".json", ".yaml", ".yml"}
}

// FindConfigFile returns the first existing config file in the config
// directory, or the default TOML path when none exists.
func FindConfigFile() string {
	dir := PlatformConfigDir()
	for _, ext := range SupportedConfigFormats() {
		path := filepath.Join(dir, "config"+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(dir, "config.toml")
}
