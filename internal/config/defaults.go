package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "examguard"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/examguard/
//   - Linux:   ~/.local/share/examguard/
//   - Windows: %APPDATA%\examguard\
//
// Falls back to ~/.examguard if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "linux":
		// XDG_DATA_HOME or ~/.local/share
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, appName)
		}
		return filepath.Join(homeDir(), ".local", "share", appName)
	case "windows":
		return windowsAppData("APPDATA", "Roaming")
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/examguard/
//   - Linux:   ~/.config/examguard/
//   - Windows: %APPDATA%\examguard\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, appName)
		}
		return filepath.Join(homeDir(), ".config", appName)
	default:
		// macOS and Windows keep config beside data
		return PlatformDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/examguard/
//   - Linux:   ~/.local/state/examguard/
//   - Windows: %LOCALAPPDATA%\examguard\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	case "linux":
		if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		return filepath.Join(homeDir(), ".local", "state", appName)
	case "windows":
		return filepath.Join(windowsAppData("LOCALAPPDATA", "Local"), "logs")
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

func homeDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return home
}

func windowsAppData(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(homeDir(), "AppData", fallback, appName)
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), "."+appName)
}

// configExtensions are the file extensions ConfigPath looks for, in
// preference order.
var configExtensions = []string{"toml", "yaml", "yml", "json"}

// FindConfigFile returns the first config.<ext> present in dir, or "".
func FindConfigFile(dir string) string {
	for _, ext := range configExtensions {
		path := filepath.Join(dir, "config."+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
