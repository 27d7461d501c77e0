package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DataDir returns the base cosync directory.
// COSYNC_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("COSYNC_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/cosync/
//   - Linux:   $XDG_DATA_HOME/cosync/ or ~/.local/share/cosync/
//   - Windows: %APPDATA%\cosync\
//
// Falls back to ~/.cosync if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "cosync")
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "cosync")
		}
		return filepath.Join(homeDir(), ".local", "share", "cosync")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "cosync")
		}
		return fallbackDataDir()
	default:
		return fallbackDataDir()
	}
}

func homeDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return home
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), ".cosync")
}

// SupportedConfigFormats returns the file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{".toml", ".json", ".yaml", ".yml"}
}

// FindConfigFile looks for config.<ext> in the working directory and then
// in the data directory. It returns "" when none exists.
func FindConfigFile() string {
	dirs := []string{".", DataDir()}
	for _, dir := range dirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
