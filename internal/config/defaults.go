package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir picks where basin keeps its data dir per platform:
// ~/Library/Application Support/basin on macOS, $XDG_DATA_HOME/basin
// (or ~/.local/share/basin) on Linux, %APPDATA%\basin on Windows, and
// ~/.basin anywhere detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "basin")
	case "linux":
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "basin")
		}
		return filepath.Join(homeDir(), ".local", "share", "basin")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "basin")
		}
		return fallbackDataDir()
	default:
		return fallbackDataDir()
	}
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), ".basin")
}
