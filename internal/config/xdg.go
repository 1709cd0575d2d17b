package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "unraid-inventory"

// GetConfigDir returns the configuration directory for the current OS.
//
// Priority order:
// 1. Environment variable UNRAID_INVENTORY_CONFIG_DIR (if set)
// 2. XDG_CONFIG_HOME/unraid-inventory (Unix) or %APPDATA%/unraid-inventory (Windows)
// 3. ~/.config/unraid-inventory (Unix) or %USERPROFILE%/AppData/Roaming/unraid-inventory (Windows)
func GetConfigDir() (string, error) {
	if dir := os.Getenv("UNRAID_INVENTORY_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName), nil
		}
		return filepath.Join(home, "AppData", "Roaming", appName), nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	return filepath.Join(home, ".config", appName), nil
}

// GetCacheDir returns XDG_CACHE_HOME/unraid-inventory or ~/.cache/unraid-inventory.
// On Windows it is %LOCALAPPDATA%/unraid-inventory.
func GetCacheDir() (string, error) {
	if runtime.GOOS == "windows" {
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appName), nil
		}
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", appName), nil
}

// DefaultConfigPath is config.yaml inside GetConfigDir.
func DefaultConfigPath() string {
	dir, err := GetConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "config.yaml")
}
