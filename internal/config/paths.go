package config

import (
	"os"
	"path/filepath"
)

// SystemConfigDir holds the configuration of a forkd started as a system
// service.
const SystemConfigDir = "/etc/forkd"

// xdgDir returns $env/forkd, or ~/rel/forkd when env is unset or not
// absolute, as the XDG base directory rules require.
func xdgDir(env, rel string) string {
	if dir := os.Getenv(env); filepath.IsAbs(dir) {
		return filepath.Join(dir, "forkd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "forkd")
	}
	return filepath.Join(home, rel, "forkd")
}

// ConfigDir is $XDG_CONFIG_HOME/forkd.
func ConfigDir() string { return xdgDir("XDG_CONFIG_HOME", ".config") }

// DataDir is $XDG_DATA_HOME/forkd; the history archive lives there.
func DataDir() string { return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")) }

// StateDir is $XDG_STATE_HOME/forkd; logs and crash reports live there.
func StateDir() string { return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state")) }

// Extensions lists the file extensions Load understands, in the order
// FindConfigFile tries them.
func Extensions() []string {
	return []string{"toml", "yaml", "yml", "json"}
}

// FindConfigFile returns the first config.<ext> found in the working
// directory, ConfigDir or SystemConfigDir, or "" when there is none.
func FindConfigFile() string {
	for _, dir := range []string{".", ConfigDir(), SystemConfigDir} {
		for _, ext := range Extensions() {
			path := filepath.Join(dir, "config."+ext)
			if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
				return path
			}
		}
	}
	return ""
}
