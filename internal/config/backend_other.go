//go:build !darwin

package config

import (
	"os"
	"path/filepath"
)

// xdgDir resolves an XDG base directory, falling back to a path under $HOME.
func xdgDir(env string, homeRel ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(append([]string{home}, homeRel...)...)
}

func defaultDataDir() string {
	dir := xdgDir("XDG_DATA_HOME", ".local", "share")
	if dir == "" {
		return "chatmerge-data"
	}
	return filepath.Join(dir, "chatmerge")
}

func newPlatformBackend() Backend {
	dir := xdgDir("XDG_CONFIG_HOME", ".config")
	if dir == "" {
		dir = "."
	}
	return openJSONFile(filepath.Join(dir, "chatmerge", "config.json"))
}

func newSecretStore() secretStore {
	dir := xdgDir("XDG_DATA_HOME", ".local", "share")
	if dir == "" {
		dir = "."
	}
	return secretsFile(filepath.Join(dir, "chatmerge", "secrets.json"))
}
