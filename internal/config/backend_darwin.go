//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const defaultsDomain = "com.chatmerge.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chatmerge-data"
	}
	return filepath.Join(home, "Library", "Application Support", "chatmerge")
}

func newPlatformBackend() Backend {
	return userDefaults(defaultsDomain)
}

func newSecretStore() secretStore {
	return keychain{}
}

// userDefaults reads and writes the app's defaults domain through the
// defaults(1) tool. Every value is written as a string.
type userDefaults string

func (d userDefaults) Lookup(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", string(d), key).CombinedOutput()
	val := strings.TrimSpace(string(out))
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return val, true, nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		// defaults exits 1 when the key does not exist.
		return "", false, nil
	default:
		return "", false, fmt.Errorf("defaults read %s: %w (%s)", key, err, val)
	}
}

func (d userDefaults) Store(key, val string) error {
	if out, err := exec.Command("defaults", "write", string(d), key, "-string", val).CombinedOutput(); err != nil {
		return fmt.Errorf("defaults write %s: %w (%s)", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d userDefaults) Remove(key string) error {
	if _, ok, err := d.Lookup(key); err != nil || !ok {
		return err
	}
	return exec.Command("defaults", "delete", string(d), key).Run()
}

// keychain stores secrets as generic passwords in the login keychain.
type keychain struct{}

func (keychain) Get(service, account string) (string, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychain) Set(service, account, value string) error {
	// -U updates the item in place when it already exists.
	return exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).Run()
}
