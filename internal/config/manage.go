package config

import (
	"fmt"
	"strings"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secrets are listed with a masked value.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		v := fmt.Sprint(s.extract(cfg))
		if s.secret && v != "" {
			v = "********"
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  v,
		})
	}
	return result
}

// SetKey validates value against the key's type and writes it to the
// platform backend.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), key, value)
}

func setKeyWith(b Backend, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config set; use `config set-secret` or environment variable %s", key, s.env)
	}
	v, err := s.parse(value)
	if err != nil {
		return err
	}
	return b.Store(key, fmt.Sprint(v))
}

// UnsetKey removes a key from the platform backend so its default applies again.
func UnsetKey(key string) error {
	return unsetKeyWith(newPlatformBackend(), key)
}

func unsetKeyWith(b Backend, key string) error {
	if s, ok := lookupSpec(key); !ok || s.secret {
		return fmt.Errorf("unknown config key: %q", key)
	}
	return b.Remove(key)
}

// SetSecret stores a secret key in the platform secret store.
func SetSecret(key, value string) error {
	return setSecretWith(newSecretStore(), key, value)
}

func setSecretWith(store secretStore, key, value string) error {
	if s, ok := lookupSpec(key); !ok || !s.secret {
		return fmt.Errorf("unknown secret key: %q", key)
	}
	if value == "" {
		return fmt.Errorf("%s: empty value", key)
	}
	return store.Set(secretService, secretAccount(key), value)
}

// secretAccount maps a dotted key to the account name used in the secret store.
func secretAccount(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
