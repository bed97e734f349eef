package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CHATMERGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "relay.port", typ: kInt, env: "CHATMERGE_RELAY_PORT",
		apply:   func(cfg *Config, v any) { cfg.Relay.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Relay.Port },
	},
	{
		key: "relay.url", typ: kString, env: "CHATMERGE_RELAY_URL",
		apply:   func(cfg *Config, v any) { cfg.Relay.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Relay.URL },
	},
	{
		key: "relay.trusted_origins", typ: kString, env: "CHATMERGE_RELAY_TRUSTED_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Relay.TrustedOrigins = v.(string) },
		extract: func(cfg Config) any { return cfg.Relay.TrustedOrigins },
	},
	{
		key: "webapp.url", typ: kString, env: "CHATMERGE_WEBAPP_URL",
		apply:   func(cfg *Config, v any) { cfg.WebApp.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.WebApp.URL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CHATMERGE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CHATMERGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "sync.drain_interval", typ: kString, env: "CHATMERGE_SYNC_DRAIN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.DrainInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.DrainInterval },
	},
	{
		key: "connection.heartbeat_interval", typ: kString, env: "CHATMERGE_CONNECTION_HEARTBEAT_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Connection.HeartbeatInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Connection.HeartbeatInterval },
	},
	{
		key: "connection.retry_base", typ: kString, env: "CHATMERGE_CONNECTION_RETRY_BASE",
		apply:   func(cfg *Config, v any) { cfg.Connection.RetryBase = v.(string) },
		extract: func(cfg Config) any { return cfg.Connection.RetryBase },
	},
	{
		key: "connection.max_attempts", typ: kInt, env: "CHATMERGE_CONNECTION_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Connection.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Connection.MaxAttempts },
	},
	{
		key: "nats.url", typ: kString, env: "CHATMERGE_NATS_URL",
		apply:   func(cfg *Config, v any) { cfg.NATS.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.NATS.URL },
	},
	{
		key: "nats.token", typ: kString, env: "CHATMERGE_NATS_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.NATS.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.NATS.Token },
	},
}

// parse converts a raw backend or environment value to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid integer for %s: %q", s.key, raw)
		}
		return i, nil
	default:
		return raw, nil
	}
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return err
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides applies CHATMERGE_* variables. A malformed value is
// logged and ignored rather than failing startup.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring environment override", "env", s.env, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
