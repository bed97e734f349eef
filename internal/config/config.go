package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Relay      RelayConfig
	WebApp     WebAppConfig
	Storage    StorageConfig
	Log        LogConfig
	Sync       SyncConfig
	Connection ConnectionConfig
	NATS       NATSConfig
}

// ServerConfig is the web application's HTTP listener.
type ServerConfig struct {
	Port int
}

// RelayConfig is the background relay's HTTP listener and the origins it
// accepts external messages from.
type RelayConfig struct {
	Port           int
	URL            string
	TrustedOrigins string
}

type WebAppConfig struct {
	URL string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type SyncConfig struct {
	DrainInterval string
}

type ConnectionConfig struct {
	HeartbeatInterval string
	RetryBase         string
	MaxAttempts       int
}

// NATSConfig enables the optional conversation fan-out. An empty URL disables it.
type NATSConfig struct {
	URL   string
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 3000},
		Relay: RelayConfig{
			Port:           3001,
			URL:            "http://127.0.0.1:3001",
			TrustedOrigins: "http://localhost:3000,https://localhost:3000",
		},
		WebApp:  WebAppConfig{URL: "http://localhost:3000"},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Sync:    SyncConfig{DrainInterval: "30s"},
		Connection: ConnectionConfig{
			HeartbeatInterval: "30s",
			RetryBase:         "2s",
			MaxAttempts:       5,
		},
	}
}

// Origins splits the trusted origin list, dropping blanks and trailing slashes.
func (c RelayConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.TrustedOrigins, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Interval returns the periodic drain interval.
func (c SyncConfig) Interval() time.Duration {
	return mustDuration(c.DrainInterval, 30*time.Second)
}

func (c ConnectionConfig) Heartbeat() time.Duration {
	return mustDuration(c.HeartbeatInterval, 30*time.Second)
}

func (c ConnectionConfig) Backoff() time.Duration {
	return mustDuration(c.RetryBase, 2*time.Second)
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Load reads configuration from the platform backend, environment variables
// and the platform secret store.
//
// On macOS the backend is UserDefaults (domain com.chatmerge.app) and the NATS
// token lives in the login Keychain. Elsewhere the backend is
// $XDG_CONFIG_HOME/chatmerge/config.json and secrets live in
// $XDG_DATA_HOME/chatmerge/secrets.json.
//
// Environment variables (CHATMERGE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), newSecretStore())
}

type secretReader interface {
	Get(service, account string) (string, error)
}

func loadWith(b Backend, secrets secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.NATS.URL != "" && cfg.NATS.Token == "" {
		if tok, err := secrets.Get(secretService, secretAccount("nats.token")); err == nil && tok != "" {
			cfg.NATS.Token = tok
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	for key, raw := range map[string]string{
		"sync.drain_interval":           cfg.Sync.DrainInterval,
		"connection.heartbeat_interval": cfg.Connection.HeartbeatInterval,
		"connection.retry_base":         cfg.Connection.RetryBase,
	} {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("invalid duration for %s: %q", key, raw)
		}
	}
	if cfg.Connection.MaxAttempts < 1 {
		return fmt.Errorf("connection.max_attempts must be at least 1, got %d", cfg.Connection.MaxAttempts)
	}
	if cfg.Server.Port == cfg.Relay.Port {
		return fmt.Errorf("server.port and relay.port must differ (both %d)", cfg.Server.Port)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q: use debug, info, warn or error", cfg.Log.Level)
	}
	return nil
}
