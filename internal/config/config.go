package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the client configuration. Values come from an optional YAML
// file, overridden by environment variables (a .env file is honored when
// present). The sync windows are deliberately tunable; their defaults are
// the production values.
type Config struct {
	// RemoteURL selects the remote store by scheme: http(s) for the
	// REST+websocket surface, redis for a redis-backed store, postgres
	// for direct SQL polling.
	RemoteURL string `yaml:"remote_url"`
	// SessionToken authenticates this client to the store.
	SessionToken string `yaml:"session_token"`
	// CachePath is the local sqlite history cache; empty disables it.
	CachePath string `yaml:"cache_path"`
	// DefaultRoom is the room the CLI opens on start.
	DefaultRoom string `yaml:"default_room"`

	PollInterval      time.Duration `yaml:"poll_interval"`
	PendingWindow     time.Duration `yaml:"pending_window"`
	DuplicateWindow   time.Duration `yaml:"duplicate_window"`
	DefaultMessageTTL time.Duration `yaml:"default_message_ttl"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		RemoteURL:         "http://localhost:8080",
		CachePath:         "emberchat.db",
		PollInterval:      5 * time.Second,
		PendingWindow:     2 * time.Minute,
		DuplicateWindow:   15 * time.Second,
		DefaultMessageTTL: 3 * time.Minute,
	}
}

// Load builds the effective config: defaults, then the YAML file at path
// (skipped when empty or absent), then environment overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.RemoteURL = getEnv("EMBERCHAT_REMOTE_URL", cfg.RemoteURL)
	cfg.SessionToken = getEnv("EMBERCHAT_TOKEN", cfg.SessionToken)
	cfg.CachePath = getEnv("EMBERCHAT_CACHE_PATH", cfg.CachePath)
	cfg.DefaultRoom = getEnv("EMBERCHAT_ROOM", cfg.DefaultRoom)
	cfg.PollInterval = getDurationEnv("EMBERCHAT_POLL_INTERVAL", cfg.PollInterval)
	cfg.PendingWindow = getDurationEnv("EMBERCHAT_PENDING_WINDOW", cfg.PendingWindow)
	cfg.DuplicateWindow = getDurationEnv("EMBERCHAT_DUPLICATE_WINDOW", cfg.DuplicateWindow)
	cfg.DefaultMessageTTL = getDurationEnv("EMBERCHAT_DEFAULT_MESSAGE_TTL", cfg.DefaultMessageTTL)

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
