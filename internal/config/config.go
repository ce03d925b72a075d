package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port          string
	AllowedOrigin string
	TerminalID    string
	LogLevel      string

	StoreDriver string
	SQLitePath  string
	DatabaseURL string

	ServerURL       string
	ServerToken     string
	CallTimeout     time.Duration
	ProbeInterval   time.Duration
	SyncInterval    time.Duration
	SyncMaxAttempts int
	SalePolicy      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret string
	ManagerPIN string
}

// Load reads the environment, after an optional .env in the working
// directory. Real environment variables win over .env values.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("PORT", "8081")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("TERMINAL_ID", "kiosk-1")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "kiosk.db")
	v.SetDefault("SERVER_URL", "http://127.0.0.1:8080")
	v.SetDefault("CALL_TIMEOUT", "10s")
	v.SetDefault("PROBE_INTERVAL", "15s")
	v.SetDefault("SYNC_INTERVAL", "5m")
	v.SetDefault("SYNC_MAX_ATTEMPTS", 10)
	v.SetDefault("SALE_POLICY", "purge")
	v.SetDefault("REDIS_DB", 0)
	v.AutomaticEnv()

	cfg := Config{
		Port:            v.GetString("PORT"),
		AllowedOrigin:   v.GetString("ALLOWED_ORIGIN"),
		TerminalID:      strings.TrimSpace(v.GetString("TERMINAL_ID")),
		LogLevel:        strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))),
		StoreDriver:     strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
		SQLitePath:      v.GetString("SQLITE_PATH"),
		DatabaseURL:     v.GetString("DATABASE_URL"),
		ServerURL:       strings.TrimSpace(v.GetString("SERVER_URL")),
		ServerToken:     strings.TrimSpace(v.GetString("SERVER_TOKEN")),
		SyncMaxAttempts: v.GetInt("SYNC_MAX_ATTEMPTS"),
		SalePolicy:      strings.ToLower(strings.TrimSpace(v.GetString("SALE_POLICY"))),
		RedisAddr:       v.GetString("REDIS_ADDR"),
		RedisPassword:   v.GetString("REDIS_PASSWORD"),
		RedisDB:         v.GetInt("REDIS_DB"),
		AuthSecret:      strings.TrimSpace(v.GetString("AUTH_SECRET")),
		ManagerPIN:      strings.TrimSpace(v.GetString("MANAGER_PIN")),
	}

	var err error
	if cfg.CallTimeout, err = duration(v, "CALL_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ProbeInterval, err = duration(v, "PROBE_INTERVAL", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SyncInterval, err = duration(v, "SYNC_INTERVAL", 5*time.Minute); err != nil {
		return Config{}, err
	}

	switch cfg.StoreDriver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("config: DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	default:
		return Config{}, fmt.Errorf("config: unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.SyncMaxAttempts < 1 {
		return Config{}, fmt.Errorf("config: SYNC_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.TerminalID == "" {
		cfg.TerminalID = "kiosk-1"
	}

	return cfg, nil
}

// duration parses a Go duration; zero and negative values fall back.
func duration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return fallback, nil
	}
	return d, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
