// Package config provides configuration management for the dispatchq
// standalone server. It loads settings from environment variables with
// sensible defaults, reading a .env file first when one is present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the dispatchq server.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Dispatch DispatchConfig
	WhatsApp WhatsAppConfig
	Redis    RedisConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string
	Port int

	// APIRateLimit is the per-client request cap per minute. 0 disables it.
	APIRateLimit int
}

// StoreConfig holds snapshot persistence configuration.
type StoreConfig struct {
	// Backend is "file" or "sql".
	Backend string

	// FilePath is the snapshot file location for the file backend.
	FilePath string

	// Database settings for the sql backend.
	Driver   string // mysql, postgres, sqlite3
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Prefix   string // table prefix (default: "dispatchq_")
}

// DispatchConfig holds dispatcher tuning.
type DispatchConfig struct {
	TickInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

// WhatsAppConfig holds delivery client configuration.
type WhatsAppConfig struct {
	// Enabled wires a WhatsApp worker onto the configured queues.
	Enabled bool

	BaseURL     string
	APIKey      string
	CountryCode string

	// Queues is the comma-separated list of queue names the worker serves.
	Queues []string
}

// RedisConfig holds the optional Redis rate limiter backend.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// Load loads configuration from environment variables.
// Follows 12-factor app principles - configuration via environment.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			APIRateLimit: getEnvInt("API_RATE_LIMIT", 300),
		},
		Store: StoreConfig{
			Backend:  strings.ToLower(getEnv("STORE_BACKEND", "file")),
			FilePath: getEnv("STORE_FILE_PATH", "data/queues.json"),
			Driver:   getEnv("DB_DRIVER", "mysql"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 3306),
			User:     getEnv("DB_USER", "dispatchq"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "dispatchq"),
			Prefix:   getEnv("DB_PREFIX", "dispatchq_"),
		},
		Dispatch: DispatchConfig{
			TickInterval: getEnvDuration("DISPATCH_TICK_INTERVAL", 100*time.Millisecond),
			BatchSize:    getEnvInt("DISPATCH_BATCH_SIZE", 10),
			MaxRetries:   getEnvInt("DISPATCH_MAX_RETRIES", 3),
		},
		WhatsApp: WhatsAppConfig{
			Enabled:     getEnvBool("WHATSAPP_ENABLED", false),
			BaseURL:     getEnv("WHATSAPP_BASE_URL", "https://waba.360dialog.io/v1"),
			APIKey:      getEnv("WHATSAPP_API_KEY", ""),
			CountryCode: getEnv("WHATSAPP_COUNTRY_CODE", "1"),
			Queues:      getEnvList("WHATSAPP_QUEUES", []string{"whatsapp"}),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
	}

	switch cfg.Store.Backend {
	case "file", "sql":
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be \"file\" or \"sql\", got %q", cfg.Store.Backend)
	}
	if cfg.Store.Backend == "sql" && cfg.Store.Driver != "sqlite3" && cfg.Store.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD environment variable is required for the sql backend")
	}
	if cfg.WhatsApp.Enabled && cfg.WhatsApp.APIKey == "" {
		return nil, fmt.Errorf("WHATSAPP_API_KEY environment variable is required when WHATSAPP_ENABLED=true")
	}

	return cfg, nil
}

// GetDSN returns the database connection string based on driver.
func (c *StoreConfig) GetDSN() string {
	switch strings.ToLower(c.Driver) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Database)
	case "sqlite3":
		return c.Database // SQLite uses file path as DSN
	default:
		return ""
	}
}

// getEnv retrieves environment variable or returns default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves environment variable as integer or returns default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves environment variable as boolean or returns default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration retrieves environment variable as duration or returns default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList retrieves a comma-separated environment variable or returns the default.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
