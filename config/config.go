package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// KV backends understood by database.OpenKV.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	KVBackend  string `env:"KV_BACKEND" envDefault:"sqlite"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"taranqi.db"`
	HistoryKey string `env:"HISTORY_KEY" envDefault:"conversation_history"`

	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"taranqi"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"taranqi"`
	DBName     string `env:"DB_NAME" envDefault:"taranqi"`

	// Empty disables the history sync channel.
	RedisURL string `env:"REDIS_URL"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	VisitorSecret   string        `env:"VISITOR_SECRET" envDefault:"dev-secret-change-in-production"`
	VisitorTokenTTL time.Duration `env:"VISITOR_TOKEN_TTL" envDefault:"720h"`

	// When set, controllers call this endpoint over HTTP instead of the
	// in-process OpenAI client.
	ChatEndpoint   string        `env:"CHAT_ENDPOINT"`
	ChatModel      string        `env:"CHAT_MODEL" envDefault:"deepseek-chat"`
	OpenAIAPIKey   string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string        `env:"OPENAI_BASE_URL"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`

	// Per visitor (or client IP) and window; 0 disables limiting.
	RateLimit  int           `env:"RATE_LIMIT" envDefault:"20"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"1m"`

	// Controllers unused this long are dropped from memory; 0 keeps them.
	ControllerIdleTTL time.Duration `env:"CONTROLLER_IDLE_TTL" envDefault:"30m"`
	JanitorSchedule   string        `env:"JANITOR_SCHEDULE" envDefault:"@every 5m"`

	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`
}

// Load reads .env files (if any) and then the process environment.
func Load() (*Config, error) {
	godotenv.Load()
	godotenv.Load("../.env")

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = parseOrigins(defaultOrigins())
	} else {
		cfg.AllowedOrigins = parseOrigins(strings.Join(cfg.AllowedOrigins, ","))
	}

	switch cfg.KVBackend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendRedis:
	default:
		return nil, fmt.Errorf("unknown KV_BACKEND %q", cfg.KVBackend)
	}
	if cfg.KVBackend == BackendRedis && cfg.RedisURL == "" {
		return nil, fmt.Errorf("KV_BACKEND=redis requires REDIS_URL")
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("RATE_LIMIT must not be negative")
	}
	if cfg.ControllerIdleTTL < 0 {
		return nil, fmt.Errorf("CONTROLLER_IDLE_TTL must not be negative")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" port=" + c.DBPort +
		" sslmode=disable TimeZone=UTC"
}

func defaultOrigins() string {
	if os.Getenv("GIN_MODE") != "release" {
		return "http://localhost:5173,http://localhost:8080"
	}
	return ""
}

func parseOrigins(s string) []string {
	parts := strings.Split(s, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
