package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the Launchpad server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Aggregator AggregatorConfig
	Gateway    GatewayConfig
	Deploy     DeployConfig
	Runner     RunnerConfig
	Telemetry  TelemetryConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	CORSOrigins     []string
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL            string
	StatusCacheTTL time.Duration
}

type AggregatorConfig struct {
	FlushInterval time.Duration
	MaxBatchSize  int
}

type GatewayConfig struct {
	SendBuffer     int
	AllowedOrigins []string
}

type DeployConfig struct {
	Scheme string
	Domain string
}

type RunnerConfig struct {
	Image    string
	Network  string
	RedisURL string
}

type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
}

type LogConfig struct {
	Level  slog.Level
	Format string
}

// Load reads configuration from environment variables and returns a validated Config.
// When ENV_FILE is set, that file is loaded first; variables already present in the
// environment win over the file.
func Load() (*Config, error) {
	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	redisURL := os.Getenv("REDIS_URL")

	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("LAUNCHPAD_PORT", 9000),
			Env:             envString("LAUNCHPAD_ENV", "development"),
			CORSOrigins:     envList("CORS_ORIGIN", []string{"http://localhost:3000"}),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 30),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:            redisURL,
			StatusCacheTTL: envDuration("STATUS_CACHE_TTL", 30*time.Minute),
		},
		Aggregator: AggregatorConfig{
			FlushInterval: envDuration("FLUSH_INTERVAL", 2*time.Second),
			MaxBatchSize:  envInt("MAX_BATCH_SIZE", 50),
		},
		Gateway: GatewayConfig{
			SendBuffer:     envInt("GATEWAY_SEND_BUFFER", 256),
			AllowedOrigins: envList("GATEWAY_ALLOWED_ORIGINS", []string{"*"}),
		},
		Deploy: DeployConfig{
			Scheme: envString("DEPLOY_SCHEME", "http"),
			Domain: envString("DEPLOY_DOMAIN", "localhost:8000"),
		},
		Runner: RunnerConfig{
			Image:    os.Getenv("RUNNER_IMAGE"),
			Network:  os.Getenv("RUNNER_NETWORK"),
			RedisURL: envString("RUNNER_REDIS_URL", redisURL),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:  envString("OTEL_SERVICE_NAME", "launchpad"),
		},
		Log: LogConfig{
			Level:  envLevel("LOG_LEVEL", slog.LevelInfo),
			Format: envString("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Runner.Image == "" {
		return fmt.Errorf("RUNNER_IMAGE is required")
	}

	if c.Aggregator.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be positive, got %s", c.Aggregator.FlushInterval)
	}
	if c.Aggregator.MaxBatchSize < 1 {
		return fmt.Errorf("MAX_BATCH_SIZE must be at least 1, got %d", c.Aggregator.MaxBatchSize)
	}
	if c.Gateway.SendBuffer < 1 {
		return fmt.Errorf("GATEWAY_SEND_BUFFER must be at least 1, got %d", c.Gateway.SendBuffer)
	}

	if c.Deploy.Scheme != "http" && c.Deploy.Scheme != "https" {
		return fmt.Errorf("DEPLOY_SCHEME must be http or https, got %q", c.Deploy.Scheme)
	}

	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList splits a comma separated value, dropping empty items.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func envLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
