package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Addr      string          `toml:"addr"`
	LogLevel  string          `toml:"log_level"`
	JWTSecret string          `toml:"jwt_secret"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	MaxOpenConns    int      `toml:"max_open_conns"`
	MaxIdleConns    int      `toml:"max_idle_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr        string   `toml:"addr"`
	PresenceTTL Duration `toml:"presence_ttl"`
}

type TelemetryConfig struct {
	ServiceName  string `toml:"service_name"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

// Duration lets TOML files carry values like "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func Default() *Config {
	return &Config{
		Addr:     ":8080",
		LogLevel: "info",
		Postgres: PostgresConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    25,
			ConnMaxLifetime: Duration{5 * time.Minute},
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PresenceTTL: Duration{90 * time.Second},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "go-relay",
		},
	}
}

// Load builds the config from defaults, an optional TOML file and the
// environment, in that order of precedence (env wins).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadToml(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadToml(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if _, err := toml.Decode(string(data), out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getEnv("ADDR", cfg.Addr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)

	cfg.Postgres.DSN = getEnv("DB_DSN", cfg.Postgres.DSN)
	cfg.Postgres.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", cfg.Postgres.MaxOpenConns)
	cfg.Postgres.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", cfg.Postgres.MaxIdleConns)
	cfg.Postgres.ConnMaxLifetime.Duration = getEnvDuration("DB_CONN_LIFETIME", cfg.Postgres.ConnMaxLifetime.Duration)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.PresenceTTL.Duration = getEnvDuration("PRESENCE_TTL", cfg.Redis.PresenceTTL.Duration)

	cfg.Telemetry.ServiceName = getEnv("SERVICE_NAME", cfg.Telemetry.ServiceName)
	cfg.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		errs = append(errs, errors.New("DB_DSN is not set"))
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	}
	if c.Redis.PresenceTTL.Duration <= 0 {
		errs = append(errs, errors.New("presence ttl must be positive"))
	}
	return errors.Join(errs...)
}
