/*
Package config loads server settings.

PRECEDENCE (later wins):
  1. Defaults
  2. YAML file (-config, optional)
  3. .env file via godotenv (never overrides variables already set)
  4. ACCESS_* environment variables
  5. Command-line flags that were explicitly passed

REQUIRED:
  jwtSecret, webhookSecret

DB DRIVERS:
  sqlite       database/sql + mattn/go-sqlite3, goose migrations
  gorm-sqlite  GORM over SQLite
  postgres     GORM over PostgreSQL
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite     = "sqlite"
	DriverGormSQLite = "gorm-sqlite"
	DriverPostgres   = "postgres"
)

type Config struct {
	Port              int           `yaml:"port"`
	DBDriver          string        `yaml:"dbDriver"`
	DBDSN             string        `yaml:"dbDSN"`
	LogLevel          string        `yaml:"logLevel"`
	JWTSecret         string        `yaml:"jwtSecret"`
	WebhookSecret     string        `yaml:"webhookSecret"`
	RedisAddr         string        `yaml:"redisAddr"`
	RedisPassword     string        `yaml:"redisPassword"`
	PaymentStream     string        `yaml:"paymentStream"`
	CacheTTL          time.Duration `yaml:"cacheTTL"`
	Catalog           string        `yaml:"catalog"`
	ReconcileSchedule string        `yaml:"reconcileSchedule"`
	AllowedOrigins    []string      `yaml:"allowedOrigins"`
}

func Defaults() Config {
	return Config{
		Port:              8080,
		DBDriver:          DriverSQLite,
		DBDSN:             "access.db",
		LogLevel:          "info",
		PaymentStream:     "payments",
		CacheTTL:          10 * time.Minute,
		ReconcileSchedule: "@every 5m",
		AllowedOrigins:    []string{"http://localhost:5173", "http://localhost:8080"},
	}
}

// Load resolves the configuration for args (os.Args[1:] in production).
func Load(args []string) (Config, error) {
	cfg := Defaults()

	fset := flag.NewFlagSet("access-engine", flag.ContinueOnError)
	path := fset.String("config", "", "YAML config file")
	envFile := fset.String("env-file", ".env", "dotenv file")
	port := fset.Int("port", cfg.Port, "HTTP server port")
	driver := fset.String("db-driver", cfg.DBDriver, "sqlite | gorm-sqlite | postgres")
	dsn := fset.String("db", cfg.DBDSN, "database path or DSN")
	level := fset.String("log-level", cfg.LogLevel, "debug | info | warn | error")
	catalogPath := fset.String("catalog", cfg.Catalog, "catalog YAML to import at startup (\"demo\" for the built-in one)")
	redisAddr := fset.String("redis", cfg.RedisAddr, "Redis address; empty disables cache and payment stream")
	if err := fset.Parse(args); err != nil {
		return cfg, err
	}

	if *path != "" {
		if err := loadFile(*path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load %s: %w", *envFile, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "db-driver":
			cfg.DBDriver = *driver
		case "db":
			cfg.DBDSN = *dsn
		case "log-level":
			cfg.LogLevel = *level
		case "catalog":
			cfg.Catalog = *catalogPath
		case "redis":
			cfg.RedisAddr = *redisAddr
		}
	})

	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ACCESS_PORT"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: ACCESS_PORT: %w", err)
		}
		cfg.Port = n
	}
	if v := os.Getenv("ACCESS_DB_DRIVER"); v != "" {
		cfg.DBDriver = strings.TrimSpace(v)
	}
	if v := os.Getenv("ACCESS_DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv("ACCESS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("ACCESS_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("ACCESS_WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}
	if v := os.Getenv("ACCESS_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = strings.TrimSpace(v)
	}
	if v := os.Getenv("ACCESS_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("ACCESS_PAYMENT_STREAM"); v != "" {
		cfg.PaymentStream = strings.TrimSpace(v)
	}
	if v := os.Getenv("ACCESS_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: ACCESS_CACHE_TTL: %w", err)
		}
		cfg.CacheTTL = d
	}
	if v := os.Getenv("ACCESS_CATALOG"); v != "" {
		cfg.Catalog = strings.TrimSpace(v)
	}
	if v := os.Getenv("ACCESS_RECONCILE_SCHEDULE"); v != "" {
		cfg.ReconcileSchedule = strings.TrimSpace(v)
	}
	if v := os.Getenv("ACCESS_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	switch c.DBDriver {
	case DriverSQLite, DriverGormSQLite, DriverPostgres:
	default:
		return fmt.Errorf("config: unknown dbDriver %q", c.DBDriver)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return errors.New("config: dbDSN is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or ACCESS_JWT_SECRET)")
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return errors.New("config: webhookSecret is required (set in config.yaml or ACCESS_WEBHOOK_SECRET)")
	}
	return nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
