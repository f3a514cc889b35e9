// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Sequence backends.
const (
	SequenceStore = "store"
	SequenceRedis = "redis"
)

type AppConfig struct {
	HTTPAddr       string
	AllowedOrigins []string

	DBDriver    string
	SQLitePath  string
	DatabaseURL string
	DBMaxConns  int

	SequenceBackend string
	RedisAddr       string
	RedisPass       string
	RedisDB         int

	KafkaBrokers []string // empty disables event publishing
	KafkaTopic   string

	LogLevel          string
	SubmitMaxAttempts int
	AuditInterval     time.Duration // 0 disables the background audit
}

// LoadDotEnv reads .env files when present. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	err := godotenv.Load(files...)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func Load() AppConfig {
	return AppConfig{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		AllowedOrigins:    parseCSVEnv("CORS_ORIGINS", ""),
		DBDriver:          getEnv("DB_DRIVER", DriverSQLite),
		SQLitePath:        getEnv("SQLITE_PATH", "./data/billing.db"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		DBMaxConns:        getEnvAsInt("DB_MAX_CONNS", 20),
		SequenceBackend:   getEnv("SEQUENCE_BACKEND", SequenceStore),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:         getEnv("REDIS_PASS", ""),
		RedisDB:           getEnvAsInt("REDIS_DB", 0),
		KafkaBrokers:      parseCSVEnv("KAFKA_BROKERS", ""),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "billing.receipts"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		SubmitMaxAttempts: getEnvAsInt("SUBMIT_MAX_ATTEMPTS", 3),
		AuditInterval:     getEnvAsDuration("AUDIT_INTERVAL", time.Hour),
	}
}

// Validate reports settings that cannot work together.
func (c AppConfig) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for driver %q", c.DBDriver)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for driver %q", c.DBDriver)
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	switch c.SequenceBackend {
	case SequenceStore, SequenceRedis:
	default:
		return fmt.Errorf("unknown SEQUENCE_BACKEND %q", c.SequenceBackend)
	}
	if c.SubmitMaxAttempts < 1 {
		return fmt.Errorf("SUBMIT_MAX_ATTEMPTS must be at least 1, got %d", c.SubmitMaxAttempts)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// parseCSVEnv splits a comma separated value, dropping empty entries.
func parseCSVEnv(key, fallback string) []string {
	val := getEnv(key, fallback)
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
