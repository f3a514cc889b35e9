package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"HTTP_ADDR", "DB_DRIVER", "SQLITE_PATH", "SEQUENCE_BACKEND",
		"KAFKA_BROKERS", "CORS_ORIGINS", "SUBMIT_MAX_ATTEMPTS", "AUDIT_INTERVAL"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, SequenceStore, cfg.SequenceBackend)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.Equal(t, 3, cfg.SubmitMaxAttempts)
	assert.Equal(t, time.Hour, cfg.AuditInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/billing")
	t.Setenv("DB_MAX_CONNS", "40")
	t.Setenv("SEQUENCE_BACKEND", "redis")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, ,kafka-2:9092")
	t.Setenv("AUDIT_INTERVAL", "15m")
	t.Setenv("SUBMIT_MAX_ATTEMPTS", "not-a-number")

	cfg := Load()
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, 40, cfg.DBMaxConns)
	assert.Equal(t, SequenceRedis, cfg.SequenceBackend)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 15*time.Minute, cfg.AuditInterval)
	assert.Equal(t, 3, cfg.SubmitMaxAttempts, "unparsable values fall back to the default")
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	base := AppConfig{DBDriver: DriverSQLite, SQLitePath: ":memory:", SequenceBackend: SequenceStore, SubmitMaxAttempts: 3}
	require.NoError(t, base.Validate())

	cases := map[string]func(*AppConfig){
		"postgres without url": func(c *AppConfig) { c.DBDriver = DriverPostgres },
		"sqlite without path":  func(c *AppConfig) { c.SQLitePath = "" },
		"unknown driver":       func(c *AppConfig) { c.DBDriver = "mysql" },
		"unknown sequence":     func(c *AppConfig) { c.SequenceBackend = "etcd" },
		"zero attempts":        func(c *AppConfig) { c.SubmitMaxAttempts = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("BILLING_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("BILLING_TEST_DOTENV", "")
	os.Unsetenv("BILLING_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("BILLING_TEST_DOTENV"))
}
