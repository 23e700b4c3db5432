package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Verification.KeepAliveTimeout())
	assert.Equal(t, 10*time.Second, cfg.Verification.MovementTimeout())
	assert.Equal(t, 3, cfg.Verification.Captcha.Attempts)
	assert.Equal(t, 3, cfg.Verification.ViolationThreshold)
	assert.Equal(t, time.Minute, cfg.Cache.BlacklistBaseTTL())
	assert.Equal(t, 65536, cfg.Cache.Capacity)
	assert.False(t, cfg.Verification.Captcha.Enabled)
	assert.Equal(t, 200, cfg.Verification.MaxLoginPackets)
	assert.Equal(t, "^[a-zA-Z_]+$", cfg.Verification.ValidLocaleRegex)
	assert.Equal(t, 1, cfg.Scoring.InvalidLocale)
	assert.Equal(t, time.Hour, cfg.Cache.OffenseMemory())
	assert.Equal(t, "limbo:blacklist", cfg.Database.RedisBlacklistKey)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "limbo.toml", `
backend = "127.0.0.1:25566"

[listen]
websocket = ":8081"

[verification]
keep_alive_timeout_ms = 2500
violation_threshold = 5

[verification.captcha]
enabled = true
attempts = 2

[scoring]
too_fast = 2

[database]
type = "sqlite"
path = "/tmp/verified.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:25566", cfg.Backend)
	assert.Equal(t, ":8081", cfg.Listen.WebSocket)
	assert.Equal(t, ":25565", cfg.Listen.TCP, "unset keys keep their default")
	assert.Equal(t, 2500*time.Millisecond, cfg.Verification.KeepAliveTimeout())
	assert.Equal(t, 5, cfg.Verification.ViolationThreshold)
	assert.True(t, cfg.Verification.Captcha.Enabled)
	assert.Equal(t, 2, cfg.Verification.Captcha.Attempts)
	assert.Equal(t, 5, cfg.Verification.Captcha.Length)
	assert.Equal(t, 2, cfg.Scoring.TooFast)
	assert.Equal(t, 1, cfg.Scoring.Malformed)
	assert.Equal(t, DatabaseSQLite, cfg.Database.Type)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "limbo.yml", `
debug: true
cache:
  capacity: 128
  blacklist_base_ttl_ms: 1000
  offense_memory_ms: 0
database:
  type: redis
  redis_addr: 127.0.0.1:6379
messages:
  blacklisted: go away
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, 128, cfg.Cache.Capacity)
	assert.Equal(t, time.Second, cfg.Cache.BlacklistBaseTTL())
	assert.Equal(t, time.Duration(-1), cfg.Cache.OffenseMemory(), "zero turns offense memory off")
	assert.Equal(t, DatabaseRedis, cfg.Database.Type)
	assert.Equal(t, "go away", cfg.Messages.Blacklisted)
	assert.NotEmpty(t, cfg.Messages.Timeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown extension", "limbo.ini", "debug = true"},
		{"bad toml", "limbo.toml", "[verification"},
		{"unknown yaml key", "limbo.yaml", "nonsense: 1"},
		{"zero timeout", "limbo.toml", "[verification]\nkeep_alive_timeout_ms = 0"},
		{"bad regex", "limbo.toml", "[verification]\nvalid_brand_regex = \"(\""},
		{"bad locale regex", "limbo.toml", "[verification]\nvalid_locale_regex = \"[a-\""},
		{"zero login packets", "limbo.toml", "[verification]\nmax_login_packets = 0"},
		{"negative offense memory", "limbo.toml", "[cache]\noffense_memory_ms = -1"},
		{"unknown database", "limbo.toml", "[database]\ntype = \"mongo\""},
		{"redis without addr", "limbo.toml", "[database]\ntype = \"redis\""},
		{"negative weight", "limbo.toml", "[scoring]\nmalformed = -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Verification.MaxVerifying = 0
	cfg.Cache.Capacity = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_verifying")
	assert.Contains(t, err.Error(), "cache.capacity")
}
