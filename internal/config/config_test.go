package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "APP_ENV", "LOG_LEVEL", "DB_DRIVER", "SQLITE_PATH", "DATABASE_URL", "REDIS_URL",
		"CAREGIVER_COOKIE", "RECIPIENT_COOKIE", "WS_READ_TIMEOUT", "WS_WRITE_TIMEOUT", "WS_PING_INTERVAL",
		"WS_MAX_MESSAGE_BYTES", "CORS_ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.True(t, cfg.App.IsDevelopment())
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "docid", cfg.Session.CaregiverCookie)
	assert.Equal(t, "userid", cfg.Session.RecipientCookie)
	assert.Equal(t, 60*time.Second, cfg.Session.ReadTimeout)
	assert.Equal(t, 54*time.Second, cfg.Session.PingInterval)
	assert.Equal(t, int64(64*1024), cfg.Session.MaxMessageBytes)
}

func TestLoadServerConfigAcceptsHostPort(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := loadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadServerConfigRejectsSpaces(t *testing.T) {
	t.Setenv("PORT", "80 80")

	_, err := loadServerConfig()
	require.Error(t, err)
}

func TestLoadStoreConfig(t *testing.T) {
	t.Run("postgres requires database url", func(t *testing.T) {
		t.Setenv("DB_DRIVER", "postgres")
		t.Setenv("DATABASE_URL", "")
		_, err := loadStoreConfig()
		require.ErrorContains(t, err, "DATABASE_URL")
	})

	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("DB_DRIVER", "mysql")
		_, err := loadStoreConfig()
		require.ErrorContains(t, err, "DB_DRIVER")
	})

	t.Run("memory", func(t *testing.T) {
		t.Setenv("DB_DRIVER", "Memory")
		cfg, err := loadStoreConfig()
		require.NoError(t, err)
		assert.Equal(t, DriverMemory, cfg.Driver)
	})
}

func TestLoadSessionConfig(t *testing.T) {
	t.Run("durations accept seconds and go syntax", func(t *testing.T) {
		t.Setenv("WS_READ_TIMEOUT", "30")
		t.Setenv("WS_PING_INTERVAL", "20s")
		t.Setenv("WS_WRITE_TIMEOUT", "1500ms")
		cfg, err := loadSessionConfig()
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
		assert.Equal(t, 20*time.Second, cfg.PingInterval)
		assert.Equal(t, 1500*time.Millisecond, cfg.WriteTimeout)
	})

	t.Run("ping must be shorter than read timeout", func(t *testing.T) {
		t.Setenv("WS_READ_TIMEOUT", "10s")
		t.Setenv("WS_PING_INTERVAL", "10s")
		_, err := loadSessionConfig()
		require.ErrorContains(t, err, "WS_PING_INTERVAL")
	})

	t.Run("invalid duration", func(t *testing.T) {
		t.Setenv("WS_WRITE_TIMEOUT", "soon")
		_, err := loadSessionConfig()
		require.ErrorContains(t, err, "WS_WRITE_TIMEOUT")
	})

	t.Run("message size limit", func(t *testing.T) {
		t.Setenv("WS_MAX_MESSAGE_BYTES", "4096")
		cfg, err := loadSessionConfig()
		require.NoError(t, err)
		assert.Equal(t, int64(4096), cfg.MaxMessageBytes)
	})

	t.Run("zero disables the size limit", func(t *testing.T) {
		t.Setenv("WS_MAX_MESSAGE_BYTES", "0")
		cfg, err := loadSessionConfig()
		require.NoError(t, err)
		assert.Zero(t, cfg.MaxMessageBytes)
	})

	t.Run("invalid size limit", func(t *testing.T) {
		for _, raw := range []string{"-1", "64k"} {
			t.Setenv("WS_MAX_MESSAGE_BYTES", raw)
			_, err := loadSessionConfig()
			require.ErrorContains(t, err, "WS_MAX_MESSAGE_BYTES", raw)
		}
	})

	t.Run("cookies must differ", func(t *testing.T) {
		t.Setenv("CAREGIVER_COOKIE", "id")
		t.Setenv("RECIPIENT_COOKIE", "id")
		_, err := loadSessionConfig()
		require.ErrorContains(t, err, "must differ")
	})
}

func TestLoadAppConfigRejectsUnknownLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "loud")

	_, err := loadAppConfig()
	require.Error(t, err)
}
