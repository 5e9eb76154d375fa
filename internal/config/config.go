package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers accepted by DB_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config aggregates every setting of the service.
type Config struct {
	App     AppConfig
	Server  ServerConfig
	Store   StoreConfig
	Redis   RedisConfig
	Session SessionConfig
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	app, err := loadAppConfig()
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		App:     app,
		Server:  server,
		Store:   store,
		Redis:   RedisConfig{URL: strings.TrimSpace(os.Getenv("REDIS_URL"))},
		Session: session,
	}, nil
}

// AppConfig describes process wide settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// IsDevelopment returns true if running in development mode.
func (c AppConfig) IsDevelopment() bool {
	return c.Env == "development"
}

func loadAppConfig() (AppConfig, error) {
	level := strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info"))
	switch level {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		return AppConfig{}, fmt.Errorf("invalid LOG_LEVEL value: %q", level)
	}

	return AppConfig{
		Env:      getEnvOrDefault("APP_ENV", "development"),
		LogLevel: level,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig parses the listen address and CORS origins.
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := parseListEnv("CORS_ALLOWED_ORIGINS")
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as is.
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// StoreConfig selects the conversation store backend.
type StoreConfig struct {
	Driver      string
	SQLitePath  string
	DatabaseURL string
}

func loadStoreConfig() (StoreConfig, error) {
	cfg := StoreConfig{
		Driver:      strings.ToLower(getEnvOrDefault("DB_DRIVER", DriverSQLite)),
		SQLitePath:  getEnvOrDefault("SQLITE_PATH", "./data/care-relay.db"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}

	switch cfg.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return StoreConfig{}, fmt.Errorf("DATABASE_URL is required when DB_DRIVER=%s", DriverPostgres)
		}
	default:
		return StoreConfig{}, fmt.Errorf("invalid DB_DRIVER value: %q", cfg.Driver)
	}
	return cfg, nil
}

// RedisConfig points at the optional presence mirror.
type RedisConfig struct {
	URL string
}

// Enabled reports whether a Redis URL was provided.
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// SessionConfig tunes the relay websocket sessions.
type SessionConfig struct {
	CaregiverCookie string
	RecipientCookie string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

func loadSessionConfig() (SessionConfig, error) {
	readTimeout, err := parseDurationEnv("WS_READ_TIMEOUT", 60*time.Second)
	if err != nil {
		return SessionConfig{}, err
	}

	writeTimeout, err := parseDurationEnv("WS_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return SessionConfig{}, err
	}

	pingInterval, err := parseDurationEnv("WS_PING_INTERVAL", 54*time.Second)
	if err != nil {
		return SessionConfig{}, err
	}

	if readTimeout > 0 && (pingInterval <= 0 || pingInterval >= readTimeout) {
		return SessionConfig{}, fmt.Errorf("WS_PING_INTERVAL (%s) must be positive and shorter than WS_READ_TIMEOUT (%s)", pingInterval, readTimeout)
	}

	maxMessageBytes, err := parseSizeEnv("WS_MAX_MESSAGE_BYTES", 64*1024)
	if err != nil {
		return SessionConfig{}, err
	}

	cfg := SessionConfig{
		CaregiverCookie: getEnvOrDefault("CAREGIVER_COOKIE", "docid"),
		RecipientCookie: getEnvOrDefault("RECIPIENT_COOKIE", "userid"),
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		PingInterval:    pingInterval,
		MaxMessageBytes: maxMessageBytes,
	}
	if cfg.CaregiverCookie == cfg.RecipientCookie {
		return SessionConfig{}, fmt.Errorf("CAREGIVER_COOKIE and RECIPIENT_COOKIE must differ, both are %q", cfg.CaregiverCookie)
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseListEnv(key string) []string {
	var out []string
	for _, entry := range strings.Split(os.Getenv(key), ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	// Bare integers are seconds.
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds < 0 {
			return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
		}
		return time.Duration(seconds) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

// parseSizeEnv reads a byte count; zero disables the limit.
func parseSizeEnv(key string, defaultValue int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}
