// Package config loads settings for the finctl and fakeapi binaries.
// Priority: flag > env > .env file > default.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/panyam/tokenkeeper/client"
	"github.com/panyam/tokenkeeper/internal/fakeapi"
)

// Store kinds accepted by -store / FINCTL_STORE.
const (
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Defaults
const (
	DefaultServerURL = "http://localhost:8000"
	DefaultAppName   = "finctl"
	DefaultLogLevel  = "info"
	DefaultFormat    = "console"
	DefaultRedisAddr = "localhost:6379"
	DefaultAddr      = ":8000"
)

// Config is the finctl configuration.
type Config struct {
	ServerURL string

	Store           string
	CredentialsFile string // empty means <UserConfigDir>/finctl/credentials.json
	RedisAddr       string
	RedisPrefix     string
	SQLitePath      string

	RequestTimeout time.Duration
	RefreshTimeout time.Duration
	RefreshMargin  time.Duration
	ClockInterval  time.Duration

	LogLevel  string
	LogFormat string
}

// Flags holds the raw flag values. An empty value means "not set".
type Flags struct {
	EnvFile         *string
	ServerURL       *string
	Store           *string
	CredentialsFile *string
	RedisAddr       *string
	RedisPrefix     *string
	SQLitePath      *string
	RequestTimeout  *string
	RefreshTimeout  *string
	RefreshMargin   *string
	ClockInterval   *string
	LogLevel        *string
	LogFormat       *string
}

// RegisterFlags defines the finctl flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		EnvFile:         fs.String("env-file", ".env", "dotenv file to load if present"),
		ServerURL:       fs.String("server-url", "", "API base URL (default: "+DefaultServerURL+" or FINCTL_SERVER_URL env)"),
		Store:           fs.String("store", "", "credential store: file, redis, sqlite or memory (FINCTL_STORE)"),
		CredentialsFile: fs.String("credentials-file", "", "credentials file for the file store (FINCTL_CREDENTIALS_FILE)"),
		RedisAddr:       fs.String("redis-addr", "", "redis address for the redis store (FINCTL_REDIS_ADDR)"),
		RedisPrefix:     fs.String("redis-prefix", "", "key prefix for the redis store (FINCTL_REDIS_PREFIX)"),
		SQLitePath:      fs.String("sqlite-path", "", "database file for the sqlite store (FINCTL_SQLITE_PATH)"),
		RequestTimeout:  fs.String("request-timeout", "", "per-attempt request timeout (FINCTL_REQUEST_TIMEOUT)"),
		RefreshTimeout:  fs.String("refresh-timeout", "", "refresh exchange timeout (FINCTL_REFRESH_TIMEOUT)"),
		RefreshMargin:   fs.String("refresh-margin", "", "refresh this long before expiry (FINCTL_REFRESH_MARGIN)"),
		ClockInterval:   fs.String("clock-interval", "", "expiry check interval (FINCTL_CLOCK_INTERVAL)"),
		LogLevel:        fs.String("log-level", "", "debug, info, warn or error (FINCTL_LOG_LEVEL)"),
		LogFormat:       fs.String("log-format", "", "console or json (FINCTL_LOG_FORMAT)"),
	}
}

// Load resolves the finctl configuration. flags may be nil.
func Load(flags *Flags) (*Config, error) {
	if flags == nil {
		flags = RegisterFlags(flag.NewFlagSet("finctl", flag.ContinueOnError))
	}
	if err := loadEnvFile(*flags.EnvFile); err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerURL:       get(*flags.ServerURL, "FINCTL_SERVER_URL", DefaultServerURL),
		Store:           strings.ToLower(get(*flags.Store, "FINCTL_STORE", StoreFile)),
		CredentialsFile: get(*flags.CredentialsFile, "FINCTL_CREDENTIALS_FILE", ""),
		RedisAddr:       get(*flags.RedisAddr, "FINCTL_REDIS_ADDR", DefaultRedisAddr),
		RedisPrefix:     get(*flags.RedisPrefix, "FINCTL_REDIS_PREFIX", DefaultAppName+":"),
		SQLitePath:      get(*flags.SQLitePath, "FINCTL_SQLITE_PATH", DefaultAppName+".db"),
		LogLevel:        strings.ToLower(get(*flags.LogLevel, "FINCTL_LOG_LEVEL", DefaultLogLevel)),
		LogFormat:       strings.ToLower(get(*flags.LogFormat, "FINCTL_LOG_FORMAT", DefaultFormat)),
	}

	var err error
	if cfg.RequestTimeout, err = getDuration(*flags.RequestTimeout, "FINCTL_REQUEST_TIMEOUT", client.DefaultRequestTimeout); err != nil {
		return nil, err
	}
	if cfg.RefreshTimeout, err = getDuration(*flags.RefreshTimeout, "FINCTL_REFRESH_TIMEOUT", client.DefaultRefreshTimeout); err != nil {
		return nil, err
	}
	if cfg.RefreshMargin, err = getDuration(*flags.RefreshMargin, "FINCTL_REFRESH_MARGIN", client.DefaultRefreshMargin); err != nil {
		return nil, err
	}
	if cfg.ClockInterval, err = getDuration(*flags.ClockInterval, "FINCTL_CLOCK_INTERVAL", client.DefaultClockInterval); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the resolved values.
func (c *Config) Validate() error {
	if err := ValidateServerURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	switch c.Store {
	case StoreFile, StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("redis store needs a redis address")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("sqlite store needs a database path")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	for name, d := range map[string]time.Duration{
		"request timeout": c.RequestTimeout,
		"refresh timeout": c.RefreshTimeout,
		"refresh margin":  c.RefreshMargin,
		"clock interval":  c.ClockInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return validateLogging(c.LogLevel, c.LogFormat)
}

// Insecure reports whether tokens would travel in plaintext.
func (c *Config) Insecure() bool {
	return strings.HasPrefix(strings.ToLower(c.ServerURL), "http://")
}

// ServerConfig is the fakeapi configuration.
type ServerConfig struct {
	Addr         string
	Secret       string
	AccessTTL    time.Duration
	RefreshedTTL time.Duration
	Rotate       bool
	LogLevel     string
	LogFormat    string
}

// LoadServer resolves the fakeapi configuration from FAKEAPI_* variables.
// Flags are applied by the caller after this returns.
func LoadServer(envFile string) (*ServerConfig, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}
	cfg := &ServerConfig{
		Addr:      getEnv("FAKEAPI_ADDR", DefaultAddr),
		Secret:    getEnv("FAKEAPI_SECRET", ""),
		LogLevel:  strings.ToLower(getEnv("FAKEAPI_LOG_LEVEL", DefaultLogLevel)),
		LogFormat: strings.ToLower(getEnv("FAKEAPI_LOG_FORMAT", DefaultFormat)),
	}

	var err error
	if cfg.AccessTTL, err = getDuration("", "FAKEAPI_ACCESS_TTL", fakeapi.DefaultAccessTTL); err != nil {
		return nil, err
	}
	if cfg.RefreshedTTL, err = getDuration("", "FAKEAPI_REFRESHED_TTL", fakeapi.DefaultRefreshedTTL); err != nil {
		return nil, err
	}
	if v := getEnv("FAKEAPI_ROTATE", ""); v != "" {
		if cfg.Rotate, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid FAKEAPI_ROTATE: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the resolved values.
func (c *ServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.AccessTTL <= 0 || c.RefreshedTTL <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	return validateLogging(c.LogLevel, c.LogFormat)
}

// ValidateServerURL checks that rawURL is an absolute http or https URL.
func ValidateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL must include a host")
	}
	return nil
}

func validateLogging(level, format string) error {
	switch level {
	case "debug", "info", "warn", "error", "disabled":
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	if format != "console" && format != "json" {
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// loadEnvFile loads path if it exists. Variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// get returns value with priority: flag > env > default
func get(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(flagValue, envKey string, defaultValue time.Duration) (time.Duration, error) {
	raw := get(flagValue, envKey, "")
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", envKey, err)
	}
	return d, nil
}
