package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "BITRIVER_INGEST_"

// Config is the complete runtime configuration of the ingest gateway.
type Config struct {
	ListenAddr       string
	HTTPAddr         string
	HTTPTLSCert      string
	HTTPTLSKey       string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxConnections   int

	EncoderPath      string
	EncoderExtraArgs []string
	OutputRoot       string
	StopGrace        time.Duration

	ReaperInterval   time.Duration
	HeartbeatTimeout time.Duration

	// LookupTimeout bounds each stream key lookup made while a publish
	// command waits for its answer.
	LookupTimeout time.Duration

	Postgres PostgresConfig
	Redis    RedisConfig

	LogLevel  string
	LogFormat string

	// StaticKeys maps stream keys to account IDs for the in-memory store
	// used when no Postgres DSN is configured.
	StaticKeys map[string]string
}

// PostgresConfig controls the pgx pool backing key lookups.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	ConnectTimeout time.Duration
	ApplySchema    bool
}

// RedisConfig controls the optional cross-instance lease and event publisher.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	LeaseTTL     time.Duration
	EventsStream string
}

// Default returns the configuration used when no overrides are present.
func Default() Config {
	return Config{
		ListenAddr:       ":1935",
		HTTPAddr:         ":8081",
		HandshakeTimeout: 30 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxConnections:   512,
		EncoderPath:      "ffmpeg",
		OutputRoot:       "./stream_output",
		StopGrace:        10 * time.Second,
		ReaperInterval:   10 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		LookupTimeout:    3 * time.Second,
		Postgres: PostgresConfig{
			MaxConns:       10,
			MinConns:       1,
			ConnectTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			LeaseTTL:     90 * time.Second,
			EventsStream: "bitriver:ingest:events",
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load reads the given dotenv files (".env" when none are given) into the
// process environment and then builds the configuration from it. Missing
// dotenv files are not an error; variables already set in the environment
// take precedence over file values.
func Load(paths ...string) (Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return FromEnv()
}

// FromEnv builds the configuration from BITRIVER_INGEST_* variables on top
// of Default and validates it.
func FromEnv() (Config, error) {
	cfg := Default()

	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.HTTPTLSCert, "HTTP_TLS_CERT")
	setString(&cfg.HTTPTLSKey, "HTTP_TLS_KEY")
	setString(&cfg.EncoderPath, "ENCODER_PATH")
	setString(&cfg.OutputRoot, "OUTPUT_ROOT")
	setString(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Redis.EventsStream, "REDIS_EVENTS_STREAM")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")

	if args := env("ENCODER_EXTRA_ARGS"); args != "" {
		cfg.EncoderExtraArgs = strings.Fields(args)
	}

	durations := []struct {
		name   string
		target *time.Duration
	}{
		{"HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout},
		{"READ_TIMEOUT", &cfg.ReadTimeout},
		{"WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"STOP_GRACE", &cfg.StopGrace},
		{"REAPER_INTERVAL", &cfg.ReaperInterval},
		{"HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
		{"LOOKUP_TIMEOUT", &cfg.LookupTimeout},
		{"POSTGRES_CONNECT_TIMEOUT", &cfg.Postgres.ConnectTimeout},
		{"REDIS_LEASE_TTL", &cfg.Redis.LeaseTTL},
	}
	for _, d := range durations {
		if raw := env(d.name); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return Config{}, fmt.Errorf("parse %s%s: %w", envPrefix, d.name, err)
			}
			*d.target = parsed
		}
	}

	if raw := env("MAX_CONNECTIONS"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %sMAX_CONNECTIONS: %w", envPrefix, err)
		}
		cfg.MaxConnections = parsed
	}
	if raw := env("REDIS_DB"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %sREDIS_DB: %w", envPrefix, err)
		}
		cfg.Redis.DB = parsed
	}
	if raw := env("POSTGRES_MAX_CONNS"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("parse %sPOSTGRES_MAX_CONNS: %w", envPrefix, err)
		}
		cfg.Postgres.MaxConns = int32(parsed)
	}
	if raw := env("POSTGRES_MIN_CONNS"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("parse %sPOSTGRES_MIN_CONNS: %w", envPrefix, err)
		}
		cfg.Postgres.MinConns = int32(parsed)
	}
	if raw := env("POSTGRES_APPLY_SCHEMA"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %sPOSTGRES_APPLY_SCHEMA: %w", envPrefix, err)
		}
		cfg.Postgres.ApplySchema = parsed
	}

	if raw := env("STATIC_KEYS"); raw != "" {
		keys, err := ParseStaticKeys(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.StaticKeys = keys
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseStaticKeys parses comma separated key=account pairs. A bare key maps
// to an account of the same name.
func ParseStaticKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		key, account, found := strings.Cut(trimmed, "=")
		key = strings.TrimSpace(key)
		account = strings.TrimSpace(account)
		if key == "" {
			return nil, fmt.Errorf("invalid static key entry %q", trimmed)
		}
		if !found || account == "" {
			account = key
		}
		keys[key] = account
	}
	if len(keys) == 0 {
		return nil, errors.New("no static keys configured")
	}
	return keys, nil
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen address is required")
	}
	if strings.TrimSpace(c.EncoderPath) == "" {
		return errors.New("encoder path is required")
	}
	if strings.TrimSpace(c.OutputRoot) == "" {
		return errors.New("output root is required")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be positive")
	}
	if c.HandshakeTimeout <= 0 || c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("network timeouts must be positive")
	}
	if c.StopGrace < 0 {
		return errors.New("stop grace period cannot be negative")
	}
	if c.ReaperInterval <= 0 {
		return errors.New("reaper interval must be positive")
	}
	if c.HeartbeatTimeout <= 0 {
		return errors.New("heartbeat timeout must be positive")
	}
	if c.LookupTimeout <= 0 {
		return errors.New("key lookup timeout must be positive")
	}
	if c.Postgres.MaxConns < 0 || c.Postgres.MinConns < 0 {
		return errors.New("postgres pool sizes cannot be negative")
	}
	if c.Postgres.MaxConns > 0 && c.Postgres.MinConns > c.Postgres.MaxConns {
		return errors.New("postgres min conns cannot exceed max conns")
	}
	if (c.HTTPTLSCert == "") != (c.HTTPTLSKey == "") {
		return errors.New("http tls cert and key must be set together")
	}
	if c.Redis.Addr != "" && c.Redis.LeaseTTL <= 0 {
		return errors.New("redis lease ttl must be positive")
	}
	// Leases are renewed once per sweep.
	if c.Redis.Addr != "" && c.Redis.LeaseTTL <= c.ReaperInterval {
		return errors.New("redis lease ttl must exceed the reaper interval")
	}
	return nil
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func setString(target *string, name string) {
	if value := env(name); value != "" {
		*target = value
	}
}
