// Package config loads the relay configuration from defaults, an optional
// YAML file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "YRELAY_"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/yrelay/config.yaml",
}

// Roles a process can run.
const (
	RoleServer = "server"
	RoleWorker = "worker"
	RoleAll    = "all"
)

// Storage backends.
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendS3        = "s3"
	BackendFirestore = "firestore"
	BackendBadger    = "badger"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Redis   RedisConfig   `koanf:"redis"`
	Worker  WorkerConfig  `koanf:"worker"`
	Storage StorageConfig `koanf:"storage"`
	Auth    AuthConfig    `koanf:"auth"`
	Logging LoggingConfig `koanf:"logging"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	Role            string        `koanf:"role"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// MaxMessageSize limits a single incoming WebSocket frame in bytes.
	MaxMessageSize  int64         `koanf:"max_message_size"`
}

// RedisConfig configures the log store. An empty URL selects the in-process
// log, which only suits a single process.
type RedisConfig struct {
	URL       string        `koanf:"url"`
	Prefix    string        `koanf:"prefix"`
	ReadCount int           `koanf:"read_count"`
	ReadBlock time.Duration `koanf:"read_block"`
}

type WorkerConfig struct {
	TaskDebounce       time.Duration `koanf:"task_debounce"`
	MinMessageLifetime time.Duration `koanf:"min_message_lifetime"`
	TryClaimCount      int           `koanf:"try_claim_count"`
	IdlePause          time.Duration `koanf:"idle_pause"`
}

type StorageConfig struct {
	Backend             string        `koanf:"backend"`
	PostgresURL         string        `koanf:"postgres_url"`
	FirestoreProject    string        `koanf:"firestore_project"`
	FirestoreCollection string        `koanf:"firestore_collection"`
	S3Endpoint          string        `koanf:"s3_endpoint"`
	S3Region            string        `koanf:"s3_region"`
	S3Bucket            string        `koanf:"s3_bucket"`
	S3AccessKey         string        `koanf:"s3_access_key"`
	S3SecretKey         string        `koanf:"s3_secret_key"`
	S3PathStyle         bool          `koanf:"s3_path_style"`
	BadgerPath          string        `koanf:"badger_path"`
	StateVectorCacheTTL time.Duration `koanf:"state_vector_cache_ttl"`
}

// AuthConfig configures token verification and the permission callback.
type AuthConfig struct {
	PublicKeyPEM    string `koanf:"public_key_pem"`
	PermCallbackURL string `koanf:"perm_callback_url"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":3002",
			Role:            RoleAll,
			ShutdownTimeout: 10 * time.Second,
			MaxMessageSize:  100 * 1024 * 1024,
		},
		Redis: RedisConfig{
			Prefix:    "y",
			ReadCount: 1000,
			ReadBlock: time.Second,
		},
		Worker: WorkerConfig{
			TaskDebounce:       10 * time.Second,
			MinMessageLifetime: time.Minute,
			TryClaimCount:      5,
			IdlePause:          time.Second,
		},
		Storage: StorageConfig{
			Backend:             BackendMemory,
			FirestoreCollection: "documents",
			S3Region:            "us-east-1",
			S3Bucket:            "ydocs",
			S3PathStyle:         true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envMappings maps environment variables, without prefix and lowercased,
// to config paths. Unmapped variables are ignored.
var envMappings = map[string]string{
	"addr":             "server.addr",
	"role":             "server.role",
	"shutdown_timeout": "server.shutdown_timeout",
	"max_message_size": "server.max_message_size",

	"redis_url":        "redis.url",
	"redis_prefix":     "redis.prefix",
	"redis_read_count": "redis.read_count",
	"redis_read_block": "redis.read_block",

	"task_debounce":        "worker.task_debounce",
	"min_message_lifetime": "worker.min_message_lifetime",
	"try_claim_count":      "worker.try_claim_count",
	"idle_pause":           "worker.idle_pause",

	"storage":                "storage.backend",
	"postgres_url":           "storage.postgres_url",
	"firestore_project":      "storage.firestore_project",
	"firestore_collection":   "storage.firestore_collection",
	"s3_endpoint":            "storage.s3_endpoint",
	"s3_region":              "storage.s3_region",
	"s3_bucket":              "storage.s3_bucket",
	"s3_access_key":          "storage.s3_access_key",
	"s3_secret_key":          "storage.s3_secret_key",
	"s3_path_style":          "storage.s3_path_style",
	"badger_path":            "storage.badger_path",
	"state_vector_cache_ttl": "storage.state_vector_cache_ttl",

	"auth_public_key":    "auth.public_key_pem",
	"auth_perm_callback": "auth.perm_callback_url",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc turns YRELAY_REDIS_URL into redis.url.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return envMappings[key]
}

// Validate rejects unknown roles and backends, non-positive durations and
// backends missing their connection settings.
func (c *Config) Validate() error {
	switch c.Server.Role {
	case RoleServer, RoleWorker, RoleAll:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalid, c.Server.Role)
	}
	if c.Redis.Prefix == "" {
		return fmt.Errorf("%w: redis prefix must not be empty", ErrInvalid)
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: server max_message_size must be positive", ErrInvalid)
	}
	if c.Redis.ReadCount <= 0 {
		return fmt.Errorf("%w: redis read_count must be positive", ErrInvalid)
	}
	if c.Worker.TryClaimCount <= 0 {
		return fmt.Errorf("%w: worker try_claim_count must be positive", ErrInvalid)
	}

	durations := map[string]time.Duration{
		"server.shutdown_timeout":     c.Server.ShutdownTimeout,
		"redis.read_block":            c.Redis.ReadBlock,
		"worker.task_debounce":        c.Worker.TaskDebounce,
		"worker.min_message_lifetime": c.Worker.MinMessageLifetime,
		"worker.idle_pause":           c.Worker.IdlePause,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, name, d)
		}
	}
	if c.Storage.StateVectorCacheTTL < 0 {
		return fmt.Errorf("%w: storage.state_vector_cache_ttl must not be negative", ErrInvalid)
	}

	s := c.Storage
	switch s.Backend {
	case BackendMemory, BackendBadger:
	case BackendPostgres:
		if s.PostgresURL == "" {
			return fmt.Errorf("%w: postgres backend requires postgres_url", ErrInvalid)
		}
	case BackendS3:
		if s.S3Endpoint == "" || s.S3Bucket == "" {
			return fmt.Errorf("%w: s3 backend requires s3_endpoint and s3_bucket", ErrInvalid)
		}
	case BackendFirestore:
		if s.FirestoreProject == "" {
			return fmt.Errorf("%w: firestore backend requires firestore_project", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalid, s.Backend)
	}

	if c.Server.Role != RoleWorker && (c.Auth.PublicKeyPEM == "" || c.Auth.PermCallbackURL == "") {
		return fmt.Errorf("%w: auth public_key_pem and perm_callback_url are required to serve connections", ErrInvalid)
	}
	return nil
}
