// Package config loads dispatcher configuration from defaults, an optional
// TOML file and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/queue"
	"go.flowcatalyst.tech/dispatcher/internal/router/breaker"
	"go.flowcatalyst.tech/dispatcher/internal/router/mediator"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

// Registry types
const (
	RegistryStatic = "static"
	RegistryMongo  = "mongo"
)

// Config holds all configuration for the dispatcher
type Config struct {
	HTTP     HTTPConfig
	MongoDB  MongoDBConfig
	Queue    queue.Config
	Registry RegistryConfig
	Mediator mediator.Config
	Breaker  breaker.Config
	Pool     PoolConfig
	Leader   LeaderConfig

	// Pools and Subscriptions back the static registry
	Pools         []model.DispatchPool
	Subscriptions []model.Subscription

	// WarningsMax bounds the in-memory warning store
	WarningsMax int

	// LogFormat is "text" or "json"
	LogFormat string

	DataDir string
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// RegistryConfig selects where pools and subscriptions come from
type RegistryConfig struct {
	// Type is "static" (config file) or "mongo"
	Type string

	// SyncInterval is how often pool definitions are re-read and applied
	SyncInterval time.Duration

	// CacheTTL bounds how stale a cached subscription may be (mongo only)
	CacheTTL time.Duration
}

// PoolConfig holds process pool behaviour shared by all pools
type PoolConfig struct {
	// PermanentFailureBlocks makes a permanent failure block a BLOCK_ON_ERROR group
	PermanentFailureBlocks bool

	// RejectDelay is the redelivery delay for jobs refused by a full pool
	RejectDelay time.Duration

	// ShutdownTimeout bounds graceful shutdown of the whole process
	ShutdownTimeout time.Duration

	// DrainTimeout bounds draining a pool removed by config sync
	DrainTimeout time.Duration
}

// LeaderConfig holds active/standby configuration
type LeaderConfig struct {
	// Enabled controls whether the Redis leader lock is used
	Enabled bool

	RedisURL string
	LockKey  string

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// TTL is how long the lock is valid before expiring
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	RefreshInterval time.Duration
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:4200"},
		},
		MongoDB: MongoDBConfig{
			URI:      "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true",
			Database: "flowcatalyst",
		},
		Queue: *queue.DefaultConfig(),
		Registry: RegistryConfig{
			Type:         RegistryStatic,
			SyncInterval: 5 * time.Minute,
			CacheTTL:     30 * time.Second,
		},
		Mediator: mediator.DefaultConfig(),
		Breaker:  breaker.DefaultConfig(),
		Pool: PoolConfig{
			PermanentFailureBlocks: true,
			RejectDelay:            10 * time.Second,
			ShutdownTimeout:        30 * time.Second,
			DrainTimeout:           60 * time.Second,
		},
		Leader: LeaderConfig{
			RedisURL:        "redis://localhost:6379",
			LockKey:         "dispatcher:leader",
			TTL:             30 * time.Second,
			RefreshInterval: 10 * time.Second,
		},
		WarningsMax: 1000,
		LogFormat:   "text",
		DataDir:     "./data",
	}
}

// Load returns defaults overridden by environment variables
func Load() (*Config, error) {
	cfg := Default()
	applyEnv(cfg)
	return cfg, cfg.Validate()
}

// applyEnv overrides cfg with any environment variables that are set
func applyEnv(cfg *Config) {
	cfg.HTTP.Port = getEnvInt("HTTP_PORT", cfg.HTTP.Port)
	cfg.HTTP.CORSOrigins = getEnvSlice("CORS_ORIGINS", cfg.HTTP.CORSOrigins)

	cfg.MongoDB.URI = getEnv("MONGODB_URI", cfg.MongoDB.URI)
	cfg.MongoDB.Database = getEnv("MONGODB_DATABASE", cfg.MongoDB.Database)

	q := &cfg.Queue
	q.Type = queue.Type(getEnv("QUEUE_TYPE", string(q.Type)))
	q.Subject = getEnv("QUEUE_SUBJECT", q.Subject)
	q.DataDir = getEnv("NATS_DATA_DIR", q.DataDir)
	q.BacklogThreshold = getEnvInt("QUEUE_BACKLOG_THRESHOLD", q.BacklogThreshold)
	q.NATS.URL = getEnv("NATS_URL", q.NATS.URL)
	q.NATS.StreamName = getEnv("NATS_STREAM", q.NATS.StreamName)
	q.NATS.ConsumerName = getEnv("NATS_CONSUMER", q.NATS.ConsumerName)
	q.NATS.Subjects = getEnvSlice("NATS_SUBJECTS", q.NATS.Subjects)
	q.NATS.AckWait = getEnvDuration("NATS_ACK_WAIT", q.NATS.AckWait)
	q.NATS.MaxDeliver = getEnvInt("NATS_MAX_DELIVER", q.NATS.MaxDeliver)
	q.NATS.MaxAckPending = getEnvInt("NATS_MAX_ACK_PENDING", q.NATS.MaxAckPending)
	q.SQS.QueueURL = getEnv("SQS_QUEUE_URL", q.SQS.QueueURL)
	q.SQS.Region = getEnv("AWS_REGION", q.SQS.Region)
	q.SQS.Endpoint = getEnv("SQS_ENDPOINT", q.SQS.Endpoint)
	q.SQS.WaitTimeSeconds = int32(getEnvInt("SQS_WAIT_TIME_SECONDS", int(q.SQS.WaitTimeSeconds)))
	q.SQS.VisibilityTimeout = int32(getEnvInt("SQS_VISIBILITY_TIMEOUT", int(q.SQS.VisibilityTimeout)))
	q.SQS.MaxNumberOfMessages = int32(getEnvInt("SQS_MAX_MESSAGES", int(q.SQS.MaxNumberOfMessages)))

	cfg.Registry.Type = getEnv("REGISTRY_TYPE", cfg.Registry.Type)
	cfg.Registry.SyncInterval = getEnvDuration("REGISTRY_SYNC_INTERVAL", cfg.Registry.SyncInterval)
	cfg.Registry.CacheTTL = getEnvDuration("REGISTRY_CACHE_TTL", cfg.Registry.CacheTTL)

	cfg.Mediator.Timeout = getEnvDuration("MEDIATOR_TIMEOUT", cfg.Mediator.Timeout)
	cfg.Mediator.HTTPVersion = mediator.HTTPVersion(getEnv("MEDIATOR_HTTP_VERSION", string(cfg.Mediator.HTTPVersion)))

	cfg.Breaker.Enabled = getEnvBool("BREAKER_ENABLED", cfg.Breaker.Enabled)
	cfg.Breaker.FailureThreshold = uint32(getEnvInt("BREAKER_FAILURE_THRESHOLD", int(cfg.Breaker.FailureThreshold)))
	cfg.Breaker.FailureRatio = getEnvFloat("BREAKER_FAILURE_RATIO", cfg.Breaker.FailureRatio)
	cfg.Breaker.MinRequests = uint32(getEnvInt("BREAKER_MIN_REQUESTS", int(cfg.Breaker.MinRequests)))
	cfg.Breaker.Window = getEnvDuration("BREAKER_WINDOW", cfg.Breaker.Window)
	cfg.Breaker.Cooldown = getEnvDuration("BREAKER_COOLDOWN", cfg.Breaker.Cooldown)

	cfg.Pool.PermanentFailureBlocks = getEnvBool("POOL_PERMANENT_FAILURE_BLOCKS", cfg.Pool.PermanentFailureBlocks)
	cfg.Pool.RejectDelay = getEnvDuration("POOL_REJECT_DELAY", cfg.Pool.RejectDelay)
	cfg.Pool.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.Pool.ShutdownTimeout)
	cfg.Pool.DrainTimeout = getEnvDuration("POOL_DRAIN_TIMEOUT", cfg.Pool.DrainTimeout)

	cfg.Leader.Enabled = getEnvBool("LEADER_ELECTION_ENABLED", cfg.Leader.Enabled)
	cfg.Leader.RedisURL = getEnv("REDIS_URL", cfg.Leader.RedisURL)
	cfg.Leader.LockKey = getEnv("LEADER_LOCK_KEY", cfg.Leader.LockKey)
	cfg.Leader.InstanceID = getEnv("HOSTNAME", cfg.Leader.InstanceID)
	cfg.Leader.TTL = getEnvDuration("LEADER_TTL", cfg.Leader.TTL)
	cfg.Leader.RefreshInterval = getEnvDuration("LEADER_REFRESH_INTERVAL", cfg.Leader.RefreshInterval)

	cfg.WarningsMax = getEnvInt("WARNINGS_MAX", cfg.WarningsMax)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.DevMode = getEnvBool("DISPATCHER_DEV", cfg.DevMode)
}

// Validate checks values that would otherwise fail later at startup
func (c *Config) Validate() error {
	switch c.Queue.Type {
	case queue.TypeMemory, queue.TypeEmbedded, queue.TypeNATS, queue.TypeSQS:
	default:
		return fmt.Errorf("queue type %q: must be memory, embedded, nats or sqs", c.Queue.Type)
	}
	if c.Queue.Type == queue.TypeSQS && c.Queue.SQS.QueueURL == "" {
		return fmt.Errorf("queue type sqs requires SQS_QUEUE_URL")
	}

	switch c.Registry.Type {
	case RegistryStatic, RegistryMongo:
	default:
		return fmt.Errorf("registry type %q: must be static or mongo", c.Registry.Type)
	}

	switch c.Mediator.HTTPVersion {
	case mediator.HTTPVersion1, mediator.HTTPVersion2:
	default:
		return fmt.Errorf("mediator http version %q: must be HTTP_1_1 or HTTP_2", c.Mediator.HTTPVersion)
	}

	seen := make(map[string]bool, len(c.Pools))
	for i := range c.Pools {
		if err := c.Pools[i].Validate(); err != nil {
			return err
		}
		if seen[c.Pools[i].Code] {
			return fmt.Errorf("pool %s: defined more than once", c.Pools[i].Code)
		}
		seen[c.Pools[i].Code] = true
	}
	for _, s := range c.Subscriptions {
		if s.ID == "" {
			return fmt.Errorf("subscription %q: id is required", s.Code)
		}
		if s.TargetURL == "" {
			return fmt.Errorf("subscription %s: target url is required", s.ID)
		}
	}

	if c.Leader.Enabled && c.Leader.RefreshInterval >= c.Leader.TTL {
		return fmt.Errorf("leader refresh interval %v must be shorter than ttl %v", c.Leader.RefreshInterval, c.Leader.TTL)
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
