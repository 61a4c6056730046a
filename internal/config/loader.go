package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"go.flowcatalyst.tech/dispatcher/internal/queue"
	"go.flowcatalyst.tech/dispatcher/internal/router/mediator"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

// ConfigEnvVar names an explicit config file path
const ConfigEnvVar = "DISPATCHER_CONFIG"

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"dispatcher.toml",
	"config.toml",
	"./config/dispatcher.toml",
	"/etc/dispatcher/config.toml",
}

// tomlConfig is the file layout. Durations are strings ("30s", "5m").
type tomlConfig struct {
	HTTP          tomlHTTP           `toml:"http"`
	MongoDB       tomlMongoDB        `toml:"mongodb"`
	Queue         tomlQueue          `toml:"queue"`
	Registry      tomlRegistry       `toml:"registry"`
	Mediator      tomlMediator       `toml:"mediator"`
	Breaker       tomlBreaker        `toml:"breaker"`
	Pool          tomlPool           `toml:"pool"`
	Leader        tomlLeader         `toml:"leader"`
	Pools         []tomlDispatchPool `toml:"pools"`
	Subscriptions []tomlSubscription `toml:"subscriptions"`
	WarningsMax   int                `toml:"warnings_max"`
	LogFormat     string             `toml:"log_format"`
	DataDir       string             `toml:"data_dir"`
	DevMode       bool               `toml:"dev_mode"`
}

type tomlHTTP struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

type tomlMongoDB struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

type tomlQueue struct {
	Type             string   `toml:"type"`
	Subject          string   `toml:"subject"`
	DataDir          string   `toml:"data_dir"`
	BacklogThreshold int      `toml:"backlog_threshold"`
	NATS             tomlNATS `toml:"nats"`
	SQS              tomlSQS  `toml:"sqs"`
}

type tomlNATS struct {
	URL           string   `toml:"url"`
	StreamName    string   `toml:"stream"`
	ConsumerName  string   `toml:"consumer"`
	Subjects      []string `toml:"subjects"`
	AckWait       string   `toml:"ack_wait"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	MaxAge        string   `toml:"max_age"`
}

type tomlSQS struct {
	QueueURL            string `toml:"queue_url"`
	Region              string `toml:"region"`
	Endpoint            string `toml:"endpoint"`
	WaitTimeSeconds     int32  `toml:"wait_time_seconds"`
	VisibilityTimeout   int32  `toml:"visibility_timeout"`
	MaxNumberOfMessages int32  `toml:"max_messages"`
}

type tomlRegistry struct {
	Type         string `toml:"type"`
	SyncInterval string `toml:"sync_interval"`
	CacheTTL     string `toml:"cache_ttl"`
}

type tomlMediator struct {
	Timeout          string `toml:"timeout"`
	HTTPVersion      string `toml:"http_version"`
	ServerErrorDelay string `toml:"server_error_delay"`
	RateLimitedDelay string `toml:"rate_limited_delay"`
	CircuitOpenDelay string `toml:"circuit_open_delay"`
}

type tomlBreaker struct {
	Enabled          bool    `toml:"enabled"`
	FailureThreshold uint32  `toml:"failure_threshold"`
	FailureRatio     float64 `toml:"failure_ratio"`
	MinRequests      uint32  `toml:"min_requests"`
	Window           string  `toml:"window"`
	Cooldown         string  `toml:"cooldown"`
}

type tomlPool struct {
	PermanentFailureBlocks bool   `toml:"permanent_failure_blocks"`
	RejectDelay            string `toml:"reject_delay"`
	ShutdownTimeout        string `toml:"shutdown_timeout"`
	DrainTimeout           string `toml:"drain_timeout"`
}

type tomlLeader struct {
	Enabled         bool   `toml:"enabled"`
	RedisURL        string `toml:"redis_url"`
	LockKey         string `toml:"lock_key"`
	InstanceID      string `toml:"instance_id"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

type tomlDispatchPool struct {
	Code        string `toml:"code"`
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Concurrency int    `toml:"concurrency"`
	RateLimit   *int   `toml:"rate_limit"`
	ClientID    string `toml:"client_id"`
}

type tomlSubscription struct {
	ID            string            `toml:"id"`
	Code          string            `toml:"code"`
	ClientID      string            `toml:"client_id"`
	TargetURL     string            `toml:"target_url"`
	Pool          string            `toml:"pool"`
	Mode          string            `toml:"mode"`
	Timeout       string            `toml:"timeout"`
	AuthToken     string            `toml:"auth_token"`
	SigningSecret string            `toml:"signing_secret"`
	Headers       map[string]string `toml:"headers"`
}

// LoadWithFile loads defaults, overlays the config file if one is found,
// then applies environment variables
func LoadWithFile() (*Config, error) {
	cfg := Default()

	path := os.Getenv(ConfigEnvVar)
	if path == "" {
		for _, p := range ConfigPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		if err := overlayFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, cfg.Validate()
}

// LoadFromFile loads defaults overlaid with one file, ignoring the environment
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if err := overlayFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// overlayFile decodes path on top of cfg. Keys absent from the file keep
// their current values.
func overlayFile(cfg *Config, path string) error {
	tc := toTOML(cfg)
	md, err := toml.DecodeFile(path, &tc)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown config keys: %v", undecoded)
	}
	return tc.apply(cfg)
}

func toTOML(c *Config) tomlConfig {
	return tomlConfig{
		HTTP:    tomlHTTP{Port: c.HTTP.Port, CORSOrigins: c.HTTP.CORSOrigins},
		MongoDB: tomlMongoDB{URI: c.MongoDB.URI, Database: c.MongoDB.Database},
		Queue: tomlQueue{
			Type:             string(c.Queue.Type),
			Subject:          c.Queue.Subject,
			DataDir:          c.Queue.DataDir,
			BacklogThreshold: c.Queue.BacklogThreshold,
			NATS: tomlNATS{
				URL:           c.Queue.NATS.URL,
				StreamName:    c.Queue.NATS.StreamName,
				ConsumerName:  c.Queue.NATS.ConsumerName,
				Subjects:      c.Queue.NATS.Subjects,
				AckWait:       c.Queue.NATS.AckWait.String(),
				MaxDeliver:    c.Queue.NATS.MaxDeliver,
				MaxAckPending: c.Queue.NATS.MaxAckPending,
				MaxAge:        c.Queue.NATS.MaxAge.String(),
			},
			SQS: tomlSQS{
				QueueURL:            c.Queue.SQS.QueueURL,
				Region:              c.Queue.SQS.Region,
				Endpoint:            c.Queue.SQS.Endpoint,
				WaitTimeSeconds:     c.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout:   c.Queue.SQS.VisibilityTimeout,
				MaxNumberOfMessages: c.Queue.SQS.MaxNumberOfMessages,
			},
		},
		Registry: tomlRegistry{
			Type:         c.Registry.Type,
			SyncInterval: c.Registry.SyncInterval.String(),
			CacheTTL:     c.Registry.CacheTTL.String(),
		},
		Mediator: tomlMediator{
			Timeout:          c.Mediator.Timeout.String(),
			HTTPVersion:      string(c.Mediator.HTTPVersion),
			ServerErrorDelay: c.Mediator.ServerErrorDelay.String(),
			RateLimitedDelay: c.Mediator.RateLimitedDelay.String(),
			CircuitOpenDelay: c.Mediator.CircuitOpenDelay.String(),
		},
		Breaker: tomlBreaker{
			Enabled:          c.Breaker.Enabled,
			FailureThreshold: c.Breaker.FailureThreshold,
			FailureRatio:     c.Breaker.FailureRatio,
			MinRequests:      c.Breaker.MinRequests,
			Window:           c.Breaker.Window.String(),
			Cooldown:         c.Breaker.Cooldown.String(),
		},
		Pool: tomlPool{
			PermanentFailureBlocks: c.Pool.PermanentFailureBlocks,
			RejectDelay:            c.Pool.RejectDelay.String(),
			ShutdownTimeout:        c.Pool.ShutdownTimeout.String(),
			DrainTimeout:           c.Pool.DrainTimeout.String(),
		},
		Leader: tomlLeader{
			Enabled:         c.Leader.Enabled,
			RedisURL:        c.Leader.RedisURL,
			LockKey:         c.Leader.LockKey,
			InstanceID:      c.Leader.InstanceID,
			TTL:             c.Leader.TTL.String(),
			RefreshInterval: c.Leader.RefreshInterval.String(),
		},
		WarningsMax: c.WarningsMax,
		LogFormat:   c.LogFormat,
		DataDir:     c.DataDir,
		DevMode:     c.DevMode,
	}
}

// durations collects parse errors so a bad value is reported by key
type durations struct {
	err error
}

func (d *durations) parse(key, value string, dst *time.Duration) {
	if d.err != nil || value == "" {
		return
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = v
}

func (tc *tomlConfig) apply(c *Config) error {
	var d durations

	c.HTTP = HTTPConfig{Port: tc.HTTP.Port, CORSOrigins: tc.HTTP.CORSOrigins}
	c.MongoDB = MongoDBConfig{URI: tc.MongoDB.URI, Database: tc.MongoDB.Database}

	c.Queue.Type = queue.Type(tc.Queue.Type)
	c.Queue.Subject = tc.Queue.Subject
	c.Queue.DataDir = tc.Queue.DataDir
	c.Queue.BacklogThreshold = tc.Queue.BacklogThreshold
	c.Queue.NATS.URL = tc.Queue.NATS.URL
	c.Queue.NATS.StreamName = tc.Queue.NATS.StreamName
	c.Queue.NATS.ConsumerName = tc.Queue.NATS.ConsumerName
	c.Queue.NATS.Subjects = tc.Queue.NATS.Subjects
	c.Queue.NATS.MaxDeliver = tc.Queue.NATS.MaxDeliver
	c.Queue.NATS.MaxAckPending = tc.Queue.NATS.MaxAckPending
	d.parse("queue.nats.ack_wait", tc.Queue.NATS.AckWait, &c.Queue.NATS.AckWait)
	d.parse("queue.nats.max_age", tc.Queue.NATS.MaxAge, &c.Queue.NATS.MaxAge)
	c.Queue.SQS = queue.SQSConfig{
		QueueURL:            tc.Queue.SQS.QueueURL,
		Region:              tc.Queue.SQS.Region,
		Endpoint:            tc.Queue.SQS.Endpoint,
		WaitTimeSeconds:     tc.Queue.SQS.WaitTimeSeconds,
		VisibilityTimeout:   tc.Queue.SQS.VisibilityTimeout,
		MaxNumberOfMessages: tc.Queue.SQS.MaxNumberOfMessages,
	}

	c.Registry.Type = tc.Registry.Type
	d.parse("registry.sync_interval", tc.Registry.SyncInterval, &c.Registry.SyncInterval)
	d.parse("registry.cache_ttl", tc.Registry.CacheTTL, &c.Registry.CacheTTL)

	c.Mediator.HTTPVersion = mediator.HTTPVersion(tc.Mediator.HTTPVersion)
	d.parse("mediator.timeout", tc.Mediator.Timeout, &c.Mediator.Timeout)
	d.parse("mediator.server_error_delay", tc.Mediator.ServerErrorDelay, &c.Mediator.ServerErrorDelay)
	d.parse("mediator.rate_limited_delay", tc.Mediator.RateLimitedDelay, &c.Mediator.RateLimitedDelay)
	d.parse("mediator.circuit_open_delay", tc.Mediator.CircuitOpenDelay, &c.Mediator.CircuitOpenDelay)

	c.Breaker.Enabled = tc.Breaker.Enabled
	c.Breaker.FailureThreshold = tc.Breaker.FailureThreshold
	c.Breaker.FailureRatio = tc.Breaker.FailureRatio
	c.Breaker.MinRequests = tc.Breaker.MinRequests
	d.parse("breaker.window", tc.Breaker.Window, &c.Breaker.Window)
	d.parse("breaker.cooldown", tc.Breaker.Cooldown, &c.Breaker.Cooldown)

	c.Pool.PermanentFailureBlocks = tc.Pool.PermanentFailureBlocks
	d.parse("pool.reject_delay", tc.Pool.RejectDelay, &c.Pool.RejectDelay)
	d.parse("pool.shutdown_timeout", tc.Pool.ShutdownTimeout, &c.Pool.ShutdownTimeout)
	d.parse("pool.drain_timeout", tc.Pool.DrainTimeout, &c.Pool.DrainTimeout)

	c.Leader.Enabled = tc.Leader.Enabled
	c.Leader.RedisURL = tc.Leader.RedisURL
	c.Leader.LockKey = tc.Leader.LockKey
	c.Leader.InstanceID = tc.Leader.InstanceID
	d.parse("leader.ttl", tc.Leader.TTL, &c.Leader.TTL)
	d.parse("leader.refresh_interval", tc.Leader.RefreshInterval, &c.Leader.RefreshInterval)

	c.WarningsMax = tc.WarningsMax
	c.LogFormat = tc.LogFormat
	c.DataDir = tc.DataDir
	c.DevMode = tc.DevMode

	if d.err != nil {
		return d.err
	}

	if tc.Pools != nil {
		c.Pools = make([]model.DispatchPool, 0, len(tc.Pools))
		for _, p := range tc.Pools {
			c.Pools = append(c.Pools, model.DispatchPool{
				Code:        p.Code,
				Name:        p.Name,
				Description: p.Description,
				Concurrency: p.Concurrency,
				RateLimit:   p.RateLimit,
				ClientID:    p.ClientID,
			})
		}
	}

	if tc.Subscriptions != nil {
		c.Subscriptions = make([]model.Subscription, 0, len(tc.Subscriptions))
		for _, s := range tc.Subscriptions {
			sub, err := s.toModel()
			if err != nil {
				return err
			}
			c.Subscriptions = append(c.Subscriptions, sub)
		}
	}
	return nil
}

func (s tomlSubscription) toModel() (model.Subscription, error) {
	mode, err := model.ParseDispatchMode(s.Mode)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("subscription %s: %w", s.ID, err)
	}
	sub := model.Subscription{
		ID:               s.ID,
		Code:             s.Code,
		ClientID:         s.ClientID,
		TargetURL:        s.TargetURL,
		DispatchPoolCode: s.Pool,
		Mode:             mode,
		AuthToken:        s.AuthToken,
		SigningSecret:    s.SigningSecret,
		Headers:          s.Headers,
	}
	if s.Timeout != "" {
		if sub.Timeout, err = time.ParseDuration(s.Timeout); err != nil {
			return model.Subscription{}, fmt.Errorf("subscription %s timeout: %w", s.ID, err)
		}
	}
	return sub, nil
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(exampleConfig), 0o644)
}

const exampleConfig = `# Dispatcher configuration
# Environment variables override these settings

log_format = "text"   # text or json
dev_mode = false
warnings_max = 1000

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[queue]
type = "embedded"   # memory, embedded, nats or sqs
subject = "dispatch.jobs"
data_dir = "./data/nats"

[queue.nats]
url = "nats://localhost:4222"
stream = "DISPATCH"
consumer = "dispatcher"
subjects = ["dispatch.>"]
ack_wait = "2m"
max_ack_pending = 1000

[queue.sqs]
queue_url = ""
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

[registry]
type = "static"   # static or mongo
sync_interval = "5m"
cache_ttl = "30s"

[mongodb]
uri = "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"
database = "flowcatalyst"

[mediator]
timeout = "30s"
http_version = "HTTP_2"

[breaker]
enabled = true
failure_threshold = 5
failure_ratio = 0.5
min_requests = 10
window = "1m"
cooldown = "10s"

[pool]
permanent_failure_blocks = true
reject_delay = "10s"
shutdown_timeout = "30s"

[leader]
enabled = false
redis_url = "redis://localhost:6379"
lock_key = "dispatcher:leader"
ttl = "30s"
refresh_interval = "10s"

[[pools]]
code = "DEFAULT-POOL"
concurrency = 20

[[pools]]
code = "orders"
concurrency = 10
rate_limit = 600

[[subscriptions]]
id = "orders-webhook"
target_url = "https://example.com/hooks/orders"
pool = "orders"
mode = "BLOCK_ON_ERROR"
timeout = "15s"
`
