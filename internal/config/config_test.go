package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.flowcatalyst.tech/dispatcher/internal/queue"
	"go.flowcatalyst.tech/dispatcher/internal/router/mediator"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatcher.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}
	if cfg.Queue.Type != queue.TypeMemory {
		t.Errorf("Expected memory queue by default, got %s", cfg.Queue.Type)
	}
	if cfg.Registry.Type != RegistryStatic {
		t.Errorf("Expected static registry by default, got %s", cfg.Registry.Type)
	}
	if !cfg.Pool.PermanentFailureBlocks {
		t.Error("Expected permanent failures to block by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("QUEUE_TYPE", "nats")
	t.Setenv("NATS_ACK_WAIT", "45s")
	t.Setenv("QUEUE_BACKLOG_THRESHOLD", "5000")
	t.Setenv("BREAKER_FAILURE_RATIO", "0.25")
	t.Setenv("POOL_PERMANENT_FAILURE_BLOCKS", "false")
	t.Setenv("MEDIATOR_HTTP_VERSION", "HTTP_1_1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.HTTP.Port)
	}
	if diff := cmp.Diff([]string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins); diff != "" {
		t.Errorf("CORS origins mismatch (-want +got):\n%s", diff)
	}
	if cfg.Queue.Type != queue.TypeNATS {
		t.Errorf("Queue type = %s, want nats", cfg.Queue.Type)
	}
	if cfg.Queue.NATS.AckWait != 45*time.Second {
		t.Errorf("AckWait = %v, want 45s", cfg.Queue.NATS.AckWait)
	}
	if cfg.Queue.BacklogThreshold != 5000 {
		t.Errorf("BacklogThreshold = %d, want 5000", cfg.Queue.BacklogThreshold)
	}
	if cfg.Breaker.FailureRatio != 0.25 {
		t.Errorf("FailureRatio = %v, want 0.25", cfg.Breaker.FailureRatio)
	}
	if cfg.Pool.PermanentFailureBlocks {
		t.Error("Expected POOL_PERMANENT_FAILURE_BLOCKS=false to apply")
	}
	if cfg.Mediator.HTTPVersion != mediator.HTTPVersion1 {
		t.Errorf("HTTPVersion = %s, want HTTP_1_1", cfg.Mediator.HTTPVersion)
	}
}

func TestLoad_MalformedEnvKeepsDefault(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("REGISTRY_SYNC_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", cfg.HTTP.Port)
	}
	if cfg.Registry.SyncInterval != 5*time.Minute {
		t.Errorf("SyncInterval = %v, want default 5m", cfg.Registry.SyncInterval)
	}
}

func TestLoadFromFile_Overlay(t *testing.T) {
	path := writeFile(t, `
log_format = "json"

[http]
port = 7000

[queue]
type = "embedded"

[queue.nats]
ack_wait = "90s"

[breaker]
enabled = true
cooldown = "3s"

[[pools]]
code = "orders"
name = "Orders"
concurrency = 4
rate_limit = 120

[[subscriptions]]
id = "sub-1"
code = "orders-hook"
target_url = "https://example.com/hook"
pool = "orders"
mode = "NEXT_ON_ERROR"
timeout = "5s"

[subscriptions.headers]
X-Tenant = "acme"
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.LogFormat != "json" || cfg.HTTP.Port != 7000 {
		t.Errorf("Top-level overlay not applied: format=%s port=%d", cfg.LogFormat, cfg.HTTP.Port)
	}
	if cfg.Queue.Type != queue.TypeEmbedded || cfg.Queue.NATS.AckWait != 90*time.Second {
		t.Errorf("Queue overlay not applied: %+v", cfg.Queue)
	}
	// Keys absent from the file keep their defaults
	if cfg.Queue.NATS.StreamName != "DISPATCH" {
		t.Errorf("StreamName = %s, want default DISPATCH", cfg.Queue.NATS.StreamName)
	}
	if cfg.Breaker.Cooldown != 3*time.Second || cfg.Breaker.Window != Default().Breaker.Window {
		t.Errorf("Breaker overlay wrong: %+v", cfg.Breaker)
	}

	limit := 120
	wantPools := []model.DispatchPool{{Code: "orders", Name: "Orders", Concurrency: 4, RateLimit: &limit}}
	if diff := cmp.Diff(wantPools, cfg.Pools); diff != "" {
		t.Errorf("Pools mismatch (-want +got):\n%s", diff)
	}

	wantSubs := []model.Subscription{{
		ID:               "sub-1",
		Code:             "orders-hook",
		TargetURL:        "https://example.com/hook",
		DispatchPoolCode: "orders",
		Mode:             model.ModeNextOnError,
		Timeout:          5 * time.Second,
		Headers:          map[string]string{"X-Tenant": "acme"},
	}}
	if diff := cmp.Diff(wantSubs, cfg.Subscriptions); diff != "" {
		t.Errorf("Subscriptions mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "[http]\nprt = 1\n", "unknown config keys"},
		{"bad duration", "[breaker]\ncooldown = \"ten\"\n", "breaker.cooldown"},
		{"bad mode", "[[subscriptions]]\nid = \"s\"\ntarget_url = \"http://x\"\nmode = \"SOMETIMES\"\n", "subscription s"},
		{"invalid queue", "[queue]\ntype = \"kafka\"\n", "queue type"},
		{"sqs without url", "[queue]\ntype = \"sqs\"\n", "SQS_QUEUE_URL"},
		{"bad pool", "[[pools]]\ncode = \"p\"\nconcurrency = 0\n", "concurrency"},
		{"duplicate pool", "[[pools]]\ncode = \"p\"\nconcurrency = 1\n[[pools]]\ncode = \"p\"\nconcurrency = 2\n", "more than once"},
		{"subscription without target", "[[subscriptions]]\nid = \"s\"\n", "target url"},
		{"leader refresh too slow", "[leader]\nenabled = true\nttl = \"5s\"\nrefresh_interval = \"10s\"\n", "refresh interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeFile(t, tt.content))
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadWithFile_EnvBeatsFile(t *testing.T) {
	path := writeFile(t, "[http]\nport = 7000\n[mongodb]\ndatabase = \"from-file\"\n")
	t.Setenv(ConfigEnvVar, path)
	t.Setenv("HTTP_PORT", "7100")

	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("LoadWithFile: %v", err)
	}
	if cfg.HTTP.Port != 7100 {
		t.Errorf("Port = %d, want env value 7100", cfg.HTTP.Port)
	}
	if cfg.MongoDB.Database != "from-file" {
		t.Errorf("Database = %s, want file value", cfg.MongoDB.Database)
	}
}

func TestWriteExampleConfig_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dispatcher.toml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("Example config should load: %v", err)
	}
	if len(cfg.Pools) != 2 || len(cfg.Subscriptions) != 1 {
		t.Errorf("Expected 2 pools and 1 subscription, got %d/%d", len(cfg.Pools), len(cfg.Subscriptions))
	}
	if cfg.Subscriptions[0].Mode != model.ModeBlockOnError {
		t.Errorf("Mode = %s, want BLOCK_ON_ERROR", cfg.Subscriptions[0].Mode)
	}
}
