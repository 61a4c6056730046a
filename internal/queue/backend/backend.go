// Package backend opens the queue backend named in configuration
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"go.flowcatalyst.tech/dispatcher/internal/queue"
	"go.flowcatalyst.tech/dispatcher/internal/queue/memory"
	"go.flowcatalyst.tech/dispatcher/internal/queue/nats"
	"go.flowcatalyst.tech/dispatcher/internal/queue/sqs"
)

// Backend is a queue that can report its own health
type Backend interface {
	queue.Queue
	Ping(ctx context.Context) error
}

var (
	_ Backend = (*memory.Queue)(nil)
	_ Backend = (*nats.Client)(nil)
	_ Backend = (*nats.Embedded)(nil)
	_ Backend = (*sqs.Client)(nil)

	_ queue.BacklogReporter = (*memory.Queue)(nil)
	_ queue.BacklogReporter = (*nats.Client)(nil)
	_ queue.BacklogReporter = (*nats.Embedded)(nil)
	_ queue.BacklogReporter = (*sqs.Client)(nil)
)

// Open creates the backend selected by cfg.Type
func Open(ctx context.Context, cfg queue.Config) (Backend, error) {
	if cfg.Subject == "" {
		cfg.Subject = queue.DefaultConfig().Subject
	}

	switch cfg.Type {
	case queue.TypeMemory, "":
		slog.Warn("Using in-memory queue; messages do not survive a restart")
		return memory.New(), nil

	case queue.TypeEmbedded:
		e, err := nats.StartEmbedded(ctx, cfg, nats.EmbeddedConfig{DataDir: cfg.DataDir})
		if err != nil {
			return nil, fmt.Errorf("embedded queue: %w", err)
		}
		return e, nil

	case queue.TypeNATS:
		c, err := nats.Connect(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("nats queue: %w", err)
		}
		return c, nil

	case queue.TypeSQS:
		if cfg.SQS.QueueURL == "" {
			return nil, fmt.Errorf("sqs queue: queue URL is required")
		}
		c, err := sqs.NewClient(ctx, cfg.SQS)
		if err != nil {
			return nil, fmt.Errorf("sqs queue: %w", err)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unknown queue type %q", cfg.Type)
	}
}
