package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/dispatcher/internal/queue"
	"go.flowcatalyst.tech/dispatcher/internal/queue/memory"
	"go.flowcatalyst.tech/dispatcher/internal/queue/nats"
)

func TestOpen_Memory(t *testing.T) {
	b, err := Open(context.Background(), queue.Config{Type: queue.TypeMemory})
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &memory.Queue{}, b)
	assert.NoError(t, b.Ping(context.Background()))
}

func TestOpen_Embedded(t *testing.T) {
	cfg := *queue.DefaultConfig()
	cfg.Type = queue.TypeEmbedded
	cfg.DataDir = t.TempDir()

	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &nats.Embedded{}, b)
	assert.NoError(t, b.Ping(context.Background()))
}

func TestOpen_SQSRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), queue.Config{Type: queue.TypeSQS})
	assert.Error(t, err)
}

func TestOpen_UnknownType(t *testing.T) {
	_, err := Open(context.Background(), queue.Config{Type: "kafka"})
	assert.ErrorContains(t, err, "unknown queue type")
}
