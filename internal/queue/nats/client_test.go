package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"go.flowcatalyst.tech/dispatcher/internal/queue"
)

func testConfig() queue.Config {
	cfg := *queue.DefaultConfig()
	cfg.Type = queue.TypeEmbedded
	cfg.NATS.ConsumerName = "dispatcher-test"
	cfg.NATS.AckWait = 5 * time.Second
	return cfg
}

func startEmbedded(t *testing.T) *Embedded {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	e, err := StartEmbedded(ctx, testConfig(), EmbeddedConfig{Port: server.RANDOM_PORT})
	if err != nil {
		t.Fatalf("StartEmbedded failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// consume runs the consumer in the background and forwards deliveries
func consume(t *testing.T, q queue.Consumer) <-chan queue.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan queue.Message, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Consume(ctx, func(m queue.Message) error {
			out <- m
			return nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return out
}

func next(t *testing.T, ch <-chan queue.Message) queue.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for message")
		return nil
	}
}

func TestEmbedded_PublishConsumeAck(t *testing.T) {
	e := startEmbedded(t)
	ctx := context.Background()

	builder := queue.NewMessageBuilder("dispatch.jobs").
		WithData([]byte(`{"jobId":"job-1"}`)).
		WithMessageGroup("order-42").
		WithDeduplicationID("job-1").
		WithMetadata("source", "test")
	if err := e.PublishMessage(ctx, builder); err != nil {
		t.Fatalf("PublishMessage failed: %v", err)
	}

	msgs := consume(t, e)
	m := next(t, msgs)

	if string(m.Data()) != `{"jobId":"job-1"}` {
		t.Errorf("Unexpected data: %s", m.Data())
	}
	if m.ID() != "job-1" {
		t.Errorf("Expected ID from deduplication header, got %s", m.ID())
	}
	if m.MessageGroup() != "order-42" {
		t.Errorf("Expected group order-42, got %s", m.MessageGroup())
	}
	meta := m.Metadata()
	if meta["source"] != "test" {
		t.Errorf("Expected source metadata, got %v", meta)
	}
	if meta["deliveryCount"] != "1" {
		t.Errorf("Expected deliveryCount 1, got %s", meta["deliveryCount"])
	}

	if err := m.Ack(); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
}

func TestEmbedded_NakRedelivers(t *testing.T) {
	e := startEmbedded(t)
	ctx := context.Background()

	if err := e.Publish(ctx, "dispatch.jobs", []byte("payload")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msgs := consume(t, e)
	first := next(t, msgs)
	if err := first.Nak(); err != nil {
		t.Fatalf("Nak failed: %v", err)
	}

	second := next(t, msgs)
	if second.ID() != first.ID() {
		t.Errorf("Expected redelivery of %s, got %s", first.ID(), second.ID())
	}
	if second.Metadata()["deliveryCount"] != "2" {
		t.Errorf("Expected deliveryCount 2, got %s", second.Metadata()["deliveryCount"])
	}
	second.Ack()
}

func TestEmbedded_NakWithDelay(t *testing.T) {
	e := startEmbedded(t)
	ctx := context.Background()

	if err := e.Publish(ctx, "dispatch.jobs", []byte("payload")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msgs := consume(t, e)
	first := next(t, msgs)
	start := time.Now()
	if err := first.NakWithDelay(500 * time.Millisecond); err != nil {
		t.Fatalf("NakWithDelay failed: %v", err)
	}

	next(t, msgs).Ack()
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("Redelivered after %v, expected at least the delay", elapsed)
	}
}

func TestEmbedded_DoubleAck(t *testing.T) {
	e := startEmbedded(t)
	if err := e.Publish(context.Background(), "dispatch.jobs", []byte("x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	m := next(t, consume(t, e))
	if err := m.Ack(); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if err := m.Ack(); !errors.Is(err, queue.ErrAlreadySettled) {
		t.Errorf("Expected ErrAlreadySettled, got %v", err)
	}
}

func TestEmbedded_Deduplication(t *testing.T) {
	e := startEmbedded(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.PublishWithDeduplication(ctx, "dispatch.jobs", []byte("x"), "job-7"); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	pending, err := e.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("Expected 1 pending message after duplicates, got %d", pending)
	}
}

func TestEmbedded_ConsumeStopsOnCancel(t *testing.T) {
	e := startEmbedded(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.Consume(ctx, func(queue.Message) error { return nil })
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}

func TestEmbedded_Ping(t *testing.T) {
	e := startEmbedded(t)
	if err := e.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
