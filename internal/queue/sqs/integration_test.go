//go:build integration

package sqs

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/queue"
	"go.flowcatalyst.tech/dispatcher/internal/queue/sqs/testutil"
)

func startQueue(t *testing.T, fifo bool) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	ls, err := testutil.StartLocalStack(ctx, t)
	if err != nil {
		t.Fatalf("Failed to start LocalStack: %v", err)
	}

	queueURL, err := ls.CreateQueue(ctx, "dispatch-test", fifo)
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}

	client, err := NewClient(ctx, ls.Config(queueURL),
		WithStaticCredentials(testutil.AccessKeyID, testutil.SecretAccessKey))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	client.pollBackoff = 100 * time.Millisecond
	return client
}

// collect consumes until n messages arrived or the timeout passes
func collect(t *testing.T, c *Client, n int, timeout time.Duration, handle func(queue.Message) error) []queue.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		received []queue.Message
	)
	go c.Consume(ctx, func(m queue.Message) error {
		mu.Lock()
		received = append(received, m)
		done := len(received) >= n
		mu.Unlock()
		err := handle(m)
		if done {
			cancel()
		}
		return err
	})
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	return received
}

func TestSQSIntegration_PublishAndConsume(t *testing.T) {
	client := startQueue(t, false)
	ctx := context.Background()

	b := queue.NewMessageBuilder("dispatch.jobs").
		WithData([]byte(`{"jobId":"job-1"}`)).
		WithMessageGroup("order-1").
		WithMetadata("source", "integration")
	if err := client.PublishMessage(ctx, b); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	msgs := collect(t, client, 1, 15*time.Second, func(m queue.Message) error { return m.Ack() })
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if string(m.Data()) != `{"jobId":"job-1"}` {
		t.Errorf("Unexpected data %s", m.Data())
	}
	if m.Subject() != "dispatch.jobs" || m.MessageGroup() != "order-1" {
		t.Errorf("Unexpected subject/group %s/%s", m.Subject(), m.MessageGroup())
	}
	if m.Metadata()["source"] != "integration" {
		t.Errorf("Unexpected metadata %v", m.Metadata())
	}

	depth, err := client.Depth(ctx)
	if err != nil || depth != 0 {
		t.Errorf("Expected empty queue after ack, got %d (%v)", depth, err)
	}
}

func TestSQSIntegration_FIFOOrder(t *testing.T) {
	client := startQueue(t, true)
	ctx := context.Background()

	want := []string{"first", "second", "third", "fourth", "fifth"}
	for _, body := range want {
		if err := client.PublishWithGroup(ctx, "dispatch.jobs", []byte(body), "order-1"); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	msgs := collect(t, client, len(want), 20*time.Second, func(m queue.Message) error { return m.Ack() })
	if len(msgs) != len(want) {
		t.Fatalf("Expected %d messages, got %d", len(want), len(msgs))
	}
	for i, m := range msgs {
		if string(m.Data()) != want[i] {
			t.Errorf("Position %d: got %s, want %s", i, m.Data(), want[i])
		}
		if m.MessageGroup() != "order-1" {
			t.Errorf("Expected FIFO group order-1, got %s", m.MessageGroup())
		}
	}
}

func TestSQSIntegration_NakRedelivers(t *testing.T) {
	client := startQueue(t, false)
	if err := client.Publish(context.Background(), "dispatch.jobs", []byte("retry-me")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	var calls int
	msgs := collect(t, client, 2, 20*time.Second, func(m queue.Message) error {
		calls++
		if calls == 1 {
			return m.Nak()
		}
		return m.Ack()
	})
	if len(msgs) != 2 {
		t.Fatalf("Expected a redelivery after Nak, got %d deliveries", len(msgs))
	}
	if msgs[0].ID() != msgs[1].ID() {
		t.Errorf("Expected the same message redelivered")
	}
	if msgs[1].Metadata()["deliveryCount"] != "2" {
		t.Errorf("Expected deliveryCount 2, got %s", msgs[1].Metadata()["deliveryCount"])
	}
}

func TestSQSIntegration_FIFODeduplication(t *testing.T) {
	client := startQueue(t, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := client.PublishWithDeduplication(ctx, "dispatch.jobs", []byte("once"), "job-42"); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	msgs := collect(t, client, 2, 5*time.Second, func(m queue.Message) error { return m.Ack() })
	if len(msgs) != 1 {
		t.Errorf("Expected duplicates suppressed, got %d messages", len(msgs))
	}
}

func TestSQSIntegration_Ping(t *testing.T) {
	client := startQueue(t, false)
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
