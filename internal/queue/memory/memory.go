// Package memory provides an in-process, non-durable queue. Messages are lost
// when the process exits; it backs development mode and tests.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/common/ids"
	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/queue"
)

const queueType = "memory"

// DeduplicationWindow is how long a deduplication ID suppresses republishing
const DeduplicationWindow = 5 * time.Minute

type envelope struct {
	id         string
	subject    string
	group      string
	data       []byte
	metadata   map[string]string
	deliveries int
}

// Queue is an in-memory queue.Queue
type Queue struct {
	mu      sync.Mutex
	ready   []*envelope
	delayed map[*time.Timer]*envelope
	dedup   map[string]time.Time
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	now     func() time.Time
}

var _ queue.Queue = (*Queue)(nil)

// New creates an empty queue
func New() *Queue {
	return &Queue{
		delayed: make(map[*time.Timer]*envelope),
		dedup:   make(map[string]time.Time),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Publish enqueues data
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	return q.PublishMessage(ctx, queue.NewMessageBuilder(subject).WithData(data))
}

// PublishWithGroup enqueues data with a message group
func (q *Queue) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return q.PublishMessage(ctx, queue.NewMessageBuilder(subject).WithData(data).WithMessageGroup(messageGroup))
}

// PublishWithDeduplication enqueues data unless the ID was seen within the
// deduplication window
func (q *Queue) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return q.PublishMessage(ctx, queue.NewMessageBuilder(subject).WithData(data).WithDeduplicationID(deduplicationID))
}

// PublishMessage enqueues a built message
func (q *Queue) PublishMessage(ctx context.Context, b *queue.MessageBuilder) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		metrics.QueuePublishErrors.WithLabelValues(queueType).Inc()
		return queue.ErrClosed
	}

	if id := b.DeduplicationID(); id != "" {
		now := q.now()
		if seen, ok := q.dedup[id]; ok && now.Sub(seen) < DeduplicationWindow {
			q.mu.Unlock()
			slog.Debug("Dropping duplicate message", "deduplicationId", id)
			return nil
		}
		q.dedup[id] = now
		q.pruneDedupLocked(now)
	}

	metadata := make(map[string]string, len(b.Metadata()))
	for k, v := range b.Metadata() {
		metadata[k] = v
	}
	q.ready = append(q.ready, &envelope{
		id:       ids.New(),
		subject:  b.Subject(),
		group:    b.MessageGroup(),
		data:     append([]byte(nil), b.Data()...),
		metadata: metadata,
	})
	q.mu.Unlock()

	q.signal()
	metrics.QueueMessagesPublished.WithLabelValues(queueType).Inc()
	return nil
}

func (q *Queue) pruneDedupLocked(now time.Time) {
	for id, seen := range q.dedup {
		if now.Sub(seen) >= DeduplicationWindow {
			delete(q.dedup, id)
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Consume hands ready messages to handler until ctx is done or the queue is
// closed. Only one consumer should run at a time.
func (q *Queue) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting in-memory consumer")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, closed := q.take()
		if closed {
			return nil
		}

		for _, d := range batch {
			metrics.QueueMessagesConsumed.WithLabelValues(queueType).Inc()
			if err := handler(&message{env: d.env, q: q, deliveries: d.deliveries}); err != nil {
				slog.Error("Message handler error", "error", err, "messageId", d.env.id)
			}
		}

		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case <-q.notify:
		}
	}
}

// delivery is an envelope taken for delivery with its delivery count at
// that moment
type delivery struct {
	env        *envelope
	deliveries int
}

func (q *Queue) take() ([]delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, true
	}
	batch := make([]delivery, len(q.ready))
	for i, env := range q.ready {
		env.deliveries++
		batch[i] = delivery{env: env, deliveries: env.deliveries}
	}
	q.ready = nil
	return batch, false
}

func (q *Queue) requeue(env *envelope) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.ready = append(q.ready, env)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) requeueAfter(env *envelope, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.delayed, timer)
		q.mu.Unlock()
		q.requeue(env)
	})
	q.delayed[timer] = env
}

// Depth returns messages waiting for delivery, including delayed ones
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed)
}

// Backlog returns Depth
func (q *Queue) Backlog(context.Context) (int64, error) {
	return int64(q.Depth()), nil
}

// Ping fails once the queue is closed
func (q *Queue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	return nil
}

// Close drops all undelivered messages and stops consumers
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for timer := range q.delayed {
		timer.Stop()
	}
	if n := len(q.ready) + len(q.delayed); n > 0 {
		slog.Warn("In-memory queue closed with undelivered messages", "count", n)
	}
	q.ready = nil
	q.delayed = nil
	close(q.done)
	return nil
}

// message is one delivery of an envelope
type message struct {
	env        *envelope
	q          *Queue
	deliveries int
	settled    atomic.Bool
}

func (m *message) ID() string           { return m.env.id }
func (m *message) Data() []byte         { return m.env.data }
func (m *message) Subject() string      { return m.env.subject }
func (m *message) MessageGroup() string { return m.env.group }
func (m *message) InProgress() error    { return nil }

func (m *message) Metadata() map[string]string {
	result := make(map[string]string, len(m.env.metadata)+1)
	for k, v := range m.env.metadata {
		result[k] = v
	}
	result["deliveryCount"] = strconv.Itoa(m.deliveries)
	return result
}

func (m *message) settle() error {
	if !m.settled.CompareAndSwap(false, true) {
		return fmt.Errorf("message %s: %w", m.env.id, queue.ErrAlreadySettled)
	}
	return nil
}

func (m *message) Ack() error {
	return m.settle()
}

func (m *message) Nak() error {
	if err := m.settle(); err != nil {
		return err
	}
	m.q.requeue(m.env)
	return nil
}

func (m *message) NakWithDelay(delay time.Duration) error {
	if delay <= 0 {
		return m.Nak()
	}
	if err := m.settle(); err != nil {
		return err
	}
	m.q.requeueAfter(m.env, delay)
	return nil
}
