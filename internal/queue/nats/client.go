// Package nats provides the NATS JetStream queue backend, against an external
// server or an embedded one.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/queue"
)

const queueType = "nats"

// Header names carried on published messages
const (
	HeaderMessageGroup = "Nats-Msg-Group"
	headerMetaPrefix   = "X-Meta-"
)

// Publisher publishes messages to NATS JetStream
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new NATS publisher
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// Publish sends a message to the specified subject
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.PublishMessage(ctx, queue.NewMessageBuilder(subject).WithData(data))
}

// PublishWithGroup sends a message carrying a message group header
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.PublishMessage(ctx, queue.NewMessageBuilder(subject).WithData(data).WithMessageGroup(messageGroup))
}

// PublishWithDeduplication sends a message with a JetStream deduplication ID
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.PublishMessage(ctx, queue.NewMessageBuilder(subject).WithData(data).WithDeduplicationID(deduplicationID))
}

// PublishMessage publishes a message built with MessageBuilder
func (p *Publisher) PublishMessage(ctx context.Context, builder *queue.MessageBuilder) error {
	msg := &nats.Msg{
		Subject: builder.Subject(),
		Data:    builder.Data(),
		Header:  make(nats.Header),
	}
	if builder.MessageGroup() != "" {
		msg.Header.Set(HeaderMessageGroup, builder.MessageGroup())
	}
	if builder.DeduplicationID() != "" {
		msg.Header.Set(jetstream.MsgIDHeader, builder.DeduplicationID())
	}
	for k, v := range builder.Metadata() {
		msg.Header.Set(headerMetaPrefix+k, v)
	}

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		metrics.QueuePublishErrors.WithLabelValues(queueType).Inc()
		return fmt.Errorf("failed to publish message: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues(queueType).Inc()
	return nil
}

// Close closes the publisher
func (p *Publisher) Close() error {
	return nil
}

// Consumer consumes messages from a durable JetStream consumer
type Consumer struct {
	consumer jetstream.Consumer
	name     string
}

// NewConsumer creates a new NATS consumer
func NewConsumer(consumer jetstream.Consumer, name string) *Consumer {
	return &Consumer{
		consumer: consumer,
		name:     name,
	}
}

// Consume pulls messages and calls handler for each until ctx is done
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting NATS consumer", "consumer", c.name)

	msgIter, err := c.consumer.Messages()
	if err != nil {
		return fmt.Errorf("failed to create message iterator: %w", err)
	}
	// Next blocks without a context; stopping the iterator unblocks it.
	stop := context.AfterFunc(ctx, msgIter.Stop)
	defer stop()
	defer msgIter.Stop()

	for {
		msg, err := msgIter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				slog.Info("NATS consumer stopped", "consumer", c.name)
				return ctx.Err()
			}
			slog.Error("Error getting next message", "error", err, "consumer", c.name)
			continue
		}

		metrics.QueueMessagesConsumed.WithLabelValues(queueType).Inc()
		if err := handler(&Message{msg: msg}); err != nil {
			slog.Error("Message handler error", "error", err, "consumer", c.name, "subject", msg.Subject())
		}
	}
}

// Pending returns the number of stream messages not yet delivered to the consumer
func (c *Consumer) Pending(ctx context.Context) (uint64, error) {
	info, err := c.consumer.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get consumer info: %w", err)
	}
	return info.NumPending, nil
}

// Close closes the consumer
func (c *Consumer) Close() error {
	slog.Info("Consumer closed", "consumer", c.name)
	return nil
}

// Message wraps a NATS JetStream message
type Message struct {
	msg jetstream.Msg
}

// ID returns the deduplication ID when set, otherwise stream:sequence
func (m *Message) ID() string {
	if id := m.msg.Headers().Get(jetstream.MsgIDHeader); id != "" {
		return id
	}
	meta, err := m.msg.Metadata()
	if err == nil {
		return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
	}
	return ""
}

func (m *Message) Data() []byte    { return m.msg.Data() }
func (m *Message) Subject() string { return m.msg.Subject() }

// MessageGroup returns the group header set by the publisher
func (m *Message) MessageGroup() string {
	return m.msg.Headers().Get(HeaderMessageGroup)
}

func (m *Message) Ack() error {
	return settleErr(m.msg.Ack())
}

func (m *Message) Nak() error {
	return settleErr(m.msg.Nak())
}

func (m *Message) NakWithDelay(delay time.Duration) error {
	if delay <= 0 {
		return m.Nak()
	}
	return settleErr(m.msg.NakWithDelay(delay))
}

// InProgress resets the ack wait timer
func (m *Message) InProgress() error {
	return m.msg.InProgress()
}

// Metadata returns publisher metadata plus the delivery count
func (m *Message) Metadata() map[string]string {
	result := make(map[string]string)
	for k, v := range m.msg.Headers() {
		if len(v) == 0 {
			continue
		}
		if key, ok := strings.CutPrefix(k, headerMetaPrefix); ok {
			result[key] = v[0]
		} else {
			result[k] = v[0]
		}
	}
	if meta, err := m.msg.Metadata(); err == nil {
		result["deliveryCount"] = strconv.FormatUint(meta.NumDelivered, 10)
	}
	return result
}

func settleErr(err error) error {
	if errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
		return fmt.Errorf("%w: %w", queue.ErrAlreadySettled, err)
	}
	return err
}

// Client is a queue.Queue over one JetStream stream and durable consumer
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
	*Publisher
	consumer *Consumer
}

var _ queue.Queue = (*Client)(nil)

// Connect dials an external NATS server and sets up the stream and consumer
func Connect(ctx context.Context, cfg queue.Config) (*Client, error) {
	url := cfg.NATS.URL
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url, connectOptions("dispatcher")...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client, err := newClient(ctx, conn, cfg, jetstream.FileStorage)
	if err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("Connected to NATS", "url", url, "stream", cfg.NATS.StreamName)
	return client, nil
}

func connectOptions(name string) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	}
}

func newClient(ctx context.Context, conn *nats.Conn, cfg queue.Config, storage jetstream.StorageType) (*Client, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := ensureStream(ctx, js, cfg.NATS, storage); err != nil {
		return nil, err
	}

	consumer, err := createConsumer(ctx, js, cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		conn:      conn,
		js:        js,
		Publisher: NewPublisher(js),
		consumer:  consumer,
	}, nil
}

// ensureStream creates the work-queue stream or updates it in place
func ensureStream(ctx context.Context, js jetstream.JetStream, cfg queue.NATSConfig, storage jetstream.StorageType) error {
	streamCfg := jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  cfg.Subjects,
		Storage:   storage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    cfg.MaxAge,
		Replicas:  1,
		Discard:   jetstream.DiscardOld,
		MaxMsgs:   -1,
		MaxBytes:  -1,
		// window for Nats-Msg-Id deduplication
		Duplicates: 5 * time.Minute,
	}

	if _, err := js.Stream(ctx, cfg.StreamName); err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return fmt.Errorf("failed to look up stream: %w", err)
		}
		if _, err := js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		slog.Info("Created JetStream stream", "stream", cfg.StreamName, "subjects", cfg.Subjects)
		return nil
	}

	if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	slog.Debug("Updated JetStream stream", "stream", cfg.StreamName)
	return nil
}

func createConsumer(ctx context.Context, js jetstream.JetStream, cfg queue.Config) (*Consumer, error) {
	ackWait := 2 * time.Minute
	if cfg.NATS.AckWait > 0 {
		ackWait = cfg.NATS.AckWait
	}

	maxDeliver := -1
	if cfg.NATS.MaxDeliver > 0 {
		maxDeliver = cfg.NATS.MaxDeliver
	}

	maxAckPending := 1000
	if cfg.NATS.MaxAckPending > 0 {
		maxAckPending = cfg.NATS.MaxAckPending
	}

	consumerCfg := jetstream.ConsumerConfig{
		Name:          cfg.NATS.ConsumerName,
		Durable:       cfg.NATS.ConsumerName,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: maxAckPending,
	}

	stream, err := js.Stream(ctx, cfg.NATS.StreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	return NewConsumer(consumer, cfg.NATS.ConsumerName), nil
}

// Consume delivers messages from the durable consumer
func (c *Client) Consume(ctx context.Context, handler func(queue.Message) error) error {
	return c.consumer.Consume(ctx, handler)
}

// Pending returns messages waiting in the stream for this consumer
func (c *Client) Pending(ctx context.Context) (uint64, error) {
	return c.consumer.Pending(ctx)
}

// Backlog returns Pending
func (c *Client) Backlog(ctx context.Context) (int64, error) {
	n, err := c.consumer.Pending(ctx)
	return int64(n), err
}

// Ping reports whether the connection is usable
func (c *Client) Ping(ctx context.Context) error {
	if status := c.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	if _, err := c.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("jetstream unavailable: %w", err)
	}
	return nil
}

// Close closes the consumer and the connection
func (c *Client) Close() error {
	c.consumer.Close()
	c.conn.Close()
	return nil
}
