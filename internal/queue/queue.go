// Package queue defines the capability interfaces dispatch jobs travel
// through: a Publisher that enqueues encoded jobs and a Consumer that hands
// received messages to a handler. Backends live in sub-packages.
package queue

import (
	"context"
	"errors"
	"time"
)

// Type selects a queue backend
type Type string

const (
	TypeMemory   Type = "memory"   // in-process, non-durable
	TypeEmbedded Type = "embedded" // embedded NATS server with JetStream
	TypeNATS     Type = "nats"     // external NATS JetStream
	TypeSQS      Type = "sqs"      // AWS SQS, standard or FIFO
)

// ErrClosed is returned by operations on a closed queue
var ErrClosed = errors.New("queue closed")

// ErrAlreadySettled is returned when a message is acked or nak'd twice
var ErrAlreadySettled = errors.New("message already settled")

// Message is a received queue message. Ack, Nak and NakWithDelay settle it
// against the backend, so a Message can serve directly as a job receipt.
type Message interface {
	// ID returns the backend message identifier
	ID() string

	// Data returns the message payload
	Data() []byte

	// Subject returns the message subject/topic
	Subject() string

	// MessageGroup returns the server-side group key, if the backend has one
	MessageGroup() string

	// Ack removes the message from the queue
	Ack() error

	// Nak makes the message available for redelivery now
	Nak() error

	// NakWithDelay makes the message available for redelivery after delay
	NakWithDelay(delay time.Duration) error

	// InProgress extends the processing deadline
	InProgress() error

	// Metadata returns backend attributes and headers
	Metadata() map[string]string
}

// ReceiptHandleUpdatable is implemented by messages whose settlement handle
// changes on redelivery (SQS). When a redelivered copy of a message still in
// the pipeline arrives, the held message adopts the fresh handle.
type ReceiptHandleUpdatable interface {
	UpdateReceiptHandle(newReceiptHandle string)
	GetReceiptHandle() string
}

// Publisher publishes messages to a queue
type Publisher interface {
	// Publish sends a message to the specified subject
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishWithGroup sends a message with a server-side message group
	PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error

	// PublishWithDeduplication sends a message with a deduplication ID
	PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error

	// PublishMessage sends a message assembled with a MessageBuilder
	PublishMessage(ctx context.Context, builder *MessageBuilder) error

	// Close closes the publisher
	Close() error
}

// Consumer consumes messages from a queue
type Consumer interface {
	// Consume calls handler for each received message until ctx is done.
	// The handler owns settlement of the message.
	Consume(ctx context.Context, handler func(Message) error) error

	// Close closes the consumer
	Close() error
}

// BacklogReporter is implemented by consumers that can tell how many
// messages are waiting to be delivered
type BacklogReporter interface {
	Backlog(ctx context.Context) (int64, error)
}

// Queue combines Publisher and Consumer interfaces
type Queue interface {
	Publisher
	Consumer
}

// Config holds queue configuration
type Config struct {
	// Type is the backend: memory, embedded, nats or sqs
	Type Type

	// Subject is the subject jobs are published to
	Subject string

	// DataDir is the data directory for embedded NATS
	DataDir string

	// BacklogThreshold is the depth above which the queue is reported as
	// backlogged; 0 disables the check
	BacklogThreshold int

	NATS NATSConfig
	SQS  SQSConfig
}

// NATSConfig holds NATS-specific configuration
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// StreamName is the JetStream stream name
	StreamName string

	// ConsumerName is the durable consumer name
	ConsumerName string

	// Subjects is the list of subjects bound to the stream
	Subjects []string

	// AckWait is the time to wait for message acknowledgment
	AckWait time.Duration

	// MaxDeliver is the maximum number of delivery attempts; <= 0 is unlimited
	MaxDeliver int

	// MaxAckPending bounds unacknowledged messages held by the consumer
	MaxAckPending int

	// MaxAge is the maximum age of messages in the stream
	MaxAge time.Duration
}

// SQSConfig holds AWS SQS-specific configuration
type SQSConfig struct {
	// QueueURL is the SQS queue URL
	QueueURL string

	// Region is the AWS region
	Region string

	// Endpoint overrides the service endpoint (LocalStack)
	Endpoint string

	// WaitTimeSeconds is the long-polling wait time (max 20)
	WaitTimeSeconds int32

	// VisibilityTimeout is the visibility timeout in seconds
	VisibilityTimeout int32

	// MaxNumberOfMessages is the max messages per receive (1-10)
	MaxNumberOfMessages int32
}

// DefaultConfig returns default queue configuration
func DefaultConfig() *Config {
	return &Config{
		Type:    TypeMemory,
		Subject: "dispatch.jobs",
		DataDir: "./data/nats",

		BacklogThreshold: 1000,
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			StreamName:    "DISPATCH",
			ConsumerName:  "dispatcher",
			Subjects:      []string{"dispatch.>"},
			AckWait:       2 * time.Minute,
			MaxAckPending: 1000,
			MaxAge:        24 * time.Hour,
		},
		SQS: SQSConfig{
			Region:              "us-east-1",
			WaitTimeSeconds:     20,
			VisibilityTimeout:   120,
			MaxNumberOfMessages: 10,
		},
	}
}

// IsFIFO reports whether an SQS queue URL names a FIFO queue
func (c SQSConfig) IsFIFO() bool {
	n := len(c.QueueURL)
	return n >= 5 && c.QueueURL[n-5:] == ".fifo"
}

// MessageBuilder helps construct messages for publishing
type MessageBuilder struct {
	subject         string
	data            []byte
	messageGroup    string
	deduplicationID string
	metadata        map[string]string
}

// NewMessageBuilder creates a new message builder
func NewMessageBuilder(subject string) *MessageBuilder {
	return &MessageBuilder{
		subject:  subject,
		metadata: make(map[string]string),
	}
}

// WithData sets the message payload
func (b *MessageBuilder) WithData(data []byte) *MessageBuilder {
	b.data = data
	return b
}

// WithMessageGroup sets the server-side message group
func (b *MessageBuilder) WithMessageGroup(group string) *MessageBuilder {
	b.messageGroup = group
	return b
}

// WithDeduplicationID sets the deduplication ID
func (b *MessageBuilder) WithDeduplicationID(id string) *MessageBuilder {
	b.deduplicationID = id
	return b
}

// WithMetadata adds metadata to the message
func (b *MessageBuilder) WithMetadata(key, value string) *MessageBuilder {
	b.metadata[key] = value
	return b
}

func (b *MessageBuilder) Subject() string             { return b.subject }
func (b *MessageBuilder) Data() []byte                { return b.data }
func (b *MessageBuilder) MessageGroup() string        { return b.messageGroup }
func (b *MessageBuilder) DeduplicationID() string     { return b.deduplicationID }
func (b *MessageBuilder) Metadata() map[string]string { return b.metadata }
