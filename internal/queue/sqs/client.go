// Package sqs provides the AWS SQS queue backend, standard or FIFO
package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.flowcatalyst.tech/dispatcher/internal/common/ids"
	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/queue"
)

const queueType = "sqs"

// SQSClientAPI is the subset of the SQS client the backend uses
type SQSClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// MaxVisibilitySeconds is the SQS maximum visibility timeout (12 hours)
const MaxVisibilitySeconds = 43200

// Message attribute names
const (
	attrSubject      = "Subject"
	attrMessageGroup = "MessageGroup"
)

// settleTimeout bounds delete and visibility calls made while settling
const settleTimeout = 10 * time.Second

// Option configures NewClient
type Option func(*options)

type options struct {
	accessKeyID     string
	secretAccessKey string
}

// WithStaticCredentials uses fixed credentials instead of the default chain
func WithStaticCredentials(accessKeyID, secretAccessKey string) Option {
	return func(o *options) {
		o.accessKeyID = accessKeyID
		o.secretAccessKey = secretAccessKey
	}
}

// Client is a queue.Queue over one SQS queue
type Client struct {
	api    SQSClientAPI
	config queue.SQSConfig

	// SQS message IDs whose delete failed with an expired receipt handle.
	// They are deleted when they reappear.
	pendingDeletes   map[string]struct{}
	pendingDeletesMu sync.Mutex

	pollBackoff time.Duration
}

var _ queue.Queue = (*Client)(nil)

// NewClient loads AWS configuration and creates a client. An Endpoint in the
// config (LocalStack) overrides the service endpoint.
func NewClient(ctx context.Context, cfg queue.SQSConfig, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if o.accessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.accessKeyID, o.secretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := sqs.NewFromConfig(awsCfg, func(so *sqs.Options) {
		if cfg.Endpoint != "" {
			so.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	slog.Info("SQS client created",
		"queueURL", cfg.QueueURL,
		"fifo", cfg.IsFIFO(),
		"maxMessages", cfg.MaxNumberOfMessages,
		"waitTime", cfg.WaitTimeSeconds)

	return New(api, cfg), nil
}

// New creates a client over an existing SQS API
func New(api SQSClientAPI, cfg queue.SQSConfig) *Client {
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 120
	}
	if cfg.MaxNumberOfMessages == 0 {
		cfg.MaxNumberOfMessages = 10
	}
	return &Client{
		api:            api,
		config:         cfg,
		pendingDeletes: make(map[string]struct{}),
		pollBackoff:    time.Second,
	}
}

// QueueURL returns the configured queue URL
func (c *Client) QueueURL() string {
	return c.config.QueueURL
}

// Ping verifies that the queue is accessible
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Depth(ctx)
	return err
}

// Depth returns the approximate number of visible messages
func (c *Client) Depth(ctx context.Context) (int, error) {
	out, err := c.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get queue attributes: %w", err)
	}
	n, _ := strconv.Atoi(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)])
	return n, nil
}

// Backlog returns Depth
func (c *Client) Backlog(ctx context.Context) (int64, error) {
	n, err := c.Depth(ctx)
	return int64(n), err
}

// Close releases nothing; Consume stops with its context
func (c *Client) Close() error {
	return nil
}

// Publish sends a message to the queue
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	return c.PublishMessage(ctx, queue.NewMessageBuilder(subject).WithData(data))
}

// PublishWithGroup sends a message with a message group (MessageGroupId on FIFO queues)
func (c *Client) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return c.PublishMessage(ctx, queue.NewMessageBuilder(subject).WithData(data).WithMessageGroup(messageGroup))
}

// PublishWithDeduplication sends a message with a deduplication ID (FIFO queues)
func (c *Client) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return c.PublishMessage(ctx, queue.NewMessageBuilder(subject).WithData(data).WithDeduplicationID(deduplicationID))
}

// PublishMessage sends a message built with MessageBuilder
func (c *Client) PublishMessage(ctx context.Context, builder *queue.MessageBuilder) error {
	group, dedup := c.fifoKeys(builder)
	input := &sqs.SendMessageInput{
		QueueUrl:               aws.String(c.config.QueueURL),
		MessageBody:            aws.String(string(builder.Data())),
		MessageAttributes:      c.attributes(builder),
		MessageGroupId:         group,
		MessageDeduplicationId: dedup,
	}

	if _, err := c.api.SendMessage(ctx, input); err != nil {
		metrics.QueuePublishErrors.WithLabelValues(queueType).Inc()
		return fmt.Errorf("failed to send SQS message: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues(queueType).Inc()
	return nil
}

// PublishBatch sends messages in batches of ten
func (c *Client) PublishBatch(ctx context.Context, messages []*queue.MessageBuilder) error {
	const batchSize = 10
	for i := 0; i < len(messages); i += batchSize {
		end := min(i+batchSize, len(messages))

		entries := make([]types.SendMessageBatchRequestEntry, 0, end-i)
		for j := i; j < end; j++ {
			msg := messages[j]
			group, dedup := c.fifoKeys(msg)
			entries = append(entries, types.SendMessageBatchRequestEntry{
				Id:                     aws.String(strconv.Itoa(j)),
				MessageBody:            aws.String(string(msg.Data())),
				MessageAttributes:      c.attributes(msg),
				MessageGroupId:         group,
				MessageDeduplicationId: dedup,
			})
		}

		result, err := c.api.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(c.config.QueueURL),
			Entries:  entries,
		})
		if err != nil {
			metrics.QueuePublishErrors.WithLabelValues(queueType).Add(float64(len(entries)))
			return fmt.Errorf("failed to send SQS batch: %w", err)
		}

		metrics.QueueMessagesPublished.WithLabelValues(queueType).Add(float64(len(result.Successful)))
		if len(result.Failed) > 0 {
			metrics.QueuePublishErrors.WithLabelValues(queueType).Add(float64(len(result.Failed)))
			slog.Error("Some messages failed to send", "failed", len(result.Failed), "successful", len(result.Successful))
			return fmt.Errorf("failed to send %d messages", len(result.Failed))
		}
	}
	return nil
}

// fifoKeys returns MessageGroupId and MessageDeduplicationId. Both are only
// valid on FIFO queues, where both are required.
func (c *Client) fifoKeys(b *queue.MessageBuilder) (*string, *string) {
	if !c.config.IsFIFO() {
		return nil, nil
	}
	group := b.MessageGroup()
	if group == "" {
		group = "default"
	}
	dedup := b.DeduplicationID()
	if dedup == "" {
		dedup = ids.New()
	}
	return aws.String(group), aws.String(dedup)
}

func (c *Client) attributes(b *queue.MessageBuilder) map[string]types.MessageAttributeValue {
	attrs := map[string]types.MessageAttributeValue{
		attrSubject: stringAttr(b.Subject()),
	}
	if b.MessageGroup() != "" && !c.config.IsFIFO() {
		attrs[attrMessageGroup] = stringAttr(b.MessageGroup())
	}
	for k, v := range b.Metadata() {
		attrs[k] = stringAttr(v)
	}
	return attrs
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

// Consume long-polls the queue and calls handler for each message until ctx is done
func (c *Client) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting SQS consumer", "queueURL", c.config.QueueURL)

	for {
		batchSize, err := c.poll(ctx, handler)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Error polling SQS messages", "error", err)
			if !sleep(ctx, c.pollBackoff) {
				return ctx.Err()
			}
			continue
		}

		// Empty batch: queue likely empty. Partial batch: allow accumulation.
		var pause time.Duration
		switch {
		case batchSize == 0:
			pause = c.pollBackoff
		case batchSize < int(c.config.MaxNumberOfMessages):
			pause = 50 * time.Millisecond
		}
		if !sleep(ctx, pause) {
			slog.Info("SQS consumer stopped", "queueURL", c.config.QueueURL)
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// poll receives and hands out one batch
func (c *Client) poll(ctx context.Context, handler func(queue.Message) error) (int, error) {
	result, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(c.config.QueueURL),
		MaxNumberOfMessages:         c.config.MaxNumberOfMessages,
		WaitTimeSeconds:             c.config.WaitTimeSeconds,
		VisibilityTimeout:           c.config.VisibilityTimeout,
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to receive messages: %w", err)
	}

	handled := 0
	for i := range result.Messages {
		msg := result.Messages[i]
		sqsMessageID := aws.ToString(msg.MessageId)

		if c.takePendingDelete(sqsMessageID) {
			slog.Info("SQS message was previously processed - deleting now", "sqsMessageId", sqsMessageID)
			if err := c.deleteMessage(ctx, aws.ToString(msg.ReceiptHandle)); err != nil {
				slog.Warn("Failed to delete previously processed message", "error", err, "sqsMessageId", sqsMessageID)
				c.markForDeletion(sqsMessageID)
			}
			continue
		}

		metrics.QueueMessagesConsumed.WithLabelValues(queueType).Inc()
		wrapped := &Message{
			msg:           &msg,
			client:        c,
			receiptHandle: aws.ToString(msg.ReceiptHandle),
		}
		if err := handler(wrapped); err != nil {
			slog.Error("Message handler error", "error", err, "sqsMessageId", sqsMessageID)
		}
		handled++
	}
	return handled, nil
}

func (c *Client) deleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return err
}

func (c *Client) markForDeletion(sqsMessageID string) {
	c.pendingDeletesMu.Lock()
	c.pendingDeletes[sqsMessageID] = struct{}{}
	c.pendingDeletesMu.Unlock()
}

func (c *Client) takePendingDelete(sqsMessageID string) bool {
	c.pendingDeletesMu.Lock()
	defer c.pendingDeletesMu.Unlock()
	if _, ok := c.pendingDeletes[sqsMessageID]; !ok {
		return false
	}
	delete(c.pendingDeletes, sqsMessageID)
	return true
}

// PendingDeletes returns how many processed messages await deletion
func (c *Client) PendingDeletes() int {
	c.pendingDeletesMu.Lock()
	defer c.pendingDeletesMu.Unlock()
	return len(c.pendingDeletes)
}

// Message wraps an SQS message with visibility control
type Message struct {
	msg    *types.Message
	client *Client

	mu            sync.Mutex
	receiptHandle string
	settled       bool
}

var (
	_ queue.Message                = (*Message)(nil)
	_ queue.ReceiptHandleUpdatable = (*Message)(nil)
)

// ID returns the SQS message ID
func (m *Message) ID() string {
	return aws.ToString(m.msg.MessageId)
}

// Data returns the message body
func (m *Message) Data() []byte {
	return []byte(aws.ToString(m.msg.Body))
}

// Subject returns the Subject message attribute
func (m *Message) Subject() string {
	if attr, ok := m.msg.MessageAttributes[attrSubject]; ok {
		return aws.ToString(attr.StringValue)
	}
	return ""
}

// MessageGroup returns the FIFO MessageGroupId, or the group attribute on
// standard queues
func (m *Message) MessageGroup() string {
	if group, ok := m.msg.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)]; ok {
		return group
	}
	if attr, ok := m.msg.MessageAttributes[attrMessageGroup]; ok {
		return aws.ToString(attr.StringValue)
	}
	return ""
}

// Ack deletes the message. An expired receipt handle marks it for deletion
// on its next delivery.
func (m *Message) Ack() error {
	handle, err := m.settle()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if err := m.client.deleteMessage(ctx, handle); err != nil {
		if isReceiptHandleExpiredError(err) {
			m.client.markForDeletion(m.ID())
			slog.Info("Receipt handle expired - marked for deletion on next poll", "sqsMessageId", m.ID())
			return nil
		}
		return fmt.Errorf("failed to delete SQS message: %w", err)
	}
	return nil
}

// Nak makes the message visible again immediately
func (m *Message) Nak() error {
	return m.NakWithDelay(0)
}

// NakWithDelay makes the message visible again after delay
func (m *Message) NakWithDelay(delay time.Duration) error {
	handle, err := m.settle()
	if err != nil {
		return err
	}
	seconds := int32(min(max(delay.Seconds(), 0), MaxVisibilitySeconds))
	return m.changeVisibility(handle, seconds)
}

// InProgress extends visibility by the configured timeout
func (m *Message) InProgress() error {
	return m.changeVisibility(m.GetReceiptHandle(), m.client.config.VisibilityTimeout)
}

func (m *Message) settle() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return "", fmt.Errorf("message %s: %w", m.ID(), queue.ErrAlreadySettled)
	}
	m.settled = true
	return m.receiptHandle, nil
}

func (m *Message) changeVisibility(handle string, seconds int32) error {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	_, err := m.client.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(m.client.config.QueueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			// already visible again
			slog.Debug("Receipt handle expired - cannot change visibility", "sqsMessageId", m.ID())
			return nil
		}
		return fmt.Errorf("failed to change message visibility: %w", err)
	}
	slog.Debug("Changed message visibility", "sqsMessageId", m.ID(), "timeout", seconds)
	return nil
}

// UpdateReceiptHandle adopts the handle of a redelivered copy
func (m *Message) UpdateReceiptHandle(newReceiptHandle string) {
	m.mu.Lock()
	m.receiptHandle = newReceiptHandle
	m.mu.Unlock()
	slog.Debug("Updated receipt handle after redelivery", "sqsMessageId", m.ID())
}

// GetReceiptHandle returns the current receipt handle
func (m *Message) GetReceiptHandle() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receiptHandle
}

// Metadata returns message attributes plus the receive count
func (m *Message) Metadata() map[string]string {
	result := make(map[string]string, len(m.msg.MessageAttributes)+1)
	for k, v := range m.msg.MessageAttributes {
		if v.StringValue != nil {
			result[k] = *v.StringValue
		}
	}
	if n, ok := m.msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		result["deliveryCount"] = n
	}
	return result
}

func isReceiptHandleExpiredError(err error) bool {
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "receipt handle has expired") ||
		strings.Contains(msg, "ReceiptHandleIsInvalid")
}
