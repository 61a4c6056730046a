// Package testutil starts LocalStack for SQS integration tests
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"

	"go.flowcatalyst.tech/dispatcher/internal/queue"
)

// Credentials LocalStack accepts
const (
	AccessKeyID     = "test"
	SecretAccessKey = "test"
	Region          = "us-east-1"
)

// LocalStack is a running LocalStack container with an admin SQS client
type LocalStack struct {
	Container *localstack.LocalStackContainer
	Endpoint  string
	SQS       *sqs.Client
}

// StartLocalStack starts a LocalStack container with SQS and terminates it
// when the test ends
func StartLocalStack(ctx context.Context, t *testing.T) (*LocalStack, error) {
	t.Helper()

	container, err := localstack.Run(ctx,
		"localstack/localstack:3.0",
		testcontainers.WithEnv(map[string]string{"SERVICES": "sqs"}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start localstack: %w", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoint: %w", err)
	}
	endpoint = "http://" + endpoint

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(AccessKeyID, SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &LocalStack{
		Container: container,
		Endpoint:  endpoint,
		SQS: sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}),
	}, nil
}

// CreateQueue creates a standard queue, or a FIFO queue when fifo is set
// (".fifo" is appended to the name), and returns its URL
func (l *LocalStack) CreateQueue(ctx context.Context, name string, fifo bool) (string, error) {
	input := &sqs.CreateQueueInput{QueueName: aws.String(name)}
	if fifo {
		input.QueueName = aws.String(name + ".fifo")
		input.Attributes = map[string]string{"FifoQueue": "true"}
	}
	result, err := l.SQS.CreateQueue(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to create queue: %w", err)
	}
	return aws.ToString(result.QueueUrl), nil
}

// Config returns a queue config pointing at queueURL on this container
func (l *LocalStack) Config(queueURL string) queue.SQSConfig {
	return queue.SQSConfig{
		QueueURL:            queueURL,
		Region:              Region,
		Endpoint:            l.Endpoint,
		WaitTimeSeconds:     1,
		VisibilityTimeout:   30,
		MaxNumberOfMessages: 10,
	}
}
