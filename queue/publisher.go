package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Publisher delivers messages to a queue backend.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// SQSPublisher sends queue messages to AWS SQS.
type SQSPublisher struct {
	client   *sqs.Client
	queueURL string
}

// NewSQSPublisher constructs an SQS-backed publisher.
func NewSQSPublisher(ctx context.Context, region, queueURL string) (*SQSPublisher, error) {
	if queueURL == "" {
		return nil, fmt.Errorf("queue: queue URL is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("queue: load aws config: %w", err)
	}

	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

// Publish delivers a message to the configured SQS queue.
func (p *SQSPublisher) Publish(ctx context.Context, msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("queue: encode sqs message: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("queue: sqs send message: %w", err)
	}
	return nil
}

var _ Publisher = (*SQSPublisher)(nil)

// LogPublisher writes messages to the log instead of a queue. Used in
// development when no queue URL is configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p *LogPublisher) Publish(ctx context.Context, msg Message) error {
	p.Logger.Info("outbox message (no queue configured)",
		zap.String("id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.ByteString("payload", msg.Payload))
	return nil
}

var _ Publisher = (*LogPublisher)(nil)
