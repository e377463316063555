package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
)

// SQSQueue sends payloads to Amazon SQS queues addressed by name. Queue
// URLs are resolved once and cached.
type SQSQueue struct {
	client sqsiface.SQSAPI

	mu   sync.Mutex
	urls map[string]string
}

// NewSQSQueue creates a client for the given region.
func NewSQSQueue(region string) (*SQSQueue, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &SQSQueue{client: sqs.New(sess), urls: make(map[string]string)}, nil
}

// NewSQSQueueWithClient wires an existing client, used by tests.
func NewSQSQueueWithClient(client sqsiface.SQSAPI) *SQSQueue {
	return &SQSQueue{client: client, urls: make(map[string]string)}
}

func (q *SQSQueue) queueURL(ctx context.Context, name string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if url, ok := q.urls[name]; ok {
		return url, nil
	}

	out, err := q.client.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve queue %q: %w", name, err)
	}

	url := aws.StringValue(out.QueueUrl)
	q.urls[name] = url
	return url, nil
}

func (q *SQSQueue) Enqueue(ctx context.Context, name string, payload []byte) error {
	url, err := q.queueURL(ctx, name)
	if err != nil {
		return err
	}

	_, err = q.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue to %q: %w", name, err)
	}
	return nil
}
