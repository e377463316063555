package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	awsrequest "github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a", []byte("one")))
	require.NoError(t, q.Enqueue(ctx, "a", []byte("two")))
	require.NoError(t, q.Enqueue(ctx, "b", []byte("three")))

	assert.Equal(t, 2, q.Len("a"))
	assert.Equal(t, 1, q.Len("b"))

	payloads := q.Drain("a")
	require.Len(t, payloads, 2)
	assert.Equal(t, "one", string(payloads[0]))
	assert.Zero(t, q.Len("a"))
}

type fakeSQS struct {
	sqsiface.SQSAPI

	urlCalls int
	sent     []*sqs.SendMessageInput
	urlErr   error
}

func (f *fakeSQS) GetQueueUrlWithContext(ctx aws.Context, in *sqs.GetQueueUrlInput, _ ...awsrequest.Option) (*sqs.GetQueueUrlOutput, error) {
	f.urlCalls++
	if f.urlErr != nil {
		return nil, f.urlErr
	}
	return &sqs.GetQueueUrlOutput{
		QueueUrl: aws.String("https://sqs.example/" + aws.StringValue(in.QueueName)),
	}, nil
}

func (f *fakeSQS) SendMessageWithContext(ctx aws.Context, in *sqs.SendMessageInput, _ ...awsrequest.Option) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSQueueCachesURLs(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQSQueueWithClient(fake)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "notifications", []byte(`{"method":"publish"}`)))
	require.NoError(t, q.Enqueue(ctx, "notifications", []byte(`{"method":"ack"}`)))

	assert.Equal(t, 1, fake.urlCalls, "queue URL is resolved once per name")
	require.Len(t, fake.sent, 2)
	assert.Equal(t, "https://sqs.example/notifications", aws.StringValue(fake.sent[0].QueueUrl))
	assert.Equal(t, `{"method":"publish"}`, aws.StringValue(fake.sent[0].MessageBody))
}

func TestSQSQueueResolveFailure(t *testing.T) {
	fake := &fakeSQS{urlErr: errors.New("no such queue")}
	q := NewSQSQueueWithClient(fake)

	err := q.Enqueue(context.Background(), "missing", []byte("x"))
	require.Error(t, err)
	assert.Empty(t, fake.sent)
}
