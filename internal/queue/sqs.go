package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"metamorph/internal/conv"
)

// SQSAPI is the slice of the SQS client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// longPollSeconds is the server-side receive wait; an empty response loops.
const longPollSeconds = 20

// SQS is the remote hosted queue backend.
type SQS struct {
	client   SQSAPI
	queueURL string
	logger   *slog.Logger
}

// NewSQS wraps an SQS client for the given queue URL.
func NewSQS(client SQSAPI, queueURL string, logger *slog.Logger) *SQS {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQS{client: client, queueURL: queueURL, logger: logger}
}

func (q *SQS) Enqueue(ctx context.Context, job conv.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.Hash, err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("send job %s: %w", job.Hash, err)
	}
	return nil
}

// Dequeue long-polls until a message arrives. The message is deleted before
// the job is returned: a crash between delete and processing loses the job,
// and the in-flight marker TTL bounds how long that loss blocks retries.
func (q *SQS) Dequeue(ctx context.Context) (conv.Job, error) {
	for {
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     longPollSeconds,
		})
		if err != nil {
			return conv.Job{}, fmt.Errorf("receive message: %w", err)
		}
		if len(out.Messages) == 0 {
			select {
			case <-ctx.Done():
				return conv.Job{}, ctx.Err()
			default:
				continue
			}
		}
		msg := out.Messages[0]
		if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(q.queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			return conv.Job{}, fmt.Errorf("delete message: %w", err)
		}
		var job conv.Job
		if msg.Body == nil || json.Unmarshal([]byte(*msg.Body), &job) != nil || job.Hash == "" {
			// Already deleted, so the poison pill cannot replay.
			return conv.Job{}, conv.ErrMalformedJob
		}
		return job, nil
	}
}
