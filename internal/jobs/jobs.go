// Package jobs hands granted protected operations off to background workers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/felipepmaragno/quotaguard/internal/domain"
	"github.com/felipepmaragno/quotaguard/internal/metrics"
)

const StatusQueued = "queued"

type Job struct {
	ID         string          `json:"id"`
	Operation  string          `json:"operation"`
	ActorID    string          `json:"actorId"`
	ResourceID string          `json:"resourceId"`
	RequestID  string          `json:"requestId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Receipt is what the caller of a queued operation gets back.
type Receipt struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// NewOperation returns a protected operation that enqueues the request as a Job.
// It runs only after quota has been granted.
func NewOperation(q Queue) func(ctx context.Context, req domain.OperationRequest) (any, error) {
	return func(ctx context.Context, req domain.OperationRequest) (any, error) {
		job := Job{
			ID:         uuid.NewString(),
			Operation:  req.Operation,
			ActorID:    req.ActorID,
			ResourceID: req.ResourceID,
			RequestID:  req.RequestID,
			Payload:    req.Payload,
			CreatedAt:  time.Now().UTC(),
		}
		if err := q.Enqueue(ctx, job); err != nil {
			return nil, fmt.Errorf("enqueue %s job: %w", req.Operation, err)
		}
		metrics.RecordJobEnqueued(req.Operation)
		return Receipt{JobID: job.ID, Status: StatusQueued}, nil
	}
}

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSQueue struct {
	client   sqsSender
	queueURL string
}

func NewSQSQueue(ctx context.Context, region, queueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSQueueWithConfig(cfg, queueURL), nil
}

func NewSQSQueueWithConfig(cfg aws.Config, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (q *SQSQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Operation": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.Operation),
			},
			"ActorID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.ActorID),
			},
			"JobID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.ID),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// DefaultQueueCapacity bounds the in-memory queue when no capacity is configured.
const DefaultQueueCapacity = 1024

var ErrQueueFull = errors.New("job queue is full")

// InMemoryQueue is a bounded FIFO for single-process deployments. Enqueue
// never blocks: a full queue returns ErrQueueFull.
type InMemoryQueue struct {
	jobs chan Job
}

func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &InMemoryQueue{jobs: make(chan Job, capacity)}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue removes and returns up to limit jobs in FIFO order without blocking.
func (q *InMemoryQueue) Dequeue(limit int) []Job {
	var out []Job
	for len(out) < limit {
		select {
		case job := <-q.jobs:
			out = append(out, job)
		default:
			return out
		}
	}
	return out
}

func (q *InMemoryQueue) Len() int {
	return len(q.jobs)
}

func (q *InMemoryQueue) Cap() int {
	return cap(q.jobs)
}

// Handler processes one dequeued job.
type Handler func(ctx context.Context, job Job) error

// Consume hands queued jobs to handle until ctx is cancelled. Handler errors
// are logged and the job is dropped.
func (q *InMemoryQueue) Consume(ctx context.Context, handle Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			if err := handle(ctx, job); err != nil {
				slog.Warn("job handler failed",
					"error", err,
					"job_id", job.ID,
					"operation", job.Operation,
				)
			}
		}
	}
}

// LogHandler records the hand-off of each job. It stands in for a worker when
// no external queue is configured.
func LogHandler(logger *slog.Logger) Handler {
	return func(ctx context.Context, job Job) error {
		logger.InfoContext(ctx, "job processed",
			"job_id", job.ID,
			"operation", job.Operation,
			"actor_id", job.ActorID,
			"resource_id", job.ResourceID,
			"payload_bytes", len(job.Payload),
		)
		return nil
	}
}
