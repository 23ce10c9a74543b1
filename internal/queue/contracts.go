package queue

import (
	"context"
	"time"

	"github.com/iago/crm-automation/internal/domain"
)

// Handler processes one due job. A returned error makes the backend retry
// the job with backoff until it is dead-lettered.
type Handler func(ctx context.Context, job domain.DeferredJob) error

// Producer schedules a job for delivery at job.DueAt. Enqueueing a job id
// that is already live is a no-op.
type Producer interface {
	Enqueue(ctx context.Context, job domain.DeferredJob) error
}

// Consumer delivers due jobs to handler until ctx ends. Delivery is
// at-least-once.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

// Remover withdraws a job that has not been delivered yet. Removing an
// unknown job is not an error.
type Remover interface {
	Remove(ctx context.Context, jobID string) error
}

type Queue interface {
	Producer
	Consumer
	Remover
}

type batchCapableProducer interface {
	EnqueueBatch(ctx context.Context, jobs []domain.DeferredJob) error
}

func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * 500 * time.Millisecond
}
