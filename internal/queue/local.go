package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/domain"
	"github.com/iago/crm-automation/internal/logging"
)

// LocalQueue is an in-process delayed queue used when Redis is not
// configured. Each live job owns a timer; jobs do not survive a restart.
type LocalQueue struct {
	ready       chan domain.DeferredJob
	maxAttempts int
	logger      *zap.SugaredLogger
	now         func() time.Time

	mu     sync.Mutex
	live   map[string]*time.Timer
	closed chan struct{}
	once   sync.Once

	dlqMu sync.Mutex
	dlq   []domain.DeferredJob
}

func NewLocalQueue(bufferSize, maxAttempts int, logger *zap.SugaredLogger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &LocalQueue{
		ready:       make(chan domain.DeferredJob, bufferSize),
		maxAttempts: maxAttempts,
		logger:      logging.Component(logger, "local_queue"),
		now:         time.Now,
		live:        make(map[string]*time.Timer),
		closed:      make(chan struct{}),
		dlq:         make([]domain.DeferredJob, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, job domain.DeferredJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.live[job.JobID]; exists {
		return nil
	}
	q.live[job.JobID] = q.arm(job, job.DueAt.Sub(q.now()))
	return nil
}

func (q *LocalQueue) EnqueueBatch(ctx context.Context, jobs []domain.DeferredJob) error {
	for _, job := range jobs {
		if err := q.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (q *LocalQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if timer, exists := q.live[jobID]; exists {
		timer.Stop()
		delete(q.live, jobID)
	}
	return nil
}

func (q *LocalQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return nil
		case job := <-q.ready:
			if !q.isLive(job.JobID) {
				continue
			}

			err := handler(ctx, job)
			if err == nil {
				q.release(job.JobID)
				continue
			}

			job.Attempt++
			if job.Attempt >= q.maxAttempts {
				q.release(job.JobID)
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, job)
				q.dlqMu.Unlock()
				q.logger.Errorw("local queue moved job to DLQ",
					logging.FieldJobID, job.JobID,
					logging.FieldLedgerID, job.LedgerID,
					logging.FieldAttempt, job.Attempt,
					logging.FieldError, err,
				)
				continue
			}

			q.logger.Warnw("local queue retrying job",
				logging.FieldJobID, job.JobID,
				logging.FieldAttempt, job.Attempt,
				logging.FieldError, err,
			)
			q.mu.Lock()
			if _, exists := q.live[job.JobID]; exists {
				q.live[job.JobID] = q.arm(job, retryDelay(job.Attempt))
			}
			q.mu.Unlock()
		}
	}
}

// Close stops every pending timer and ends all Consume loops.
func (q *LocalQueue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		for jobID, timer := range q.live {
			timer.Stop()
			delete(q.live, jobID)
		}
		q.mu.Unlock()
		close(q.closed)
	})
}

// Pending counts live jobs, delivered or not.
func (q *LocalQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live)
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}

func (q *LocalQueue) DLQ() []domain.DeferredJob {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return append([]domain.DeferredJob(nil), q.dlq...)
}

// arm must be called with q.mu held.
func (q *LocalQueue) arm(job domain.DeferredJob, delay time.Duration) *time.Timer {
	if delay < 0 {
		delay = 0
	}
	return time.AfterFunc(delay, func() {
		if !q.isLive(job.JobID) {
			return
		}
		select {
		case q.ready <- job:
		case <-q.closed:
		}
	})
}

func (q *LocalQueue) isLive(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, exists := q.live[jobID]
	return exists
}

func (q *LocalQueue) release(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.live, jobID)
}
