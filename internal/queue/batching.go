package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/iago/crm-automation/internal/domain"
)

var (
	ErrQueueBackpressure = errors.New("queue backpressure: enqueue buffer is full")
	ErrBatchingClosed    = errors.New("batching producer is closed")
)

type BatchingConfig struct {
	MaxBatchSize       int
	FlushInterval      time.Duration
	FlushTimeout       time.Duration
	QueueCapacity      int
	MaxInFlightBatches int
}

func (c BatchingConfig) withDefaults() BatchingConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 32
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 25 * time.Millisecond
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 3 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 2048
	}
	if c.MaxInFlightBatches <= 0 {
		c.MaxInFlightBatches = 4
	}
	return c
}

// waitingJob is one Enqueue call parked until its batch is written.
type waitingJob struct {
	ctx  context.Context
	job  domain.DeferredJob
	done chan error
}

// BatchingProducer absorbs trigger bursts. Jobs scheduled close together are
// gathered into one write to the backend, and every caller blocks until the
// write holding its job returns. Jobs beyond QueueCapacity fail fast with
// ErrQueueBackpressure. At most MaxInFlightBatches writes run at once.
type BatchingProducer struct {
	base Producer
	cfg  BatchingConfig

	waiting   chan waitingJob
	batches   chan []waitingJob
	closing   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewBatchingProducer starts the producer. It stops when parent is cancelled
// or Close is called, writing whatever was still waiting.
func NewBatchingProducer(parent context.Context, base Producer, cfg BatchingConfig) *BatchingProducer {
	cfg = cfg.withDefaults()
	b := &BatchingProducer{
		base:    base,
		cfg:     cfg,
		waiting: make(chan waitingJob, cfg.QueueCapacity),
		batches: make(chan []waitingJob),
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
	}

	var writers sync.WaitGroup
	for i := 0; i < cfg.MaxInFlightBatches; i++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for batch := range b.batches {
				b.write(batch)
			}
		}()
	}
	go func() {
		b.gather(parent.Done())
		close(b.batches)
		writers.Wait()
		close(b.closed)
	}()
	return b
}

func (b *BatchingProducer) Enqueue(ctx context.Context, job domain.DeferredJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.closing:
		return ErrBatchingClosed
	default:
	}

	w := waitingJob{ctx: ctx, job: job, done: make(chan error, 1)}
	select {
	case b.waiting <- w:
	default:
		return ErrQueueBackpressure
	}

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		// The final flush may have written the job just before shutdown.
		select {
		case err := <-w.done:
			return err
		default:
			return ErrBatchingClosed
		}
	}
}

// Close stops accepting jobs and returns once waiting jobs are written.
func (b *BatchingProducer) Close() {
	b.closeOnce.Do(func() { close(b.closing) })
	<-b.closed
}

// gather fills batches until one is full or its first job has waited
// FlushInterval, then hands it to a writer.
func (b *BatchingProducer) gather(parentDone <-chan struct{}) {
	var (
		batch    []waitingJob
		deadline = time.NewTimer(b.cfg.FlushInterval)
	)
	deadline.Stop()
	defer deadline.Stop()

	ship := func() {
		deadline.Stop()
		if len(batch) > 0 {
			b.batches <- batch
			batch = nil
		}
	}

	for {
		select {
		case <-parentDone:
			b.drain(batch)
			return
		case <-b.closing:
			b.drain(batch)
			return
		case <-deadline.C:
			ship()
		case w := <-b.waiting:
			batch = append(batch, w)
			if len(batch) == 1 {
				deadline.Reset(b.cfg.FlushInterval)
			}
			if len(batch) >= b.cfg.MaxBatchSize {
				ship()
			}
		}
	}
}

// drain ships batch together with every job still buffered.
func (b *BatchingProducer) drain(batch []waitingJob) {
	for {
		select {
		case w := <-b.waiting:
			batch = append(batch, w)
			if len(batch) >= b.cfg.MaxBatchSize {
				b.batches <- batch
				batch = nil
			}
		default:
			if len(batch) > 0 {
				b.batches <- batch
			}
			return
		}
	}
}

func (b *BatchingProducer) write(batch []waitingJob) {
	live := batch[:0]
	for _, w := range batch {
		if err := w.ctx.Err(); err != nil {
			w.done <- err
			continue
		}
		live = append(live, w)
	}
	if len(live) == 0 {
		return
	}

	// Jobs of one company stay together, earliest due first.
	sort.SliceStable(live, func(i, j int) bool {
		left, right := live[i].job, live[j].job
		if left.CompanyID != right.CompanyID {
			return left.CompanyID < right.CompanyID
		}
		return left.DueAt.Before(right.DueAt)
	})

	// Callers may give up after the write starts, so it runs on its own clock.
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()

	writer, ok := b.base.(batchCapableProducer)
	if !ok {
		for _, w := range live {
			w.done <- b.base.Enqueue(ctx, w.job)
		}
		return
	}
	jobs := make([]domain.DeferredJob, len(live))
	for i, w := range live {
		jobs[i] = w.job
	}
	err := writer.EnqueueBatch(ctx, jobs)
	for _, w := range live {
		w.done <- err
	}
}
