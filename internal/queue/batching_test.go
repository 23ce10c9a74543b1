package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/crm-automation/internal/domain"
)

type recordingBatchProducer struct {
	mu      sync.Mutex
	batches [][]domain.DeferredJob
}

func (p *recordingBatchProducer) Enqueue(ctx context.Context, job domain.DeferredJob) error {
	return p.EnqueueBatch(ctx, []domain.DeferredJob{job})
}

func (p *recordingBatchProducer) EnqueueBatch(_ context.Context, jobs []domain.DeferredJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]domain.DeferredJob(nil), jobs...))
	return nil
}

func (p *recordingBatchProducer) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func (p *recordingBatchProducer) totalJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, batch := range p.batches {
		total += len(batch)
	}
	return total
}

type blockingBatchProducer struct {
	block chan struct{}
}

func (p *blockingBatchProducer) Enqueue(ctx context.Context, job domain.DeferredJob) error {
	return p.EnqueueBatch(ctx, []domain.DeferredJob{job})
}

func (p *blockingBatchProducer) EnqueueBatch(ctx context.Context, _ []domain.DeferredJob) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.block:
		return nil
	}
}

// singleProducer has no batch support and rejects one job id.
type singleProducer struct {
	mu     sync.Mutex
	reject string
	jobs   []string
}

func (p *singleProducer) Enqueue(_ context.Context, job domain.DeferredJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if job.JobID == p.reject {
		return fmt.Errorf("rejected %s", job.JobID)
	}
	p.jobs = append(p.jobs, job.JobID)
	return nil
}

func testJob(id string, companyID int64, dueIn time.Duration) domain.DeferredJob {
	now := time.Now().UTC()
	return domain.DeferredJob{
		JobID:       id,
		LedgerID:    id,
		CompanyID:   companyID,
		DueAt:       now.Add(dueIn),
		RequestedAt: now,
	}
}

func TestBatchingProducerBatchesRequests(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       8,
		FlushInterval:      20 * time.Millisecond,
		FlushTimeout:       time.Second,
		QueueCapacity:      64,
		MaxInFlightBatches: 2,
	})
	defer batcher.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			err := batcher.Enqueue(context.Background(), testJob(fmt.Sprintf("job-%d", index), int64(index%3), time.Duration(index)*time.Minute))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, base.totalJobs())
	assert.Less(t, base.batchCount(), 10, "batching must reduce write count")
}

func TestBatchingProducerOrdersByCompanyThenDue(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  3,
		FlushInterval: time.Second,
	})
	defer batcher.Close()

	jobs := []domain.DeferredJob{
		testJob("c2-late", 2, 2*time.Hour),
		testJob("c1", 1, time.Hour),
		testJob("c2-early", 2, time.Minute),
	}
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job domain.DeferredJob) {
			defer wg.Done()
			assert.NoError(t, batcher.Enqueue(context.Background(), job))
		}(job)
	}
	wg.Wait()

	require.Equal(t, 1, base.batchCount())
	ids := make([]string, 0, 3)
	for _, job := range base.batches[0] {
		ids = append(ids, job.JobID)
	}
	assert.Equal(t, []string{"c1", "c2-early", "c2-late"}, ids)
}

func TestBatchingProducerReportsPerJobErrorsWithoutBatchWriter(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &singleProducer{reject: "bad"}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  2,
		FlushInterval: time.Second,
	})
	defer batcher.Close()

	results := make(map[string]error)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range []string{"good", "bad"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := batcher.Enqueue(context.Background(), testJob(id, 1, 0))
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	assert.NoError(t, results["good"])
	assert.Error(t, results["bad"])
	assert.Equal(t, []string{"good"}, base.jobs)
}

func TestBatchingProducerBackpressure(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &blockingBatchProducer{block: make(chan struct{})}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       1,
		FlushInterval:      200 * time.Millisecond,
		FlushTimeout:       2 * time.Second,
		QueueCapacity:      1,
		MaxInFlightBatches: 1,
	})
	defer batcher.Close()

	// One job is being written, one is held waiting for a writer and one
	// sits in the buffer. A fourth has nowhere to go.
	accepted := make(chan error, 3)
	for _, id := range []string{"job-writing", "job-held", "job-buffered"} {
		go func(id string) {
			accepted <- batcher.Enqueue(context.Background(), testJob(id, 1, 0))
		}(id)
		time.Sleep(30 * time.Millisecond)
	}

	err := batcher.Enqueue(context.Background(), testJob("job-rejected", 1, 0))
	assert.ErrorIs(t, err, ErrQueueBackpressure)

	close(base.block)
	for i := 0; i < 3; i++ {
		assert.NoError(t, <-accepted)
	}
}

// countingBatchProducer blocks every write until released and tracks how
// many run at once.
type countingBatchProducer struct {
	release  chan struct{}
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (p *countingBatchProducer) Enqueue(ctx context.Context, job domain.DeferredJob) error {
	return p.EnqueueBatch(ctx, []domain.DeferredJob{job})
}

func (p *countingBatchProducer) EnqueueBatch(context.Context, []domain.DeferredJob) error {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.peak {
		p.peak = p.inFlight
	}
	p.mu.Unlock()

	<-p.release

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
	return nil
}

func (p *countingBatchProducer) peakInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

func TestBatchingProducerBoundsConcurrentWrites(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &countingBatchProducer{release: make(chan struct{})}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       1,
		FlushTimeout:       2 * time.Second,
		QueueCapacity:      16,
		MaxInFlightBatches: 2,
	})
	defer batcher.Close()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, batcher.Enqueue(context.Background(), testJob(fmt.Sprintf("job-%d", i), 1, 0)))
		}(i)
	}

	require.Eventually(t, func() bool { return base.peakInFlight() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, base.peakInFlight())

	close(base.release)
	wg.Wait()
}

func TestBatchingProducerCloseWritesWaitingJobs(t *testing.T) {
	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(context.Background(), base, BatchingConfig{
		MaxBatchSize:  10,
		FlushInterval: time.Hour,
	})

	done := make(chan error, 2)
	for _, id := range []string{"first", "second"} {
		go func(id string) {
			done <- batcher.Enqueue(context.Background(), testJob(id, 1, 0))
		}(id)
	}
	time.Sleep(30 * time.Millisecond)

	batcher.Close()
	assert.NoError(t, <-done)
	assert.NoError(t, <-done)
	assert.Equal(t, 2, base.totalJobs())
}

func TestBatchingProducerRejectsAfterClose(t *testing.T) {
	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(context.Background(), base, BatchingConfig{})
	batcher.Close()

	err := batcher.Enqueue(context.Background(), testJob("late", 1, 0))
	assert.ErrorIs(t, err, ErrBatchingClosed)
}
