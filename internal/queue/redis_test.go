package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/crm-automation/internal/domain"
)

func newTestRedisQueue(t *testing.T, maxAttempts int) (*RedisQueue, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewRedisQueue(context.Background(), client, RedisConfig{
		MaxAttempts:  maxAttempts,
		PollInterval: 10 * time.Millisecond,
		BlockTimeout: 50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return q, client
}

func TestRedisQueueEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, client := newTestRedisQueue(t, 3)

	job := testJob("auto-1", 1, time.Hour)
	require.NoError(t, q.Enqueue(ctx, job))
	job.DueAt = job.DueAt.Add(time.Hour)
	require.NoError(t, q.Enqueue(ctx, job))
	require.NoError(t, q.EnqueueBatch(ctx, []domain.DeferredJob{job, testJob("auto-2", 1, time.Hour)}))

	size, err := client.ZCard(ctx, q.delayKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	score, err := client.ZScore(ctx, q.delayKey, "auto-1").Result()
	require.NoError(t, err)
	assert.Equal(t, dueScore(job.DueAt.Add(-time.Hour)), score, "first enqueue wins")
}

func TestRedisQueuePromotesOnlyDueJobs(t *testing.T) {
	ctx := context.Background()
	q, client := newTestRedisQueue(t, 3)
	now := time.Now()

	require.NoError(t, q.Enqueue(ctx, testJob("due", 1, -time.Second)))
	require.NoError(t, q.Enqueue(ctx, testJob("future", 1, time.Hour)))

	promoted, err := q.PromoteDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	promoted, err = q.PromoteDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, promoted, "a promoted job is not sent twice")

	length, err := client.XLen(ctx, q.stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestRedisQueueRemoveWithdrawsJob(t *testing.T) {
	ctx := context.Background()
	q, client := newTestRedisQueue(t, 3)

	require.NoError(t, q.Enqueue(ctx, testJob("gone", 1, -time.Second)))
	require.NoError(t, q.Remove(ctx, "gone"))
	require.NoError(t, q.Remove(ctx, "never-existed"))

	promoted, err := q.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, promoted)

	exists, err := client.HExists(ctx, q.payloadKey, "gone").Result()
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, q.Enqueue(ctx, testJob("gone", 1, time.Hour)), "a removed id can be scheduled again")
}

func TestRedisQueueConsumeDeliversDueJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, client := newTestRedisQueue(t, 3)

	job := testJob("auto-ledger", 7, 20*time.Millisecond)
	job.LedgerID = "ledger"
	require.NoError(t, q.Enqueue(ctx, job))

	delivered := make(chan domain.DeferredJob, 1)
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, job domain.DeferredJob) error {
			delivered <- job
			return nil
		})
	}()

	select {
	case got := <-delivered:
		assert.Equal(t, "auto-ledger", got.JobID)
		assert.Equal(t, "ledger", got.LedgerID)
		assert.Equal(t, int64(7), got.CompanyID)
	case <-time.After(3 * time.Second):
		t.Fatal("job was not delivered")
	}

	assert.Eventually(t, func() bool {
		exists, err := client.HExists(context.Background(), q.payloadKey, "auto-ledger").Result()
		return err == nil && !exists
	}, time.Second, 10*time.Millisecond, "payload is released after success")
}

func TestRedisQueueDeadLettersAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, client := newTestRedisQueue(t, 2)

	require.NoError(t, q.Enqueue(ctx, testJob("poison", 1, 0)))

	var calls atomic.Int32
	go func() {
		_ = q.Consume(ctx, func(context.Context, domain.DeferredJob) error {
			calls.Add(1)
			return errors.New("ledger unavailable")
		})
	}()

	assert.Eventually(t, func() bool {
		length, err := client.XLen(context.Background(), q.dlqStream).Result()
		return err == nil && length == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())

	exists, err := client.HExists(context.Background(), q.payloadKey, "poison").Result()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisQueuePromoteKeepsJobWhenStreamWriteFails(t *testing.T) {
	ctx := context.Background()
	q, client := newTestRedisQueue(t, 3)
	require.NoError(t, q.Enqueue(ctx, testJob("auto-1", 1, -time.Second)))

	require.NoError(t, client.Del(ctx, q.stream).Err())
	require.NoError(t, client.Set(ctx, q.stream, "not a stream", 0).Err())

	_, err := q.PromoteDue(ctx, time.Now())
	require.Error(t, err)

	_, err = client.ZScore(ctx, q.delayKey, "auto-1").Result()
	require.NoError(t, err, "the job stays scheduled")

	require.NoError(t, client.Del(ctx, q.stream).Err())
	require.NoError(t, q.ensureGroup(ctx))

	promoted, err := q.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	length, err := client.XLen(ctx, q.stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestRedisQueuePromoteDropsJobWithoutPayload(t *testing.T) {
	ctx := context.Background()
	q, client := newTestRedisQueue(t, 3)
	require.NoError(t, q.Enqueue(ctx, testJob("orphan", 1, -time.Second)))
	require.NoError(t, client.HDel(ctx, q.payloadKey, "orphan").Err())

	promoted, err := q.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, promoted)

	size, err := client.ZCard(ctx, q.delayKey).Result()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestRedisQueueReclaimsEntriesOfADeadConsumer(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewRedisQueue(ctx, client, RedisConfig{
		Consumer:     "worker-2",
		PollInterval: 10 * time.Millisecond,
		BlockTimeout: 50 * time.Millisecond,
		ClaimIdle:    20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, testJob("auto-stuck", 1, -time.Second)))
	promoted, err := q.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	// worker-1 reads the entry and dies before acknowledging it.
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "worker-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    10 * time.Millisecond,
	}).Result()
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Len(t, streams[0].Messages, 1)

	time.Sleep(50 * time.Millisecond)

	var handled []string
	reclaimed, err := q.ReclaimStale(ctx, func(_ context.Context, job domain.DeferredJob) error {
		handled = append(handled, job.JobID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	assert.Equal(t, []string{"auto-stuck"}, handled)

	pending, err := client.XPending(ctx, q.stream, q.group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	exists, err := client.HExists(ctx, q.payloadKey, "auto-stuck").Result()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisQueueReclaimLeavesFreshDeliveriesAlone(t *testing.T) {
	ctx := context.Background()
	q, client := newTestRedisQueue(t, 3)

	require.NoError(t, q.Enqueue(ctx, testJob("auto-busy", 1, -time.Second)))
	_, err := q.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	_, err = client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "worker-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    10 * time.Millisecond,
	}).Result()
	require.NoError(t, err)

	reclaimed, err := q.ReclaimStale(ctx, func(context.Context, domain.DeferredJob) error {
		t.Fatal("an entry inside its idle window must not be taken over")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
}
