package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/domain"
	"github.com/iago/crm-automation/internal/logging"
)

type RedisConfig struct {
	Stream       string
	DLQStream    string
	Group        string
	Consumer     string
	DelayKey     string
	MaxAttempts  int
	PollInterval time.Duration
	BlockTimeout time.Duration
	PromoteBatch int64
	// ClaimIdle is how long a delivered but unacknowledged entry may sit in
	// the group before another consumer takes it over.
	ClaimIdle time.Duration
}

// RedisQueue keeps not-yet-due jobs in a sorted set scored by due time and
// their payloads in a hash. A promote loop moves due jobs into a stream that
// workers read through a consumer group.
//
// A job id stays live from Enqueue until its payload is deleted after a
// successful, dead-lettered or removed delivery, so HSETNX on the payload
// hash is what makes Enqueue idempotent.
type RedisQueue struct {
	client       *redis.Client
	stream       string
	dlqStream    string
	group        string
	consumer     string
	delayKey     string
	payloadKey   string
	maxAttempts  int
	pollInterval time.Duration
	blockTimeout time.Duration
	promoteBatch int64
	claimIdle    time.Duration
	logger       *zap.SugaredLogger
	now          func() time.Time
}

// ConnectRedis opens and pings a client shared by the queue and the rule cache.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

func NewRedisQueue(ctx context.Context, client *redis.Client, cfg RedisConfig, logger *zap.SugaredLogger) (*RedisQueue, error) {
	if cfg.Stream == "" {
		cfg.Stream = "automation_jobs"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "automation_jobs_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "automation_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.DelayKey == "" {
		cfg.DelayKey = "automation_jobs_delayed"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.PromoteBatch <= 0 {
		cfg.PromoteBatch = 100
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 5 * time.Minute
	}

	queue := &RedisQueue{
		client:       client,
		stream:       cfg.Stream,
		dlqStream:    cfg.DLQStream,
		group:        cfg.Group,
		consumer:     cfg.Consumer,
		delayKey:     cfg.DelayKey,
		payloadKey:   cfg.DelayKey + ":payloads",
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: cfg.PollInterval,
		blockTimeout: cfg.BlockTimeout,
		promoteBatch: cfg.PromoteBatch,
		claimIdle:    cfg.ClaimIdle,
		logger:       logging.Component(logger, "redis_queue"),
		now:          time.Now,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return queue, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job domain.DeferredJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	claimed, err := q.client.HSetNX(ctx, q.payloadKey, job.JobID, payload).Result()
	if err != nil {
		return errors.Wrap(err, "store job payload")
	}
	if !claimed {
		return nil
	}
	if err := q.client.ZAddNX(ctx, q.delayKey, redis.Z{Score: dueScore(job.DueAt), Member: job.JobID}).Err(); err != nil {
		_ = q.client.HDel(ctx, q.payloadKey, job.JobID).Err()
		return errors.Wrap(err, "schedule job")
	}
	return nil
}

func (q *RedisQueue) EnqueueBatch(ctx context.Context, jobs []domain.DeferredJob) error {
	if len(jobs) == 0 {
		return nil
	}

	pipeline := q.client.Pipeline()
	claims := make([]*redis.BoolCmd, 0, len(jobs))
	for _, job := range jobs {
		payload, err := json.Marshal(job)
		if err != nil {
			return errors.Wrapf(err, "encode job %s", job.JobID)
		}
		claims = append(claims, pipeline.HSetNX(ctx, q.payloadKey, job.JobID, payload))
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return errors.Wrap(err, "store job payloads")
	}

	schedule := q.client.Pipeline()
	scheduled := 0
	for index, claim := range claims {
		if !claim.Val() {
			continue
		}
		job := jobs[index]
		schedule.ZAddNX(ctx, q.delayKey, redis.Z{Score: dueScore(job.DueAt), Member: job.JobID})
		scheduled++
	}
	if scheduled == 0 {
		return nil
	}
	if _, err := schedule.Exec(ctx); err != nil {
		return errors.Wrap(err, "schedule job batch")
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipeline := q.client.TxPipeline()
	pipeline.ZRem(ctx, q.delayKey, jobID)
	pipeline.HDel(ctx, q.payloadKey, jobID)
	if _, err := pipeline.Exec(ctx); err != nil {
		return errors.Wrap(err, "remove job")
	}
	return nil
}

// promoteJob moves one due job from the delay set into the stream. The
// stream write comes before the ZREM, so a failed XADD aborts the script with
// the job still scheduled.
var promoteJob = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
local payload = redis.call('HGET', KEYS[2], ARGV[1])
if not payload then
	redis.call('ZREM', KEYS[1], ARGV[1])
	return 0
end
redis.call('XADD', KEYS[3], '*', 'job_id', ARGV[1], 'payload', payload)
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

// PromoteDue moves every job due at or before now into the stream. Several
// processes may promote concurrently; each job is sent by exactly one.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	jobIDs, err := q.client.ZRangeByScore(ctx, q.delayKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(dueScore(now), 'f', -1, 64),
		Count: q.promoteBatch,
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "scan due jobs")
	}

	keys := []string{q.delayKey, q.payloadKey, q.stream}
	promoted := 0
	for _, jobID := range jobIDs {
		sent, err := promoteJob.Run(ctx, q.client, keys, jobID).Int()
		if err != nil {
			return promoted, errors.Wrap(err, "enqueue to stream")
		}
		promoted += sent
	}
	return promoted, nil
}

// ReclaimStale takes over entries another consumer read but never
// acknowledged, typically because its process died, and handles them.
func (q *RedisQueue) ReclaimStale(ctx context.Context, handler Handler) (int, error) {
	reclaimed := 0
	start := "0-0"
	for {
		items, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.claimIdle,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			return reclaimed, errors.Wrap(err, "xautoclaim")
		}
		for _, item := range items {
			q.logger.Warnw("reclaimed unacknowledged job", "stream_id", item.ID)
			q.handleItem(ctx, item, handler)
			reclaimed++
		}
		if next == "" || next == "0-0" {
			return reclaimed, nil
		}
		start = next
	}
}

func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	go q.promoteLoop(ctx)

	var lastReclaim time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if q.now().Sub(lastReclaim) >= q.claimIdle {
			if _, err := q.ReclaimStale(ctx, handler); err != nil && ctx.Err() == nil {
				q.logger.Warnw("reclaim stale jobs failed", logging.FieldError, err)
			}
			lastReclaim = q.now()
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    q.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return errors.Wrap(err, "xreadgroup")
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				q.handleItem(ctx, item, handler)
			}
		}
	}
}

func (q *RedisQueue) handleItem(ctx context.Context, item redis.XMessage, handler Handler) {
	job, parseErr := parseStreamJob(item)
	if parseErr != nil {
		_ = q.sendToDLQ(ctx, job, item, parseErr.Error())
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}

	if live, err := q.client.HExists(ctx, q.payloadKey, job.JobID).Result(); err == nil && !live {
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}

	handleErr := handler(ctx, job)
	if handleErr == nil {
		_ = q.client.HDel(ctx, q.payloadKey, job.JobID).Err()
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}

	job.Attempt++
	if job.Attempt >= q.maxAttempts {
		q.logger.Errorw("redis queue moved job to DLQ",
			logging.FieldJobID, job.JobID,
			logging.FieldLedgerID, job.LedgerID,
			logging.FieldAttempt, job.Attempt,
			logging.FieldError, handleErr,
		)
		_ = q.sendToDLQ(ctx, job, item, handleErr.Error())
		_ = q.client.HDel(ctx, q.payloadKey, job.JobID).Err()
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}

	q.logger.Warnw("redis queue retrying job",
		logging.FieldJobID, job.JobID,
		logging.FieldAttempt, job.Attempt,
		logging.FieldError, handleErr,
	)
	if retryErr := q.retry(ctx, job); retryErr != nil {
		_ = q.sendToDLQ(ctx, job, item, "requeue failed: "+retryErr.Error())
		_ = q.client.HDel(ctx, q.payloadKey, job.JobID).Err()
	}
	_ = q.ackAndDelete(ctx, item.ID)
}

// retry puts a failed job back into the delay set with backoff. The payload
// entry already exists, so the HSETNX guard in Enqueue cannot be used here.
func (q *RedisQueue) retry(ctx context.Context, job domain.DeferredJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	dueAt := q.now().Add(retryDelay(job.Attempt))
	pipeline := q.client.TxPipeline()
	pipeline.HSet(ctx, q.payloadKey, job.JobID, payload)
	pipeline.ZAdd(ctx, q.delayKey, redis.Z{Score: dueScore(dueAt), Member: job.JobID})
	if _, err := pipeline.Exec(ctx); err != nil {
		return errors.Wrap(err, "requeue job")
	}
	return nil
}

func (q *RedisQueue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := q.PromoteDue(ctx, q.now()); err != nil && ctx.Err() == nil {
			q.logger.Warnw("promote due jobs failed", logging.FieldError, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return errors.Wrap(err, "ensure stream group")
}

func (q *RedisQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return errors.Wrap(err, "xack")
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return errors.Wrap(err, "xdel")
	}
	return nil
}

func (q *RedisQueue) sendToDLQ(
	ctx context.Context,
	job domain.DeferredJob,
	item redis.XMessage,
	errorMessage string,
) error {
	values := map[string]any{
		"stream_id": item.ID,
		"job_id":    job.JobID,
		"ledger_id": job.LedgerID,
		"attempt":   job.Attempt,
		"error":     errorMessage,
		"moved_at":  q.now().UTC().Format(time.RFC3339Nano),
	}
	if raw, ok := item.Values["payload"]; ok {
		values["payload"] = raw
	}
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		return errors.Wrap(err, "send to dlq")
	}
	return nil
}

func parseStreamJob(item redis.XMessage) (domain.DeferredJob, error) {
	raw, ok := item.Values["payload"]
	if !ok {
		return domain.DeferredJob{}, errors.New("missing field payload")
	}
	var payload []byte
	switch casted := raw.(type) {
	case string:
		payload = []byte(casted)
	case []byte:
		payload = casted
	default:
		return domain.DeferredJob{}, errors.Newf("unexpected payload type %T", raw)
	}

	var job domain.DeferredJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return domain.DeferredJob{}, errors.Wrap(err, "decode job payload")
	}
	if job.JobID == "" {
		return domain.DeferredJob{}, errors.New("job payload has no job id")
	}
	return job, nil
}

func dueScore(at time.Time) float64 {
	return float64(at.UnixMilli())
}
