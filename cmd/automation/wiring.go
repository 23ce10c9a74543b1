package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/automation"
	"github.com/iago/crm-automation/internal/cache"
	"github.com/iago/crm-automation/internal/catalog"
	"github.com/iago/crm-automation/internal/config"
	"github.com/iago/crm-automation/internal/domain"
	"github.com/iago/crm-automation/internal/http/handlers"
	"github.com/iago/crm-automation/internal/jobs"
	"github.com/iago/crm-automation/internal/logging"
	"github.com/iago/crm-automation/internal/metrics"
	"github.com/iago/crm-automation/internal/notify"
	"github.com/iago/crm-automation/internal/queue"
	"github.com/iago/crm-automation/internal/repository"
	"github.com/iago/crm-automation/internal/worker"
)

const claimIdleMargin = 30 * time.Second

// stores groups the persistence backends. Without DATABASE_URL everything
// lives in memory, which is only useful for local development.
type stores struct {
	ledger    repository.ExecutionLedger
	rules     repository.RuleStore
	entities  repository.EntityStore
	calendars repository.CalendarStore
	pool      *pgxpool.Pool
}

func (s stores) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func setupStores(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) stores {
	memory := stores{
		ledger:    repository.NewMemoryLedger(),
		rules:     repository.NewMemoryRuleStore(),
		entities:  repository.NewMemoryEntityStore(),
		calendars: repository.NewMemoryCalendarStore(),
	}
	if cfg.DatabaseURL == "" {
		logger.Warnw("DATABASE_URL not configured, using in-memory stores")
		return memory
	}

	pool, err := repository.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Errorw("failed to initialize postgres, falling back to memory", logging.FieldError, err)
		return memory
	}
	if err := repository.EnsureSchema(ctx, pool); err != nil {
		logger.Errorw("failed to apply schema, falling back to memory", logging.FieldError, err)
		pool.Close()
		return memory
	}
	logger.Infow("postgres stores initialized")
	return stores{
		ledger:    repository.NewPostgresLedger(pool),
		rules:     repository.NewPostgresRuleStore(pool),
		entities:  repository.NewPostgresEntityStore(pool),
		calendars: repository.NewPostgresCalendarStore(pool),
		pool:      pool,
	}
}

func setupRedis(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) *redis.Client {
	if cfg.RedisAddr == "" {
		logger.Warnw("REDIS_ADDR not configured, using local queue and in-memory rule cache")
		return nil
	}
	client, err := queue.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Errorw("failed to connect to redis, falling back to local queue", logging.FieldError, err)
		return nil
	}
	return client
}

type queues struct {
	producer queue.Producer
	consumer queue.Consumer
	remover  queue.Remover
	close    func()
}

func setupQueue(ctx context.Context, cfg config.Config, client *redis.Client, logger *zap.SugaredLogger) queues {
	var (
		base       queue.Queue
		baseCloser = func() {}
	)

	if client != nil {
		redisQueue, err := queue.NewRedisQueue(ctx, client, queue.RedisConfig{
			Stream:       cfg.RedisStream,
			DLQStream:    cfg.RedisDLQ,
			Group:        cfg.RedisGroup,
			Consumer:     cfg.RedisConsumer,
			DelayKey:     cfg.RedisDelayKey,
			MaxAttempts:  cfg.QueueMaxAttempts,
			PollInterval: cfg.QueuePollInterval(),
			// Past the ledger lease, so a reclaimed job finds the dead
			// worker's claim expired and can take it over.
			ClaimIdle:    cfg.ClaimLease() + claimIdleMargin,
		}, logger)
		if err != nil {
			logger.Errorw("failed to initialize redis queue, falling back to local", logging.FieldError, err)
		} else {
			logger.Infow("redis delayed queue initialized", "stream", cfg.RedisStream, "delay_key", cfg.RedisDelayKey)
			base = redisQueue
		}
	}
	if base == nil {
		local := queue.NewLocalQueue(512, cfg.QueueMaxAttempts, logger)
		base = local
		baseCloser = local.Close
	}

	producer := queue.Producer(base)
	batchingCloser := func() {}
	if cfg.QueueBatchingEnabled {
		batching := queue.NewBatchingProducer(ctx, base, queue.BatchingConfig{
			MaxBatchSize:       cfg.QueueBatchSize,
			FlushInterval:      time.Duration(cfg.QueueBatchFlushMS) * time.Millisecond,
			FlushTimeout:       time.Duration(cfg.QueueBatchFlushTimeoutMS) * time.Millisecond,
			QueueCapacity:      cfg.QueueBatchQueueCapacity,
			MaxInFlightBatches: cfg.QueueBatchMaxInFlight,
		})
		producer = batching
		batchingCloser = batching.Close
		logger.Infow("queue batching enabled",
			"size", cfg.QueueBatchSize,
			"flush_ms", cfg.QueueBatchFlushMS,
			"queue_capacity", cfg.QueueBatchQueueCapacity,
			"max_in_flight", cfg.QueueBatchMaxInFlight,
		)
	}

	return queues{
		producer: producer,
		consumer: base,
		remover:  base,
		close: func() {
			batchingCloser()
			baseCloser()
		},
	}
}

func setupRuleCache(cfg config.Config, client *redis.Client) cache.RuleCache {
	if client != nil {
		return cache.NewRedisRuleCache(client, cfg.RuleCacheTTL())
	}
	return cache.NewMemoryRuleCache(cache.Config{
		TTL:        cfg.RuleCacheTTL(),
		MaxEntries: cfg.RuleCacheMaxEntries,
	})
}

func setupNotifier(cfg config.Config, logger *zap.SugaredLogger) notify.Notifier {
	router := notify.NewRouter(map[domain.Channel]notify.Notifier{
		domain.ChannelEmail: notify.NewEmailNotifier(cfg.EmailFrom, cfg.EmailFromName, cfg.SendGridAPIKey, logger),
		domain.ChannelSMS: notify.NewSMSNotifier(
			cfg.SMSFrom,
			cfg.SMSDefaultRegion,
			notify.NewLogSMSProvider(logger),
			logger,
		),
	})
	return notify.NewThrottled(router, cfg.NotifyRPS, cfg.NotifyBurst)
}

// app is the fully wired automation subsystem.
type app struct {
	cfg       config.Config
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics
	stores    stores
	redis     *redis.Client
	queues    queues
	engine    *automation.Engine
	processor *worker.Processor
	sweeper   *jobs.Sweeper
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) *app {
	m := metrics.New()
	st := setupStores(ctx, cfg, logger)
	client := setupRedis(ctx, cfg, logger)
	qs := setupQueue(ctx, cfg, client, logger)

	rules := catalog.New(catalog.Dependencies{
		Store:   st.rules,
		Cache:   setupRuleCache(cfg, client),
		Metrics: m,
		Logger:  logger,
	})
	scheduler := automation.NewScheduler(automation.SchedulerDependencies{
		Ledger:    st.ledger,
		Producer:  qs.producer,
		Calendars: st.calendars,
		Metrics:   m,
		Logger:    logger,
	})
	cascade := automation.NewCascade(rules, scheduler, automation.CascadeConfig{
		WarnDepth: cfg.CascadeWarnDepth,
		MaxDepth:  cfg.CascadeMaxDepth,
	}, m, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		stores:  st,
		redis:   client,
		queues:  qs,
		engine: automation.NewEngine(automation.EngineDependencies{
			Rules:     rules,
			Entities:  st.entities,
			Ledger:    st.ledger,
			Remover:   qs.remover,
			Scheduler: scheduler,
			Logger:    logger,
		}),
		processor: worker.NewProcessor(worker.Dependencies{
			Ledger:    st.ledger,
			Rules:     rules,
			Entities:  st.entities,
			Calendars: st.calendars,
			Notifier:  setupNotifier(cfg, logger),
			Producer:  qs.producer,
			Cascade:   cascade,
			Lease:     cfg.ClaimLease(),
			Metrics:   m,
			Logger:    logger,
		}),
		sweeper: jobs.NewSweeper(jobs.SweeperDependencies{
			Ledger:    st.ledger,
			Retention: cfg.Retention(),
			Metrics:   m,
			Logger:    logger,
		}),
	}
}

func (a *app) healthChecks() map[string]handlers.HealthCheck {
	checks := make(map[string]handlers.HealthCheck)
	if a.stores.pool != nil {
		checks["postgres"] = a.stores.pool.Ping
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	return checks
}

func (a *app) close() {
	a.queues.close()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.stores.close()
	_ = a.logger.Sync()
}
