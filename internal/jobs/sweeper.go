// Package jobs holds the periodic maintenance tasks of the automation
// service.
package jobs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/logging"
	"github.com/iago/crm-automation/internal/metrics"
	"github.com/iago/crm-automation/internal/repository"
)

const (
	DefaultRetention = 30 * 24 * time.Hour
	DefaultSpec      = "0 3 * * *"
	sweepTimeout     = 10 * time.Minute
)

// Sweeper deletes terminal ledger records older than the retention window.
// Pending records are never touched.
type Sweeper struct {
	ledger    repository.ExecutionLedger
	retention time.Duration
	cron      *cron.Cron
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
	now       func() time.Time
}

type SweeperDependencies struct {
	Ledger    repository.ExecutionLedger
	Retention time.Duration
	Metrics   *metrics.Metrics
	Logger    *zap.SugaredLogger
	Now       func() time.Time
}

func NewSweeper(deps SweeperDependencies) *Sweeper {
	retention := deps.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		ledger:    deps.Ledger,
		retention: retention,
		cron:      cron.New(cron.WithLocation(time.UTC)),
		metrics:   deps.Metrics,
		logger:    logging.Component(deps.Logger, "sweeper"),
		now:       now,
	}
}

// Sweep runs one retention pass and returns the number of deleted records.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	started := time.Now()

	deleted, err := s.ledger.DeleteTerminalBefore(ctx, cutoff)
	s.metrics.RecordSweep(deleted, err)
	if err != nil {
		return 0, errors.Wrap(err, "sweep terminal records")
	}
	s.logger.Infow("retention sweep finished",
		logging.FieldCount, deleted,
		"cutoff", cutoff,
		logging.FieldDurationMS, time.Since(started).Milliseconds(),
	)
	return deleted, nil
}

// Start registers the sweep under a standard five-field cron spec and starts
// the scheduler.
func (s *Sweeper) Start(spec string) error {
	if spec == "" {
		spec = DefaultSpec
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Errorw("retention sweep failed", logging.FieldError, err)
		}
	})
	if err != nil {
		return errors.Wrapf(err, "register sweep %q", spec)
	}
	s.logger.Infow("retention sweep scheduled", "spec", spec, "retention", s.retention.String())
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Next reports when the sweep runs next. It is zero before Start.
func (s *Sweeper) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
