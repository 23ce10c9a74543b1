package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/automation"
	"github.com/iago/crm-automation/internal/calendar"
	"github.com/iago/crm-automation/internal/domain"
	"github.com/iago/crm-automation/internal/logging"
	"github.com/iago/crm-automation/internal/metrics"
	"github.com/iago/crm-automation/internal/notify"
	"github.com/iago/crm-automation/internal/queue"
	"github.com/iago/crm-automation/internal/repository"
)

// Outcome labels one processed delivery.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeFailed           Outcome = "failed"
	OutcomeMissingRule      Outcome = "cancelled_missing_rule"
	OutcomePaused           Outcome = "cancelled_paused"
	OutcomeDrift            Outcome = "cancelled_drift"
	OutcomeMissingEntity    Outcome = "cancelled_missing_entity"
	OutcomeRescheduled      Outcome = "rescheduled"
	OutcomeNoopTerminal     Outcome = "noop_terminal"
	OutcomeNoopMissing      Outcome = "noop_missing"
	OutcomeNoopClaimed      Outcome = "noop_claimed"
	OutcomeNoopStale        Outcome = "noop_stale"
)

const (
	defaultClaimLease = 5 * time.Minute
	consumeBackoff    = 2 * time.Second
	releaseTimeout    = 5 * time.Second
	unknownDomain     = domain.RuleDomain("unknown")
)

// RuleSource reads the current version of a rule.
type RuleSource interface {
	GetRule(ctx context.Context, ref domain.RuleRef) (domain.Rule, error)
}

// Processor turns due deferred jobs into rule effects. The ledger claim makes
// every record fire at most once even when the queue redelivers.
type Processor struct {
	ledger    repository.ExecutionLedger
	rules     RuleSource
	entities  repository.EntityStore
	calendars repository.CalendarStore
	notifier  notify.Notifier
	producer  queue.Producer
	cascade   *automation.Cascade
	lease     time.Duration
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
	now       func() time.Time
}

type Dependencies struct {
	Ledger    repository.ExecutionLedger
	Rules     RuleSource
	Entities  repository.EntityStore
	Calendars repository.CalendarStore
	Notifier  notify.Notifier
	Producer  queue.Producer
	Cascade   *automation.Cascade
	Lease     time.Duration
	Metrics   *metrics.Metrics
	Logger    *zap.SugaredLogger
	Now       func() time.Time
}

func NewProcessor(deps Dependencies) *Processor {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	lease := deps.Lease
	if lease <= 0 {
		lease = defaultClaimLease
	}
	return &Processor{
		ledger:    deps.Ledger,
		rules:     deps.Rules,
		entities:  deps.Entities,
		calendars: deps.Calendars,
		notifier:  deps.Notifier,
		producer:  deps.Producer,
		cascade:   deps.Cascade,
		lease:     lease,
		metrics:   deps.Metrics,
		logger:    logging.Component(deps.Logger, "processor"),
		now:       now,
	}
}

// Run starts concurrency consume loops and blocks until ctx ends.
func (p *Processor) Run(ctx context.Context, consumer queue.Consumer, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Start(ctx, consumer)
		}()
	}
	wg.Wait()
}

// Start runs one consume loop, restarting it after backend errors.
func (p *Processor) Start(ctx context.Context, consumer queue.Consumer) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := consumer.Consume(ctx, p.Handle)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.Errorw("worker consume loop error", logging.FieldError, err)

		timer := time.NewTimer(consumeBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Handle is the queue handler. Only infrastructure errors are returned, so
// that the backend retries the delivery; rule outcomes are terminal.
func (p *Processor) Handle(ctx context.Context, job domain.DeferredJob) error {
	_, err := p.Process(ctx, job)
	return err
}

// Process executes one delivery and reports what happened to the record.
func (p *Processor) Process(ctx context.Context, job domain.DeferredJob) (Outcome, error) {
	record, err := p.ledger.Get(ctx, job.LedgerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			p.record(unknownDomain, OutcomeNoopMissing, job, nil)
			return OutcomeNoopMissing, nil
		}
		return "", errors.Wrapf(err, "load ledger record %s", job.LedgerID)
	}
	if record.Status.Terminal() {
		p.record(record.Rule.Domain, OutcomeNoopTerminal, job, record)
		return OutcomeNoopTerminal, nil
	}
	if isStale(job, record) {
		p.record(record.Rule.Domain, OutcomeNoopStale, job, record)
		return OutcomeNoopStale, nil
	}

	token := uuid.NewString()
	claimed, err := p.ledger.Claim(ctx, record.ID, token, p.now(), p.lease)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotClaimable):
			p.record(record.Rule.Domain, OutcomeNoopClaimed, job, record)
			return OutcomeNoopClaimed, nil
		case errors.Is(err, repository.ErrNotFound):
			p.record(record.Rule.Domain, OutcomeNoopMissing, job, record)
			return OutcomeNoopMissing, nil
		default:
			return "", errors.Wrapf(err, "claim %s", record.ID)
		}
	}

	run := &execution{processor: p, job: job, record: claimed, token: token}
	outcome, err := run.execute(ctx)
	if err != nil {
		run.release(ctx)
		return "", err
	}
	p.record(claimed.Rule.Domain, outcome, job, claimed)
	return outcome, nil
}

// isStale reports whether the job was superseded by a reschedule. Jobs due at
// or after the record's current execution time are still honoured so that a
// reschedule interrupted before the ledger update is not lost.
func isStale(job domain.DeferredJob, record *domain.LedgerRecord) bool {
	return record.JobID != "" &&
		job.JobID != record.JobID &&
		job.DueAt.Before(record.ExecuteAt)
}

func (p *Processor) record(ruleDomain domain.RuleDomain, outcome Outcome, job domain.DeferredJob, record *domain.LedgerRecord) {
	p.metrics.RecordOutcome(ruleDomain, string(outcome))

	fields := []any{
		logging.FieldJobID, job.JobID,
		logging.FieldLedgerID, job.LedgerID,
		logging.FieldOutcome, outcome,
		logging.FieldAttempt, job.Attempt,
	}
	if record != nil {
		fields = append(fields,
			logging.FieldRuleDomain, record.Rule.Domain,
			logging.FieldRuleID, record.Rule.ID,
			logging.FieldEntityKind, record.Entity.Kind,
			logging.FieldEntityID, record.Entity.ID,
			logging.FieldCompanyID, record.CompanyID,
		)
	}
	switch outcome {
	case OutcomeCompleted, OutcomeRescheduled:
		p.logger.Infow("automation processed", fields...)
	case OutcomeFailed:
		p.logger.Warnw("automation processed", fields...)
	default:
		p.logger.Debugw("automation processed", fields...)
	}
}

// execution is one claimed firing of a ledger record.
type execution struct {
	processor *Processor
	job       domain.DeferredJob
	record    *domain.LedgerRecord
	token     string
}

func (e *execution) execute(ctx context.Context) (Outcome, error) {
	p := e.processor

	rule, err := p.rules.GetRule(ctx, e.record.Rule)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return e.finish(ctx, domain.StatusCancelled, domain.ReasonRuleNotFound, OutcomeMissingRule)
		}
		return "", errors.Wrapf(err, "load %s rule %d", e.record.Rule.Domain, e.record.Rule.ID)
	}
	if rule.Base().IsPaused {
		return e.finish(ctx, domain.StatusCancelled, domain.ReasonRulePaused, OutcomePaused)
	}

	if domain.HasRestrictions(rule) {
		outcome, rescheduled, err := e.enforceCalendar(ctx, rule)
		if err != nil || rescheduled {
			return outcome, err
		}
	}

	entity, err := p.entities.GetEntity(ctx, e.record.Entity, e.record.CompanyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return e.finish(ctx, domain.StatusCancelled, domain.ReasonEntityNotFound, OutcomeMissingEntity)
		}
		return "", errors.Wrapf(err, "load entity %s", e.record.Entity)
	}

	// A rule that moves the entity only fires from the column it was
	// scheduled in.
	if domain.HasTarget(rule) && entity.ColumnID != e.record.ColumnID {
		p.logger.Infow("entity left the scheduled column; cancelling",
			logging.FieldLedgerID, e.record.ID,
			logging.FieldColumnID, entity.ColumnID,
			"scheduled_column_id", e.record.ColumnID,
		)
		return e.finish(ctx, domain.StatusCancelled, domain.ReasonColumnDrift, OutcomeDrift)
	}

	moved, effectErr := e.applyEffect(ctx, rule, entity)
	if effectErr != nil && interrupted(ctx, effectErr) {
		return "", errors.Wrapf(effectErr, "effect of %s interrupted", e.record.ID)
	}
	if effectErr != nil {
		p.logger.Warnw("automation effect failed",
			logging.FieldLedgerID, e.record.ID,
			logging.FieldRuleDomain, e.record.Rule.Domain,
			logging.FieldRuleID, e.record.Rule.ID,
			logging.FieldError, notify.Redact(effectErr.Error()),
		)
		return e.finish(ctx, domain.StatusFailed, domain.ReasonEffectFailed+": "+notify.Redact(effectErr.Error()), OutcomeFailed)
	}

	outcome, err := e.finish(ctx, domain.StatusCompleted, "", OutcomeCompleted)
	if err != nil {
		return outcome, err
	}
	if moved {
		e.cascade(ctx, *rule.Base().TargetColumnID)
	}
	return outcome, nil
}

// enforceCalendar pushes the firing to the next valid instant when now falls
// outside the company's calendar. Without settings the firing proceeds.
func (e *execution) enforceCalendar(ctx context.Context, rule domain.Rule) (Outcome, bool, error) {
	p := e.processor
	if p.calendars == nil {
		return "", false, nil
	}
	settings, err := p.calendars.GetCalendarSettings(ctx, e.record.CompanyID)
	if err != nil {
		return "", false, errors.Wrapf(err, "load calendar settings for company %d", e.record.CompanyID)
	}
	if settings == nil {
		p.logger.Warnw("calendar settings missing at fire time; firing anyway",
			logging.FieldLedgerID, e.record.ID,
			logging.FieldCompanyID, e.record.CompanyID,
		)
		return "", false, nil
	}

	base := rule.Base()
	now := p.now()
	if calendar.IsValidInstant(now, settings, base.RespectWeekdays, base.RespectOfficeHours) {
		return "", false, nil
	}

	next := calendar.AdjustToNextValidInstant(now, settings, base.RespectWeekdays, base.RespectOfficeHours).UTC()
	jobID := domain.RescheduledJobID(e.record.ID, next)
	// Enqueue before touching the ledger: a crash in between leaves a job the
	// stale check still accepts, never a record without a job.
	err = p.producer.Enqueue(ctx, domain.DeferredJob{
		JobID:       jobID,
		LedgerID:    e.record.ID,
		CompanyID:   e.record.CompanyID,
		DueAt:       next,
		RequestedAt: now,
	})
	if err != nil {
		return "", false, errors.Wrapf(err, "enqueue rescheduled job %s", jobID)
	}
	if err := p.ledger.Reschedule(ctx, e.record.ID, e.token, next, jobID, p.now()); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			p.logger.Warnw("record changed while rescheduling",
				logging.FieldLedgerID, e.record.ID,
				logging.FieldJobID, jobID,
			)
			return OutcomeRescheduled, true, nil
		}
		return "", false, errors.Wrapf(err, "reschedule %s", e.record.ID)
	}
	p.metrics.RecordReschedule(e.record.Rule.Domain)
	p.logger.Infow("automation outside calendar window; rescheduled",
		logging.FieldLedgerID, e.record.ID,
		logging.FieldJobID, jobID,
		logging.FieldExecuteAt, next,
	)
	return OutcomeRescheduled, true, nil
}

// applyEffect performs the rule's side effects and reports whether the entity
// was moved to a new column.
func (e *execution) applyEffect(ctx context.Context, rule domain.Rule, entity *domain.Entity) (bool, error) {
	p := e.processor
	err := domain.MatchRule(rule, domain.RuleVisitor{
		Pipeline: func(r *domain.PipelineRule) error {
			if r.Message == nil {
				return nil
			}
			return e.send(ctx, entity, *r.Message)
		},
		Communication: func(r *domain.CommunicationRule) error {
			return e.send(ctx, entity, r.Message)
		},
		Invoice: func(r *domain.InvoiceRule) error {
			return e.send(ctx, entity, r.Message)
		},
		Service: func(r *domain.ServiceRule) error {
			return e.send(ctx, entity, r.Message)
		},
		Tag: func(r *domain.TagRule) error {
			return p.entities.ApplyTag(ctx, entity.Ref, e.record.CompanyID, r.TagID)
		},
	})
	if err != nil {
		return false, err
	}

	target := rule.Base().TargetColumnID
	if target == nil {
		return false, nil
	}
	if err := p.entities.SetColumn(ctx, entity.Ref, e.record.CompanyID, *target, p.now()); err != nil {
		return false, errors.Wrapf(err, "move entity to column %d", *target)
	}
	return *target != entity.ColumnID, nil
}

func (e *execution) send(ctx context.Context, entity *domain.Entity, message domain.Message) error {
	if e.processor.notifier == nil {
		return errors.New("no notifier configured")
	}
	return e.processor.notifier.SendMessage(ctx, notify.Message{
		CompanyID:   e.record.CompanyID,
		Entity:      entity.Ref,
		Channel:     message.Channel,
		Recipient:   entity.Contact,
		Subject:     message.Subject,
		Body:        message.Body,
		Attachments: message.Attachments,
	})
}

func (e *execution) finish(ctx context.Context, status domain.ExecutionStatus, reason string, outcome Outcome) (Outcome, error) {
	p := e.processor
	err := p.ledger.Finish(ctx, e.record.ID, e.token, status, reason, p.now())
	if err == nil {
		return outcome, nil
	}
	if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrNotFound) {
		// Cancelled or taken over while we ran; the other writer wins.
		p.logger.Warnw("record changed before it could be finished",
			logging.FieldLedgerID, e.record.ID,
			logging.FieldOutcome, outcome,
			logging.FieldError, err,
		)
		return OutcomeNoopClaimed, nil
	}
	return "", errors.Wrapf(err, "finish %s as %s", e.record.ID, status)
}

// interrupted reports whether err comes from the worker shutting down rather
// than from the effect itself.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// release hands the record back for redelivery. It also runs after ctx was
// cancelled, so it gets a short context of its own.
func (e *execution) release(ctx context.Context) {
	p := e.processor
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	err := p.ledger.Reschedule(releaseCtx, e.record.ID, e.token, e.record.ExecuteAt, e.record.JobID, p.now())
	if err != nil && !errors.Is(err, repository.ErrStaleTransition) {
		p.logger.Warnw("could not release claim; it expires with the lease",
			logging.FieldLedgerID, e.record.ID,
			logging.FieldError, err,
		)
	}
}

func (e *execution) cascade(ctx context.Context, newColumnID int64) {
	p := e.processor
	if p.cascade == nil {
		return
	}
	entity, err := p.entities.GetEntity(ctx, e.record.Entity, e.record.CompanyID)
	if err != nil {
		p.logger.Warnw("could not reload moved entity; skipping cascade",
			logging.FieldLedgerID, e.record.ID,
			logging.FieldError, err,
		)
		return
	}
	if _, err := p.cascade.OnColumnChanged(ctx, e.record.CompanyID, entity, newColumnID, e.record.CascadeDepth+1); err != nil {
		p.logger.Errorw("cascade scheduling failed",
			logging.FieldLedgerID, e.record.ID,
			logging.FieldColumnID, newColumnID,
			logging.FieldDepth, e.record.CascadeDepth+1,
			logging.FieldError, err,
		)
	}
}
