package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/calendar"
	"github.com/iago/crm-automation/internal/domain"
	"github.com/iago/crm-automation/internal/logging"
	"github.com/iago/crm-automation/internal/metrics"
	"github.com/iago/crm-automation/internal/queue"
	"github.com/iago/crm-automation/internal/repository"
)

// ledgerNamespace seeds deterministic ledger ids.
var ledgerNamespace = uuid.MustParse("6f1c8e52-3b1d-4c8e-9a57-2d0c4b7f9e11")

type ScheduleRequest struct {
	Rule      domain.Rule
	Entity    *domain.Entity
	ColumnID  int64
	CompanyID int64
	Depth     int
}

type Scheduled struct {
	Rule      domain.RuleRef `json:"rule"`
	LedgerID  string         `json:"ledger_id"`
	JobID     string         `json:"job_id"`
	ExecuteAt time.Time      `json:"execute_at"`
	Duplicate bool           `json:"duplicate,omitempty"`
}

// Scheduler turns a matched rule into a PENDING ledger record plus a
// deferred job due at the rule's calendar-adjusted execution time.
type Scheduler struct {
	ledger    repository.ExecutionLedger
	producer  queue.Producer
	calendars repository.CalendarStore
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
	now       func() time.Time
}

type SchedulerDependencies struct {
	Ledger    repository.ExecutionLedger
	Producer  queue.Producer
	Calendars repository.CalendarStore
	Metrics   *metrics.Metrics
	Logger    *zap.SugaredLogger
	Now       func() time.Time
}

func NewScheduler(deps SchedulerDependencies) *Scheduler {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		ledger:    deps.Ledger,
		producer:  deps.Producer,
		calendars: deps.Calendars,
		metrics:   deps.Metrics,
		logger:    logging.Component(deps.Logger, "scheduler"),
		now:       now,
	}
}

// Schedule is safe to call twice for the same trigger: a column-anchored
// request maps to the same ledger id, and the second call returns the
// existing record.
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (Scheduled, error) {
	if req.Rule == nil || req.Entity == nil {
		return Scheduled{}, errors.New("schedule needs a rule and an entity")
	}
	ref := domain.Ref(req.Rule)
	now := s.now()

	base := now
	if req.Entity.ColumnChangedAt != nil {
		base = req.Entity.ColumnChangedAt.UTC()
	}
	executeAt := ComputeExecuteAt(ctx, s.calendars, s.logger, base, req.Rule, req.CompanyID)

	record := &domain.LedgerRecord{
		ID:           ledgerID(req, ref),
		Rule:         ref,
		Entity:       req.Entity.Ref,
		CompanyID:    req.CompanyID,
		ColumnID:     req.ColumnID,
		ExecuteAt:    executeAt,
		Status:       domain.StatusPending,
		CascadeDepth: req.Depth,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	stored, created, err := s.ledger.Create(ctx, record)
	if err != nil {
		return Scheduled{}, errors.Wrapf(err, "create ledger record for %s rule %d", ref.Domain, ref.ID)
	}

	jobID := stored.JobID
	if jobID == "" {
		jobID = domain.JobIDFor(stored.ID)
	}
	result := Scheduled{
		Rule:      ref,
		LedgerID:  stored.ID,
		JobID:     jobID,
		ExecuteAt: stored.ExecuteAt,
		Duplicate: !created,
	}
	if !created && stored.Status != domain.StatusPending {
		return result, nil
	}

	// A duplicate that is still pending may come from a crash between insert
	// and enqueue; enqueueing again is harmless because job ids are unique.
	job := domain.DeferredJob{
		JobID:       jobID,
		LedgerID:    stored.ID,
		CompanyID:   stored.CompanyID,
		DueAt:       stored.ExecuteAt,
		RequestedAt: now,
	}
	if err := s.producer.Enqueue(ctx, job); err != nil {
		if finishErr := s.ledger.Finish(ctx, stored.ID, "", domain.StatusFailed, domain.ReasonEnqueueFailed, s.now()); finishErr != nil {
			s.logger.Errorw("could not mark unscheduled record failed",
				logging.FieldLedgerID, stored.ID,
				logging.FieldError, finishErr,
			)
		}
		return Scheduled{}, errors.Wrapf(err, "enqueue job %s", jobID)
	}

	if stored.JobID != jobID {
		if err := s.ledger.SetJobID(ctx, stored.ID, jobID, s.now()); err != nil {
			return Scheduled{}, errors.Wrapf(err, "store job id on %s", stored.ID)
		}
	}

	if created {
		s.metrics.RecordScheduled(ref.Domain, stored.ExecuteAt.Sub(now))
		s.logger.Infow("automation scheduled",
			logging.FieldLedgerID, stored.ID,
			logging.FieldJobID, jobID,
			logging.FieldRuleDomain, ref.Domain,
			logging.FieldRuleID, ref.ID,
			logging.FieldEntityKind, req.Entity.Ref.Kind,
			logging.FieldEntityID, req.Entity.Ref.ID,
			logging.FieldColumnID, req.ColumnID,
			logging.FieldExecuteAt, stored.ExecuteAt,
			logging.FieldDepth, req.Depth,
		)
	}
	return result, nil
}

// ComputeExecuteAt applies the rule delay and calendar restrictions to base.
// Missing settings or an unknown timezone degrade with a warning rather than
// failing the trigger.
func ComputeExecuteAt(
	ctx context.Context,
	calendars repository.CalendarStore,
	logger *zap.SugaredLogger,
	base time.Time,
	rule domain.Rule,
	companyID int64,
) time.Time {
	ruleBase := rule.Base()
	if !domain.HasRestrictions(rule) {
		executeAt, _ := calendar.ExecuteAt(base, ruleBase.DelaySeconds, nil, false, false)
		return executeAt
	}

	settings := loadSettings(ctx, calendars, logger, rule, companyID)
	executeAt, degraded := calendar.ExecuteAt(
		base,
		ruleBase.DelaySeconds,
		settings,
		ruleBase.RespectWeekdays,
		ruleBase.RespectOfficeHours,
	)
	if degraded {
		logging.OrNop(logger).Warnw("calendar settings missing for restricted rule; using conservative fallback",
			logging.FieldCompanyID, companyID,
			logging.FieldRuleDomain, rule.Domain(),
			logging.FieldRuleID, ruleBase.ID,
			logging.FieldExecuteAt, executeAt,
		)
	}
	return executeAt
}

func loadSettings(
	ctx context.Context,
	calendars repository.CalendarStore,
	logger *zap.SugaredLogger,
	rule domain.Rule,
	companyID int64,
) *domain.CalendarSettings {
	if calendars == nil {
		return nil
	}
	settings, err := calendars.GetCalendarSettings(ctx, companyID)
	if err != nil {
		logging.OrNop(logger).Warnw("calendar settings unavailable",
			logging.FieldCompanyID, companyID,
			logging.FieldRuleDomain, rule.Domain(),
			logging.FieldRuleID, rule.Base().ID,
			logging.FieldError, err,
		)
		return nil
	}
	if _, err := calendar.Location(settings); err != nil {
		logging.OrNop(logger).Warnw("calendar timezone unknown; evaluating in UTC",
			logging.FieldCompanyID, companyID,
			logging.FieldError, err,
		)
	}
	return settings
}

// ledgerID is deterministic for column-triggered rules on an entity with a
// change anchor: the same column change can only ever schedule a rule once.
// Status and service triggers can legitimately repeat under one anchor and
// get a random id.
func ledgerID(req ScheduleRequest, ref domain.RuleRef) string {
	changedAt := req.Entity.ColumnChangedAt
	if changedAt == nil || !columnTriggered(ref.Domain) {
		return uuid.NewString()
	}
	key := fmt.Sprintf("%s|%d|%s|%d|%d|%d",
		ref.Domain,
		ref.ID,
		req.Entity.Ref.Kind,
		req.Entity.Ref.ID,
		req.ColumnID,
		changedAt.UTC().UnixNano(),
	)
	return uuid.NewSHA1(ledgerNamespace, []byte(key)).String()
}

func columnTriggered(ruleDomain domain.RuleDomain) bool {
	for _, candidate := range domain.DomainsFor(domain.EventColumnChanged) {
		if candidate == ruleDomain {
			return true
		}
	}
	return false
}
