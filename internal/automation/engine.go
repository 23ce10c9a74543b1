package automation

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/domain"
	"github.com/iago/crm-automation/internal/logging"
	"github.com/iago/crm-automation/internal/queue"
	"github.com/iago/crm-automation/internal/repository"
)

var ErrInvalidEvent = errors.New("invalid automation event")

type TriggerResult struct {
	Scheduled []Scheduled `json:"scheduled"`
	Matched   bool        `json:"matched"`
}

// RuleChange describes a mutation made through the rule CRUD surface.
type RuleChange struct {
	Domain    domain.RuleDomain `json:"domain"`
	RuleID    int64             `json:"rule_id"`
	CompanyID int64             `json:"company_id"`
	// PreviousCompanyID is set when the rule moved between companies.
	PreviousCompanyID *int64 `json:"previous_company_id,omitempty"`
	Deleted           bool   `json:"deleted"`
}

type RuleChangeResult struct {
	Invalidated []int64 `json:"invalidated_companies"`
	Cancelled   int     `json:"cancelled"`
}

// Engine is the inbound surface of the automation subsystem.
type Engine struct {
	rules     RuleFinder
	entities  repository.EntityStore
	ledger    repository.ExecutionLedger
	remover   queue.Remover
	scheduler *Scheduler
	logger    *zap.SugaredLogger
	now       func() time.Time
}

type EngineDependencies struct {
	Rules     RuleFinder
	Entities  repository.EntityStore
	Ledger    repository.ExecutionLedger
	Remover   queue.Remover
	Scheduler *Scheduler
	Logger    *zap.SugaredLogger
	Now       func() time.Time
}

func NewEngine(deps EngineDependencies) *Engine {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		rules:     deps.Rules,
		entities:  deps.Entities,
		ledger:    deps.Ledger,
		remover:   deps.Remover,
		scheduler: deps.Scheduler,
		logger:    logging.Component(deps.Logger, "engine"),
		now:       now,
	}
}

// TriggerEvent schedules every rule the event matches. Scheduling errors for
// one rule do not stop the others; they are returned combined.
func (e *Engine) TriggerEvent(ctx context.Context, event domain.Event) (TriggerResult, error) {
	if err := validateEvent(event); err != nil {
		return TriggerResult{}, err
	}

	entity, err := e.loadEntity(ctx, event)
	if err != nil {
		return TriggerResult{}, err
	}

	rules, err := e.rules.FindApplicable(ctx, event.CompanyID, event)
	if err != nil {
		return TriggerResult{}, errors.Wrap(err, "find applicable rules")
	}
	result := TriggerResult{Scheduled: make([]Scheduled, 0, len(rules)), Matched: len(rules) > 0}

	columnID := entity.ColumnID
	if event.Kind == domain.EventColumnChanged {
		columnID = event.ColumnID
	}

	var errs error
	for _, rule := range rules {
		scheduled, err := e.scheduler.Schedule(ctx, ScheduleRequest{
			Rule:      rule,
			Entity:    entity,
			ColumnID:  columnID,
			CompanyID: event.CompanyID,
		})
		if err != nil {
			e.logger.Errorw("scheduling failed",
				logging.FieldRuleDomain, rule.Domain(),
				logging.FieldRuleID, rule.Base().ID,
				logging.FieldEntityKind, event.Entity.Kind,
				logging.FieldEntityID, event.Entity.ID,
				logging.FieldError, err,
			)
			errs = errors.CombineErrors(errs, err)
			continue
		}
		result.Scheduled = append(result.Scheduled, scheduled)
	}
	return result, errs
}

// CancelAllFor cancels every pending record of the entity. Queue removal is
// best effort; the processor skips cancelled records anyway.
func (e *Engine) CancelAllFor(ctx context.Context, ref domain.EntityRef) (int, error) {
	return e.cancelPending(ctx, domain.LedgerFilter{Entity: &ref}, domain.ReasonCancelledByRequest)
}

// RuleChanged invalidates cached rule lists for the rule's company, and the
// previous company when it moved. Deleting a rule also cancels its pending
// records.
func (e *Engine) RuleChanged(ctx context.Context, change RuleChange) (RuleChangeResult, error) {
	if !change.Domain.Valid() {
		return RuleChangeResult{}, errors.Wrapf(domain.ErrUnknownRuleDomain, "domain %q", change.Domain)
	}
	companies := []int64{change.CompanyID}
	if change.PreviousCompanyID != nil && *change.PreviousCompanyID != change.CompanyID {
		companies = append(companies, *change.PreviousCompanyID)
	}
	if err := e.rules.Invalidate(ctx, change.Domain, companies...); err != nil {
		return RuleChangeResult{}, err
	}

	result := RuleChangeResult{Invalidated: companies}
	if !change.Deleted {
		return result, nil
	}
	ref := domain.RuleRef{Domain: change.Domain, ID: change.RuleID}
	cancelled, err := e.cancelPending(ctx, domain.LedgerFilter{Rule: &ref}, domain.ReasonRuleDeleted)
	result.Cancelled = cancelled
	return result, err
}

func (e *Engine) cancelPending(ctx context.Context, filter domain.LedgerFilter, reason string) (int, error) {
	filter.Status = domain.StatusPending
	filter.Page = 1
	filter.PageSize = 200

	cancelled := 0
	for {
		records, _, err := e.ledger.List(ctx, filter)
		if err != nil {
			return cancelled, errors.Wrap(err, "list pending records")
		}
		if len(records) == 0 {
			return cancelled, nil
		}
		for _, record := range records {
			err := e.ledger.CancelPending(ctx, record.ID, reason, e.now())
			switch {
			case err == nil:
				cancelled++
			case errors.Is(err, repository.ErrStaleTransition), errors.Is(err, repository.ErrNotFound):
				continue
			default:
				return cancelled, errors.Wrapf(err, "cancel %s", record.ID)
			}
			if e.remover != nil && record.JobID != "" {
				if err := e.remover.Remove(ctx, record.JobID); err != nil {
					e.logger.Warnw("queue removal failed; record stays cancelled",
						logging.FieldLedgerID, record.ID,
						logging.FieldJobID, record.JobID,
						logging.FieldError, err,
					)
				}
			}
			e.logger.Infow("automation cancelled",
				logging.FieldLedgerID, record.ID,
				logging.FieldRuleDomain, record.Rule.Domain,
				logging.FieldRuleID, record.Rule.ID,
				logging.FieldEntityKind, record.Entity.Kind,
				logging.FieldEntityID, record.Entity.ID,
				logging.FieldReason, reason,
			)
		}
	}
}

// loadEntity reads the authoritative change anchor. An entity the store does
// not know yet is scheduled from the event alone, anchored at now.
func (e *Engine) loadEntity(ctx context.Context, event domain.Event) (*domain.Entity, error) {
	entity, err := e.entities.GetEntity(ctx, event.Entity, event.CompanyID)
	if err == nil {
		return entity, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, errors.Wrap(err, "load entity")
	}
	e.logger.Warnw("entity unknown to store; anchoring delays at now",
		logging.FieldEntityKind, event.Entity.Kind,
		logging.FieldEntityID, event.Entity.ID,
		logging.FieldCompanyID, event.CompanyID,
	)
	return &domain.Entity{
		Ref:       event.Entity,
		CompanyID: event.CompanyID,
		ColumnID:  event.ColumnID,
		Status:    event.Status,
	}, nil
}

func validateEvent(event domain.Event) error {
	switch {
	case event.CompanyID <= 0:
		return errors.Wrap(ErrInvalidEvent, "company_id is required")
	case !event.Entity.Kind.Valid():
		return errors.Wrapf(ErrInvalidEvent, "entity kind %q", event.Entity.Kind)
	case event.Entity.ID <= 0:
		return errors.Wrap(ErrInvalidEvent, "entity id is required")
	case !event.Kind.Valid():
		return errors.Wrapf(ErrInvalidEvent, "event kind %q", event.Kind)
	}
	return nil
}
