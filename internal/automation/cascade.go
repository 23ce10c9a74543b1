package automation

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/domain"
	"github.com/iago/crm-automation/internal/logging"
	"github.com/iago/crm-automation/internal/metrics"
)

// RuleFinder is the catalog surface the engine needs.
type RuleFinder interface {
	FindApplicable(ctx context.Context, companyID int64, event domain.Event) ([]domain.Rule, error)
	FindByDomain(ctx context.Context, ruleDomain domain.RuleDomain, companyID int64, event domain.Event) ([]domain.Rule, error)
	GetRule(ctx context.Context, ref domain.RuleRef) (domain.Rule, error)
	Invalidate(ctx context.Context, ruleDomain domain.RuleDomain, companyIDs ...int64) error
}

const DefaultCascadeWarnDepth = 20

// Cascade re-evaluates column-triggered rules after an automation moved an
// entity. Each domain is looked up independently.
type Cascade struct {
	rules     RuleFinder
	scheduler *Scheduler
	warnDepth int
	maxDepth  int
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
}

type CascadeConfig struct {
	WarnDepth int
	// MaxDepth stops the cascade beyond this depth. Zero means unlimited.
	MaxDepth int
}

func NewCascade(
	rules RuleFinder,
	scheduler *Scheduler,
	cfg CascadeConfig,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *Cascade {
	if cfg.WarnDepth <= 0 {
		cfg.WarnDepth = DefaultCascadeWarnDepth
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	return &Cascade{
		rules:     rules,
		scheduler: scheduler,
		warnDepth: cfg.WarnDepth,
		maxDepth:  cfg.MaxDepth,
		metrics:   m,
		logger:    logging.Component(logger, "cascade"),
	}
}

// OnColumnChanged schedules every column rule matching newColumnID except
// rules whose target is newColumnID itself. depth is the depth the new
// records will carry.
func (c *Cascade) OnColumnChanged(
	ctx context.Context,
	companyID int64,
	entity *domain.Entity,
	newColumnID int64,
	depth int,
) ([]Scheduled, error) {
	if c.maxDepth > 0 && depth > c.maxDepth {
		c.logger.Errorw("cascade depth limit reached; not scheduling follow-ups",
			logging.FieldCompanyID, companyID,
			logging.FieldEntityKind, entity.Ref.Kind,
			logging.FieldEntityID, entity.Ref.ID,
			logging.FieldColumnID, newColumnID,
			logging.FieldDepth, depth,
		)
		return nil, nil
	}
	if depth > c.warnDepth {
		c.logger.Warnw("deep automation cascade; check rules for cycles",
			logging.FieldCompanyID, companyID,
			logging.FieldEntityKind, entity.Ref.Kind,
			logging.FieldEntityID, entity.Ref.ID,
			logging.FieldColumnID, newColumnID,
			logging.FieldDepth, depth,
		)
	}
	c.metrics.RecordCascade(depth)

	event := domain.Event{
		CompanyID: companyID,
		Entity:    entity.Ref,
		Kind:      domain.EventColumnChanged,
		ColumnID:  newColumnID,
	}

	var (
		scheduled = make([]Scheduled, 0)
		errs      error
	)
	for _, ruleDomain := range domain.DomainsFor(domain.EventColumnChanged) {
		rules, err := c.rules.FindByDomain(ctx, ruleDomain, companyID, event)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "find %s rules", ruleDomain))
			continue
		}
		for _, rule := range rules {
			if targetsColumn(rule, newColumnID) {
				c.logger.Debugw("skipping self-targeting rule",
					logging.FieldRuleDomain, ruleDomain,
					logging.FieldRuleID, rule.Base().ID,
					logging.FieldColumnID, newColumnID,
				)
				continue
			}
			result, err := c.scheduler.Schedule(ctx, ScheduleRequest{
				Rule:      rule,
				Entity:    entity,
				ColumnID:  newColumnID,
				CompanyID: companyID,
				Depth:     depth,
			})
			if err != nil {
				errs = errors.CombineErrors(errs, err)
				continue
			}
			scheduled = append(scheduled, result)
		}
	}
	return scheduled, errs
}

func targetsColumn(rule domain.Rule, columnID int64) bool {
	target := rule.Base().TargetColumnID
	return target != nil && *target == columnID
}
