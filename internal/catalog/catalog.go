// Package catalog answers "which rules apply to this event" from a
// read-through cache, and "what does this rule look like now" straight from
// the store.
package catalog

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/cache"
	"github.com/iago/crm-automation/internal/domain"
	"github.com/iago/crm-automation/internal/logging"
	"github.com/iago/crm-automation/internal/metrics"
	"github.com/iago/crm-automation/internal/repository"
)

type Catalog struct {
	store   repository.RuleStore
	cache   cache.RuleCache
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

type Dependencies struct {
	Store   repository.RuleStore
	Cache   cache.RuleCache
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
}

func New(deps Dependencies) *Catalog {
	ruleCache := deps.Cache
	if ruleCache == nil {
		ruleCache = cache.NewMemoryRuleCache(cache.Config{})
	}
	return &Catalog{
		store:   deps.Store,
		cache:   ruleCache,
		metrics: deps.Metrics,
		logger:  logging.Component(deps.Logger, "catalog"),
	}
}

// FindApplicable returns the non-paused rules of every domain the event kind
// can trigger whose predicate accepts the event.
func (c *Catalog) FindApplicable(ctx context.Context, companyID int64, event domain.Event) ([]domain.Rule, error) {
	domains := domain.DomainsFor(event.Kind)
	if len(domains) == 0 {
		return nil, errors.Newf("unsupported event kind %q", event.Kind)
	}

	matched := make([]domain.Rule, 0)
	for _, ruleDomain := range domains {
		rules, err := c.FindByDomain(ctx, ruleDomain, companyID, event)
		if err != nil {
			return nil, err
		}
		matched = append(matched, rules...)
	}
	return matched, nil
}

// FindByDomain filters one domain's active rules with the event predicate.
func (c *Catalog) FindByDomain(
	ctx context.Context,
	ruleDomain domain.RuleDomain,
	companyID int64,
	event domain.Event,
) ([]domain.Rule, error) {
	rules, err := c.activeRules(ctx, ruleDomain, companyID)
	if err != nil {
		return nil, err
	}
	matched := make([]domain.Rule, 0, len(rules))
	for _, rule := range rules {
		if domain.Matches(rule, event) {
			matched = append(matched, rule)
		}
	}
	return matched, nil
}

// GetRule always reads the store. Fire-time validation must see pauses and
// deletions that the cache has not caught up with.
func (c *Catalog) GetRule(ctx context.Context, ref domain.RuleRef) (domain.Rule, error) {
	return c.store.GetRule(ctx, ref)
}

// Invalidate drops the cached rule list of every given company. A rule that
// moved between companies needs both the old and the new one invalidated.
func (c *Catalog) Invalidate(ctx context.Context, ruleDomain domain.RuleDomain, companyIDs ...int64) error {
	seen := make(map[int64]struct{}, len(companyIDs))
	for _, companyID := range companyIDs {
		if _, dup := seen[companyID]; dup {
			continue
		}
		seen[companyID] = struct{}{}
		if err := c.cache.Invalidate(ctx, ruleDomain, companyID); err != nil {
			return errors.Wrapf(err, "invalidate %s rules of company %d", ruleDomain, companyID)
		}
	}
	return nil
}

func (c *Catalog) activeRules(ctx context.Context, ruleDomain domain.RuleDomain, companyID int64) ([]domain.Rule, error) {
	lookup, cacheErr := c.cache.Get(ctx, ruleDomain, companyID)
	if cacheErr != nil {
		c.logger.Warnw("rule cache read failed",
			logging.FieldRuleDomain, ruleDomain,
			logging.FieldCompanyID, companyID,
			logging.FieldError, cacheErr,
		)
	}
	if lookup.Found {
		rules, decodeErr := domain.DecodeRules(lookup.Payload)
		if decodeErr == nil {
			c.metrics.RecordCacheLookup(ruleDomain, true)
			return rules, nil
		}
		c.logger.Warnw("discarding undecodable cached rules",
			logging.FieldRuleDomain, ruleDomain,
			logging.FieldCompanyID, companyID,
			logging.FieldError, decodeErr,
		)
	}
	c.metrics.RecordCacheLookup(ruleDomain, false)

	rules, err := c.store.ListActiveRules(ctx, companyID, ruleDomain)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s rules of company %d", ruleDomain, companyID)
	}

	// Without the version of a successful read there is nothing safe to fill.
	if cacheErr != nil {
		return rules, nil
	}
	encoded, err := domain.EncodeRules(rules)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, ruleDomain, companyID, lookup.Version, encoded); err != nil {
		c.logger.Warnw("rule cache write failed",
			logging.FieldRuleDomain, ruleDomain,
			logging.FieldCompanyID, companyID,
			logging.FieldError, err,
		)
	}
	return rules, nil
}
