package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/iago/crm-automation/internal/domain"
)

// RuleStore reads automation rule definitions.
type RuleStore interface {
	// ListActiveRules returns the non-paused, non-deleted rules of one domain.
	ListActiveRules(ctx context.Context, companyID int64, ruleDomain domain.RuleDomain) ([]domain.Rule, error)
	GetRule(ctx context.Context, ref domain.RuleRef) (domain.Rule, error)
}

type EntityStore interface {
	GetEntity(ctx context.Context, ref domain.EntityRef, companyID int64) (*domain.Entity, error)
	// SetColumn moves the entity and stamps its column change time.
	SetColumn(ctx context.Context, ref domain.EntityRef, companyID, columnID int64, now time.Time) error
	ApplyTag(ctx context.Context, ref domain.EntityRef, companyID, tagID int64) error
}

type CalendarStore interface {
	// GetCalendarSettings returns nil settings without error when the company
	// has none configured.
	GetCalendarSettings(ctx context.Context, companyID int64) (*domain.CalendarSettings, error)
}

// MemoryRuleStore keeps rule definitions in memory. Rules are stored by
// reference; callers must not mutate a rule after Put.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[domain.RuleRef]domain.Rule
}

func NewMemoryRuleStore(rules ...domain.Rule) *MemoryRuleStore {
	store := &MemoryRuleStore{rules: make(map[domain.RuleRef]domain.Rule)}
	for _, rule := range rules {
		store.rules[domain.Ref(rule)] = rule
	}
	return store
}

func (s *MemoryRuleStore) Put(rule domain.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[domain.Ref(rule)] = rule
}

func (s *MemoryRuleStore) Delete(ref domain.RuleRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, ref)
}

func (s *MemoryRuleStore) ListActiveRules(
	_ context.Context,
	companyID int64,
	ruleDomain domain.RuleDomain,
) ([]domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]domain.Rule, 0)
	for ref, rule := range s.rules {
		base := rule.Base()
		if ref.Domain != ruleDomain || base.CompanyID != companyID || base.IsPaused {
			continue
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Base().ID < rules[j].Base().ID
	})
	return rules, nil
}

func (s *MemoryRuleStore) GetRule(_ context.Context, ref domain.RuleRef) (domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return rule, nil
}

type MemoryEntityStore struct {
	mu       sync.Mutex
	entities map[domain.EntityRef]*domain.Entity
}

func NewMemoryEntityStore(entities ...domain.Entity) *MemoryEntityStore {
	store := &MemoryEntityStore{entities: make(map[domain.EntityRef]*domain.Entity)}
	for _, entity := range entities {
		store.Put(entity)
	}
	return store
}

func (s *MemoryEntityStore) Put(entity domain.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entity.Ref] = cloneEntity(&entity)
}

func (s *MemoryEntityStore) Delete(ref domain.EntityRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, ref)
}

func (s *MemoryEntityStore) GetEntity(_ context.Context, ref domain.EntityRef, companyID int64) (*domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.entities[ref]
	if !ok || entity.CompanyID != companyID {
		return nil, ErrNotFound
	}
	return cloneEntity(entity), nil
}

func (s *MemoryEntityStore) SetColumn(
	_ context.Context,
	ref domain.EntityRef,
	companyID int64,
	columnID int64,
	now time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.entities[ref]
	if !ok || entity.CompanyID != companyID {
		return ErrNotFound
	}
	changedAt := now
	entity.ColumnID = columnID
	entity.ColumnChangedAt = &changedAt
	return nil
}

func (s *MemoryEntityStore) ApplyTag(_ context.Context, ref domain.EntityRef, companyID, tagID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.entities[ref]
	if !ok || entity.CompanyID != companyID {
		return ErrNotFound
	}
	if !slices.Contains(entity.Tags, tagID) {
		entity.Tags = append(entity.Tags, tagID)
	}
	return nil
}

type MemoryCalendarStore struct {
	mu       sync.RWMutex
	settings map[int64]domain.CalendarSettings
}

func NewMemoryCalendarStore() *MemoryCalendarStore {
	return &MemoryCalendarStore{settings: make(map[int64]domain.CalendarSettings)}
}

func (s *MemoryCalendarStore) Put(companyID int64, settings domain.CalendarSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[companyID] = settings
}

func (s *MemoryCalendarStore) GetCalendarSettings(_ context.Context, companyID int64) (*domain.CalendarSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, ok := s.settings[companyID]
	if !ok {
		return nil, nil
	}
	return &settings, nil
}

func cloneEntity(entity *domain.Entity) *domain.Entity {
	clone := *entity
	if entity.ColumnChangedAt != nil {
		changedAt := *entity.ColumnChangedAt
		clone.ColumnChangedAt = &changedAt
	}
	clone.Tags = slices.Clone(entity.Tags)
	return &clone
}
