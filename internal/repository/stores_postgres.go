package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/crm-automation/internal/domain"
)

// PostgresRuleStore reads rules saved as JSON definitions next to the
// columns used for lookup.
type PostgresRuleStore struct {
	pool *pgxpool.Pool
}

func NewPostgresRuleStore(pool *pgxpool.Pool) *PostgresRuleStore {
	return &PostgresRuleStore{pool: pool}
}

func (s *PostgresRuleStore) ListActiveRules(
	ctx context.Context,
	companyID int64,
	ruleDomain domain.RuleDomain,
) ([]domain.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_id, is_paused, definition
		FROM automation_rules
		WHERE company_id = $1 AND domain = $2 AND deleted_at IS NULL AND is_paused = FALSE
		ORDER BY id ASC
	`, companyID, string(ruleDomain))
	if err != nil {
		return nil, errors.Wrapf(err, "list %s rules", ruleDomain)
	}
	defer rows.Close()

	rules := make([]domain.Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows, ruleDomain)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, errors.Wrapf(rows.Err(), "iterate %s rules", ruleDomain)
	}
	return rules, nil
}

func (s *PostgresRuleStore) GetRule(ctx context.Context, ref domain.RuleRef) (domain.Rule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, company_id, is_paused, definition
		FROM automation_rules
		WHERE domain = $1 AND id = $2 AND deleted_at IS NULL
	`, string(ref.Domain), ref.ID)
	rule, err := scanRule(row, ref.Domain)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rule, nil
}

// scanRule decodes the definition and lets the indexed columns win over any
// stale copy inside the JSON.
func scanRule(row pgx.Row, ruleDomain domain.RuleDomain) (domain.Rule, error) {
	var (
		id         int64
		companyID  int64
		isPaused   bool
		definition []byte
	)
	if err := row.Scan(&id, &companyID, &isPaused, &definition); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan rule")
	}
	rule, err := domain.NewRule(ruleDomain)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(definition, rule); err != nil {
		return nil, errors.Wrapf(err, "decode %s rule %d", ruleDomain, id)
	}
	base := rule.Base()
	base.ID = id
	base.CompanyID = companyID
	base.IsPaused = isPaused
	return rule, nil
}

type PostgresEntityStore struct {
	pool *pgxpool.Pool
}

func NewPostgresEntityStore(pool *pgxpool.Pool) *PostgresEntityStore {
	return &PostgresEntityStore{pool: pool}
}

func (s *PostgresEntityStore) GetEntity(
	ctx context.Context,
	ref domain.EntityRef,
	companyID int64,
) (*domain.Entity, error) {
	entity := domain.Entity{Ref: ref}
	err := s.pool.QueryRow(ctx, `
		SELECT company_id, column_id, column_changed_at, status, contact_name, contact_email, contact_phone
		FROM automation_entities
		WHERE kind = $1 AND id = $2 AND company_id = $3
	`, string(ref.Kind), ref.ID, companyID).Scan(
		&entity.CompanyID,
		&entity.ColumnID,
		&entity.ColumnChangedAt,
		&entity.Status,
		&entity.Contact.Name,
		&entity.Contact.Email,
		&entity.Contact.Phone,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "query entity")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT tag_id FROM automation_entity_tags
		WHERE entity_kind = $1 AND entity_id = $2
		ORDER BY tag_id ASC
	`, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, errors.Wrap(err, "query entity tags")
	}
	defer rows.Close()
	for rows.Next() {
		var tagID int64
		if err := rows.Scan(&tagID); err != nil {
			return nil, errors.Wrap(err, "scan entity tag")
		}
		entity.Tags = append(entity.Tags, tagID)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "iterate entity tags")
	}
	return &entity, nil
}

func (s *PostgresEntityStore) SetColumn(
	ctx context.Context,
	ref domain.EntityRef,
	companyID int64,
	columnID int64,
	now time.Time,
) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE automation_entities
		SET column_id = $4,
			column_changed_at = $5
		WHERE kind = $1 AND id = $2 AND company_id = $3
	`, string(ref.Kind), ref.ID, companyID, columnID, now)
	if err != nil {
		return errors.Wrap(err, "update entity column")
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresEntityStore) ApplyTag(ctx context.Context, ref domain.EntityRef, companyID, tagID int64) error {
	command, err := s.pool.Exec(ctx, `
		INSERT INTO automation_entity_tags (entity_kind, entity_id, tag_id)
		SELECT kind, id, $4 FROM automation_entities
		WHERE kind = $1 AND id = $2 AND company_id = $3
		ON CONFLICT DO NOTHING
	`, string(ref.Kind), ref.ID, companyID, tagID)
	if err != nil {
		return errors.Wrap(err, "apply entity tag")
	}
	if command.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetEntity(ctx, ref, companyID); err != nil {
		return err
	}
	return nil
}

type PostgresCalendarStore struct {
	pool *pgxpool.Pool
}

func NewPostgresCalendarStore(pool *pgxpool.Pool) *PostgresCalendarStore {
	return &PostgresCalendarStore{pool: pool}
}

func (s *PostgresCalendarStore) GetCalendarSettings(
	ctx context.Context,
	companyID int64,
) (*domain.CalendarSettings, error) {
	var (
		settings  domain.CalendarSettings
		weekStart int16
		weekend1  int16
		weekend2  int16
	)
	err := s.pool.QueryRow(ctx, `
		SELECT week_start, day_start, day_end, weekend1, weekend2, timezone
		FROM company_calendar_settings
		WHERE company_id = $1
	`, companyID).Scan(&weekStart, &settings.DayStart, &settings.DayEnd, &weekend1, &weekend2, &settings.Timezone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "query calendar settings")
	}
	settings.WeekStart = time.Weekday(weekStart)
	settings.Weekend1 = time.Weekday(weekend1)
	settings.Weekend2 = time.Weekday(weekend2)
	return &settings, nil
}
