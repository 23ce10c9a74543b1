package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/crm-automation/internal/domain"
)

const ledgerColumns = `id, rule_domain, rule_id, entity_kind, entity_id, company_id, column_id,
	execute_at, job_id, status, reason, cascade_depth, attempts, claim_token, claimed_at,
	created_at, updated_at`

type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) Create(ctx context.Context, record *domain.LedgerRecord) (*domain.LedgerRecord, bool, error) {
	command, err := l.pool.Exec(ctx, `
		INSERT INTO automation_executions (
			id,
			rule_domain,
			rule_id,
			entity_kind,
			entity_id,
			company_id,
			column_id,
			execute_at,
			job_id,
			status,
			reason,
			cascade_depth,
			attempts,
			claim_token,
			claimed_at,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO NOTHING
	`,
		record.ID,
		string(record.Rule.Domain),
		record.Rule.ID,
		string(record.Entity.Kind),
		record.Entity.ID,
		record.CompanyID,
		record.ColumnID,
		record.ExecuteAt,
		record.JobID,
		string(record.Status),
		record.Reason,
		record.CascadeDepth,
		record.Attempts,
		record.ClaimToken,
		record.ClaimedAt,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "insert execution")
	}
	if command.RowsAffected() == 0 {
		existing, err := l.Get(ctx, record.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return cloneRecord(record), true, nil
}

func (l *PostgresLedger) Get(ctx context.Context, id string) (*domain.LedgerRecord, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM automation_executions WHERE id = $1`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "query execution")
	}
	return record, nil
}

func (l *PostgresLedger) SetJobID(ctx context.Context, id, jobID string, now time.Time) error {
	command, err := l.pool.Exec(ctx, `
		UPDATE automation_executions
		SET job_id = $2,
			updated_at = $3
		WHERE id = $1
	`, id, jobID, now)
	if err != nil {
		return errors.Wrap(err, "set execution job id")
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *PostgresLedger) Claim(
	ctx context.Context,
	id string,
	token string,
	now time.Time,
	lease time.Duration,
) (*domain.LedgerRecord, error) {
	row := l.pool.QueryRow(ctx, `
		UPDATE automation_executions
		SET claim_token = $2,
			claimed_at = $3,
			attempts = attempts + 1,
			updated_at = $3
		WHERE id = $1
			AND status = 'PENDING'
			AND (claim_token = '' OR claimed_at IS NULL OR claimed_at < $4)
		RETURNING `+ledgerColumns,
		id, token, now, now.Add(-lease),
	)
	record, err := scanRecord(row)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, "claim execution")
	}
	if _, getErr := l.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrNotClaimable
}

func (l *PostgresLedger) Finish(
	ctx context.Context,
	id string,
	token string,
	status domain.ExecutionStatus,
	reason string,
	now time.Time,
) error {
	if !status.Terminal() {
		return errors.Newf("finish with non-terminal status %s", status)
	}
	command, err := l.pool.Exec(ctx, `
		UPDATE automation_executions
		SET status = $3,
			reason = $4,
			updated_at = $5
		WHERE id = $1 AND status = 'PENDING' AND claim_token = $2
	`, id, token, string(status), reason, now)
	if err != nil {
		return errors.Wrap(err, "finish execution")
	}
	return l.transitionResult(ctx, id, command.RowsAffected())
}

func (l *PostgresLedger) Reschedule(
	ctx context.Context,
	id string,
	token string,
	executeAt time.Time,
	jobID string,
	now time.Time,
) error {
	command, err := l.pool.Exec(ctx, `
		UPDATE automation_executions
		SET execute_at = $3,
			job_id = $4,
			claim_token = '',
			claimed_at = NULL,
			updated_at = $5
		WHERE id = $1 AND status = 'PENDING' AND claim_token = $2
	`, id, token, executeAt, jobID, now)
	if err != nil {
		return errors.Wrap(err, "reschedule execution")
	}
	return l.transitionResult(ctx, id, command.RowsAffected())
}

func (l *PostgresLedger) CancelPending(ctx context.Context, id, reason string, now time.Time) error {
	command, err := l.pool.Exec(ctx, `
		UPDATE automation_executions
		SET status = 'CANCELLED',
			reason = $2,
			updated_at = $3
		WHERE id = $1 AND status = 'PENDING'
	`, id, reason, now)
	if err != nil {
		return errors.Wrap(err, "cancel execution")
	}
	return l.transitionResult(ctx, id, command.RowsAffected())
}

func (l *PostgresLedger) List(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerRecord, int, error) {
	page, pageSize := normalizePage(filter.Page, filter.PageSize)
	baseQuery, args := buildLedgerFilters(filter)

	var total int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) "+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count executions")
	}

	listQuery := fmt.Sprintf(
		`SELECT %s
		%s
		ORDER BY execute_at ASC, id ASC
		LIMIT $%d OFFSET $%d`,
		ledgerColumns,
		baseQuery,
		len(args)+1,
		len(args)+2,
	)
	listArgs := append(args, pageSize, (page-1)*pageSize)
	rows, err := l.pool.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	items := make([]domain.LedgerRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "scan execution")
		}
		items = append(items, *record)
	}
	if rows.Err() != nil {
		return nil, 0, errors.Wrap(rows.Err(), "iterate executions")
	}
	return items, total, nil
}

func (l *PostgresLedger) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	command, err := l.pool.Exec(ctx, `
		DELETE FROM automation_executions
		WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "delete terminal executions")
	}
	return command.RowsAffected(), nil
}

// transitionResult tells a missing record apart from one that was no longer
// in the expected state.
func (l *PostgresLedger) transitionResult(ctx context.Context, id string, affected int64) error {
	if affected > 0 {
		return nil
	}
	if _, err := l.Get(ctx, id); err != nil {
		return err
	}
	return ErrStaleTransition
}

func buildLedgerFilters(filter domain.LedgerFilter) (string, []any) {
	query := strings.Builder{}
	query.WriteString("FROM automation_executions WHERE 1=1")

	args := make([]any, 0, 5)
	argIndex := 1

	if filter.Entity != nil {
		query.WriteString(fmt.Sprintf(" AND entity_kind = $%d AND entity_id = $%d", argIndex, argIndex+1))
		args = append(args, string(filter.Entity.Kind), filter.Entity.ID)
		argIndex += 2
	}

	if filter.Rule != nil {
		query.WriteString(fmt.Sprintf(" AND rule_domain = $%d AND rule_id = $%d", argIndex, argIndex+1))
		args = append(args, string(filter.Rule.Domain), filter.Rule.ID)
		argIndex += 2
	}

	if filter.Status != "" {
		query.WriteString(fmt.Sprintf(" AND status = $%d", argIndex))
		args = append(args, string(filter.Status))
	}

	return query.String(), args
}

func scanRecord(row pgx.Row) (*domain.LedgerRecord, error) {
	var (
		record     domain.LedgerRecord
		ruleDomain string
		entityKind string
		status     string
	)
	err := row.Scan(
		&record.ID,
		&ruleDomain,
		&record.Rule.ID,
		&entityKind,
		&record.Entity.ID,
		&record.CompanyID,
		&record.ColumnID,
		&record.ExecuteAt,
		&record.JobID,
		&status,
		&record.Reason,
		&record.CascadeDepth,
		&record.Attempts,
		&record.ClaimToken,
		&record.ClaimedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Rule.Domain = domain.RuleDomain(ruleDomain)
	record.Entity.Kind = domain.EntityKind(entityKind)
	record.Status = domain.ExecutionStatus(status)
	return &record, nil
}
