package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/iago/crm-automation/internal/domain"
)

var (
	ErrNotFound        = errors.New("resource not found")
	ErrNotClaimable    = errors.New("execution is terminal or claimed by another worker")
	ErrStaleTransition = errors.New("execution is no longer pending under this claim")
)

// ExecutionLedger persists scheduled automation firings. Every transition is
// a single conditional write against the record's current status, so
// redelivered jobs cannot complete a record twice.
type ExecutionLedger interface {
	// Create inserts the record unless one with the same id exists, in which
	// case the stored record is returned with created=false.
	Create(ctx context.Context, record *domain.LedgerRecord) (stored *domain.LedgerRecord, created bool, err error)
	Get(ctx context.Context, id string) (*domain.LedgerRecord, error)
	SetJobID(ctx context.Context, id, jobID string, now time.Time) error
	// Claim takes a pending record for processing. A claim older than lease
	// can be taken over.
	Claim(ctx context.Context, id, token string, now time.Time, lease time.Duration) (*domain.LedgerRecord, error)
	// Finish moves a pending record held under token to a terminal status.
	// An empty token finishes a record nobody has claimed.
	Finish(ctx context.Context, id, token string, status domain.ExecutionStatus, reason string, now time.Time) error
	// Reschedule releases the claim and moves the record to a new execution time.
	Reschedule(ctx context.Context, id, token string, executeAt time.Time, jobID string, now time.Time) error
	// CancelPending cancels a pending record regardless of claims.
	CancelPending(ctx context.Context, id, reason string, now time.Time) error
	List(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerRecord, int, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryLedger stores execution records in memory for local development.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*domain.LedgerRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]*domain.LedgerRecord),
	}
}

func (l *MemoryLedger) Create(_ context.Context, record *domain.LedgerRecord) (*domain.LedgerRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.records[record.ID]; ok {
		return cloneRecord(existing), false, nil
	}
	l.records[record.ID] = cloneRecord(record)
	return cloneRecord(record), true, nil
}

func (l *MemoryLedger) Get(_ context.Context, id string) (*domain.LedgerRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(record), nil
}

func (l *MemoryLedger) SetJobID(_ context.Context, id, jobID string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[id]
	if !ok {
		return ErrNotFound
	}
	record.JobID = jobID
	record.UpdatedAt = now
	return nil
}

func (l *MemoryLedger) Claim(
	_ context.Context,
	id string,
	token string,
	now time.Time,
	lease time.Duration,
) (*domain.LedgerRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !claimable(record, now, lease) {
		return nil, ErrNotClaimable
	}
	claimedAt := now
	record.ClaimToken = token
	record.ClaimedAt = &claimedAt
	record.Attempts++
	record.UpdatedAt = now
	return cloneRecord(record), nil
}

func (l *MemoryLedger) Finish(
	_ context.Context,
	id string,
	token string,
	status domain.ExecutionStatus,
	reason string,
	now time.Time,
) error {
	if !status.Terminal() {
		return errors.Newf("finish with non-terminal status %s", status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[id]
	if !ok {
		return ErrNotFound
	}
	if record.Status != domain.StatusPending || record.ClaimToken != token {
		return ErrStaleTransition
	}
	record.Status = status
	record.Reason = reason
	record.UpdatedAt = now
	return nil
}

func (l *MemoryLedger) Reschedule(
	_ context.Context,
	id string,
	token string,
	executeAt time.Time,
	jobID string,
	now time.Time,
) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[id]
	if !ok {
		return ErrNotFound
	}
	if record.Status != domain.StatusPending || record.ClaimToken != token {
		return ErrStaleTransition
	}
	record.ExecuteAt = executeAt
	record.JobID = jobID
	record.ClaimToken = ""
	record.ClaimedAt = nil
	record.UpdatedAt = now
	return nil
}

func (l *MemoryLedger) CancelPending(_ context.Context, id, reason string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[id]
	if !ok {
		return ErrNotFound
	}
	if record.Status != domain.StatusPending {
		return ErrStaleTransition
	}
	record.Status = domain.StatusCancelled
	record.Reason = reason
	record.UpdatedAt = now
	return nil
}

func (l *MemoryLedger) List(_ context.Context, filter domain.LedgerFilter) ([]domain.LedgerRecord, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	page, pageSize := normalizePage(filter.Page, filter.PageSize)

	items := make([]domain.LedgerRecord, 0)
	for _, record := range l.records {
		if filter.Entity != nil && record.Entity != *filter.Entity {
			continue
		}
		if filter.Rule != nil && record.Rule != *filter.Rule {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		items = append(items, *cloneRecord(record))
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].ExecuteAt.Equal(items[j].ExecuteAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].ExecuteAt.Before(items[j].ExecuteAt)
	})

	total := len(items)
	start := (page - 1) * pageSize
	if start >= total {
		return []domain.LedgerRecord{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return items[start:end], total, nil
}

func (l *MemoryLedger) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var deleted int64
	for id, record := range l.records {
		if record.Status.Terminal() && record.UpdatedAt.Before(cutoff) {
			delete(l.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func claimable(record *domain.LedgerRecord, now time.Time, lease time.Duration) bool {
	if record.Status != domain.StatusPending {
		return false
	}
	if record.ClaimToken == "" || record.ClaimedAt == nil {
		return true
	}
	return record.ClaimedAt.Before(now.Add(-lease))
}

func normalizePage(page, pageSize int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500
	}
	return page, pageSize
}

func cloneRecord(record *domain.LedgerRecord) *domain.LedgerRecord {
	if record == nil {
		return nil
	}
	clone := *record
	if record.ClaimedAt != nil {
		claimedAt := *record.ClaimedAt
		clone.ClaimedAt = &claimedAt
	}
	return &clone
}
