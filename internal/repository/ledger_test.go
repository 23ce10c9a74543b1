package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/crm-automation/internal/domain"
)

var ledgerNow = time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)

// ledgerScope keeps one test's records apart from anything else stored in the
// same ledger.
type ledgerScope struct {
	ledger   ExecutionLedger
	prefix   string
	entityID int64
}

func (s ledgerScope) id(name string) string {
	return s.prefix + name
}

func (s ledgerScope) entity(kind domain.EntityKind) domain.EntityRef {
	return domain.EntityRef{Kind: kind, ID: s.entityID}
}

func (s ledgerScope) pending(name string) *domain.LedgerRecord {
	return &domain.LedgerRecord{
		ID:        s.id(name),
		Rule:      domain.RuleRef{Domain: domain.DomainPipeline, ID: 7},
		Entity:    s.entity(domain.EntityLead),
		CompanyID: 1,
		ColumnID:  10,
		ExecuteAt: ledgerNow.Add(time.Hour),
		Status:    domain.StatusPending,
		CreatedAt: ledgerNow,
		UpdatedAt: ledgerNow,
	}
}

func (s ledgerScope) create(t *testing.T, name string) {
	t.Helper()
	_, created, err := s.ledger.Create(context.Background(), s.pending(name))
	require.NoError(t, err)
	require.True(t, created)
}

// ledgerCases hold for every ExecutionLedger implementation.
var ledgerCases = []struct {
	name string
	run  func(t *testing.T, s ledgerScope)
}{
	{"CreateIsInsertIfAbsent", testLedgerCreateIsInsertIfAbsent},
	{"ClaimIsExclusive", testLedgerClaimIsExclusive},
	{"DoubleClaimHasOneWinner", testLedgerDoubleClaimHasOneWinner},
	{"ExpiredClaimCanBeTakenOver", testLedgerExpiredClaimCanBeTakenOver},
	{"TerminalRecordsNeverTransition", testLedgerTerminalRecordsNeverTransition},
	{"RescheduleReleasesClaim", testLedgerRescheduleReleasesClaim},
	{"CancelIgnoresClaims", testLedgerCancelIgnoresClaims},
	{"UnknownRecord", testLedgerUnknownRecord},
	{"FinishRejectsPendingStatus", testLedgerFinishRejectsPendingStatus},
	{"ListFiltersAndPaginates", testLedgerListFiltersAndPaginates},
	{"DeleteTerminalBefore", testLedgerDeleteTerminalBefore},
}

func runLedgerCases(t *testing.T, newScope func(t *testing.T) ledgerScope) {
	for _, tc := range ledgerCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, newScope(t))
		})
	}
}

func TestMemoryLedger(t *testing.T) {
	runLedgerCases(t, func(*testing.T) ledgerScope {
		return ledgerScope{ledger: NewMemoryLedger(), entityID: 42}
	})
}

func testLedgerCreateIsInsertIfAbsent(t *testing.T, s ledgerScope) {
	ctx := context.Background()

	stored, created, err := s.ledger.Create(ctx, s.pending("a"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, s.id("a"), stored.ID)

	duplicate := s.pending("a")
	duplicate.ColumnID = 99
	stored, created, err = s.ledger.Create(ctx, duplicate)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(10), stored.ColumnID)
}

func testLedgerClaimIsExclusive(t *testing.T, s ledgerScope) {
	ctx := context.Background()
	s.create(t, "a")

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := string(rune('a' + i))
			if _, err := s.ledger.Claim(ctx, s.id("a"), token, ledgerNow, time.Minute); err == nil {
				winners.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrNotClaimable)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

// Two workers holding the same redelivered job race for the record.
func testLedgerDoubleClaimHasOneWinner(t *testing.T, s ledgerScope) {
	ctx := context.Background()
	s.create(t, "a")

	var (
		start   = make(chan struct{})
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []*domain.LedgerRecord
		refused int
	)
	for _, token := range []string{"worker-1", "worker-2"} {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			<-start
			record, err := s.ledger.Claim(ctx, s.id("a"), token, ledgerNow, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrNotClaimable)
				refused++
				return
			}
			claimed = append(claimed, record)
		}(token)
	}
	close(start)
	wg.Wait()

	require.Len(t, claimed, 1)
	assert.Equal(t, 1, refused)
	assert.Equal(t, 1, claimed[0].Attempts)

	stored, err := s.ledger.Get(ctx, s.id("a"))
	require.NoError(t, err)
	assert.Equal(t, claimed[0].ClaimToken, stored.ClaimToken)
	assert.Equal(t, 1, stored.Attempts)
}

func testLedgerExpiredClaimCanBeTakenOver(t *testing.T, s ledgerScope) {
	ctx := context.Background()
	s.create(t, "a")

	_, err := s.ledger.Claim(ctx, s.id("a"), "first", ledgerNow, time.Minute)
	require.NoError(t, err)

	_, err = s.ledger.Claim(ctx, s.id("a"), "second", ledgerNow.Add(30*time.Second), time.Minute)
	assert.ErrorIs(t, err, ErrNotClaimable)

	claimed, err := s.ledger.Claim(ctx, s.id("a"), "second", ledgerNow.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "second", claimed.ClaimToken)
	assert.Equal(t, 2, claimed.Attempts)

	err = s.ledger.Finish(ctx, s.id("a"), "first", domain.StatusCompleted, "", ledgerNow)
	assert.ErrorIs(t, err, ErrStaleTransition)
}

func testLedgerTerminalRecordsNeverTransition(t *testing.T, s ledgerScope) {
	ctx := context.Background()
	s.create(t, "a")
	id := s.id("a")

	_, err := s.ledger.Claim(ctx, id, "tok", ledgerNow, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.ledger.Finish(ctx, id, "tok", domain.StatusCompleted, "", ledgerNow))

	assert.ErrorIs(t, s.ledger.Finish(ctx, id, "tok", domain.StatusFailed, "late", ledgerNow), ErrStaleTransition)
	assert.ErrorIs(t, s.ledger.CancelPending(ctx, id, domain.ReasonCancelledByRequest, ledgerNow), ErrStaleTransition)
	assert.ErrorIs(t, s.ledger.Reschedule(ctx, id, "tok", ledgerNow, "job", ledgerNow), ErrStaleTransition)
	_, err = s.ledger.Claim(ctx, id, "other", ledgerNow.Add(time.Hour), time.Minute)
	assert.ErrorIs(t, err, ErrNotClaimable)

	record, err := s.ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, record.Status)
}

func testLedgerRescheduleReleasesClaim(t *testing.T, s ledgerScope) {
	ctx := context.Background()
	s.create(t, "a")
	id := s.id("a")

	_, err := s.ledger.Claim(ctx, id, "tok", ledgerNow, time.Minute)
	require.NoError(t, err)

	next := ledgerNow.Add(24 * time.Hour)
	require.NoError(t, s.ledger.Reschedule(ctx, id, "tok", next, "auto-a-r1", ledgerNow))

	record, err := s.ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, record.Status)
	assert.True(t, next.Equal(record.ExecuteAt), "execute_at %s", record.ExecuteAt)
	assert.Equal(t, "auto-a-r1", record.JobID)
	assert.Empty(t, record.ClaimToken)
	assert.Nil(t, record.ClaimedAt)

	_, err = s.ledger.Claim(ctx, id, "next", ledgerNow, time.Minute)
	assert.NoError(t, err)
}

func testLedgerCancelIgnoresClaims(t *testing.T, s ledgerScope) {
	ctx := context.Background()
	s.create(t, "a")

	_, err := s.ledger.Claim(ctx, s.id("a"), "tok", ledgerNow, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.ledger.CancelPending(ctx, s.id("a"), domain.ReasonCancelledByRequest, ledgerNow))

	err = s.ledger.Finish(ctx, s.id("a"), "tok", domain.StatusCompleted, "", ledgerNow)
	assert.ErrorIs(t, err, ErrStaleTransition)
}

func testLedgerUnknownRecord(t *testing.T, s ledgerScope) {
	ctx := context.Background()
	missing := s.id("missing")

	_, err := s.ledger.Get(ctx, missing)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.ledger.Claim(ctx, missing, "tok", ledgerNow, time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.ledger.CancelPending(ctx, missing, "", ledgerNow), ErrNotFound)
	assert.ErrorIs(t, s.ledger.Finish(ctx, missing, "tok", domain.StatusCompleted, "", ledgerNow), ErrNotFound)
}

func testLedgerFinishRejectsPendingStatus(t *testing.T, s ledgerScope) {
	s.create(t, "a")

	assert.Error(t, s.ledger.Finish(context.Background(), s.id("a"), "", domain.StatusPending, "", ledgerNow))
}

func testLedgerListFiltersAndPaginates(t *testing.T, s ledgerScope) {
	ctx := context.Background()

	for i, name := range []string{"a", "b", "c"} {
		record := s.pending(name)
		record.ExecuteAt = ledgerNow.Add(time.Duration(i) * time.Minute)
		_, _, err := s.ledger.Create(ctx, record)
		require.NoError(t, err)
	}
	other := s.pending("d")
	other.Entity = s.entity(domain.EntityInvoice)
	_, _, err := s.ledger.Create(ctx, other)
	require.NoError(t, err)

	lead := s.entity(domain.EntityLead)
	items, total, err := s.ledger.List(ctx, domain.LedgerFilter{Entity: &lead, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.Equal(t, s.id("a"), items[0].ID)
	assert.Equal(t, s.id("b"), items[1].ID)

	items, _, err = s.ledger.List(ctx, domain.LedgerFilter{Entity: &lead, Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, s.id("c"), items[0].ID)

	items, total, err = s.ledger.List(ctx, domain.LedgerFilter{Entity: &lead, Status: domain.StatusCompleted})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)
}

func testLedgerDeleteTerminalBefore(t *testing.T, s ledgerScope) {
	ctx := context.Background()

	s.create(t, "old-done")
	require.NoError(t, s.ledger.CancelPending(ctx, s.id("old-done"), domain.ReasonCancelledByRequest, ledgerNow.AddDate(0, 0, -40)))
	s.create(t, "old-pending")
	s.create(t, "recent-done")
	require.NoError(t, s.ledger.CancelPending(ctx, s.id("recent-done"), domain.ReasonCancelledByRequest, ledgerNow))

	deleted, err := s.ledger.DeleteTerminalBefore(ctx, ledgerNow.AddDate(0, 0, -30))
	require.NoError(t, err)
	// A shared database may hold other expired rows.
	assert.GreaterOrEqual(t, deleted, int64(1))

	_, err = s.ledger.Get(ctx, s.id("old-pending"))
	assert.NoError(t, err)
	_, err = s.ledger.Get(ctx, s.id("recent-done"))
	assert.NoError(t, err)
	_, err = s.ledger.Get(ctx, s.id("old-done"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryLedgerDeleteTerminalBeforeCountsOnlyExpired(t *testing.T) {
	s := ledgerScope{ledger: NewMemoryLedger(), entityID: 42}
	ctx := context.Background()

	s.create(t, "old-done")
	require.NoError(t, s.ledger.CancelPending(ctx, s.id("old-done"), domain.ReasonCancelledByRequest, ledgerNow.AddDate(0, 0, -40)))
	s.create(t, "recent-done")
	require.NoError(t, s.ledger.CancelPending(ctx, s.id("recent-done"), domain.ReasonCancelledByRequest, ledgerNow))

	deleted, err := s.ledger.DeleteTerminalBefore(ctx, ledgerNow.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
