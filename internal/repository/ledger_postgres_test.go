package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestPostgresLedger runs the ledger cases against a real database. Set
// DATABASE_URL to enable it; every record it writes is removed afterwards.
func TestPostgresLedger(t *testing.T) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	pool, err := OpenPool(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, EnsureSchema(ctx, pool))

	ledger := NewPostgresLedger(pool)
	runLedgerCases(t, func(t *testing.T) ledgerScope {
		prefix := "test-" + uuid.NewString() + "-"
		t.Cleanup(func() {
			_, err := pool.Exec(context.Background(),
				`DELETE FROM automation_executions WHERE id LIKE $1`, prefix+"%")
			require.NoError(t, err)
		})
		return ledgerScope{
			ledger:   ledger,
			prefix:   prefix,
			entityID: int64(uuid.New().ID()),
		}
	})
}
