package domain

import (
	"fmt"
	"time"
)

// DeferredJob is the transport format sent to queue backends.
type DeferredJob struct {
	JobID       string    `json:"job_id"`
	LedgerID    string    `json:"ledger_id"`
	CompanyID   int64     `json:"company_id"`
	DueAt       time.Time `json:"due_at"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}

// JobIDFor derives the queue job id of a ledger record's first firing.
func JobIDFor(ledgerID string) string {
	return "auto-" + ledgerID
}

// RescheduledJobID derives the job id used when a firing is pushed to the
// next valid calendar instant.
func RescheduledJobID(ledgerID string, executeAt time.Time) string {
	return fmt.Sprintf("%s-r%d", JobIDFor(ledgerID), executeAt.Unix())
}
