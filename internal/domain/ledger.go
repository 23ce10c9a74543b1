package domain

import "time"

type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
)

func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Reasons recorded on terminal ledger records.
const (
	ReasonRuleNotFound       = "rule_not_found"
	ReasonRulePaused         = "rule_paused"
	ReasonRuleDeleted        = "rule_deleted"
	ReasonEntityNotFound     = "entity_not_found"
	ReasonColumnDrift        = "column_drift"
	ReasonEffectFailed       = "effect_failed"
	ReasonEnqueueFailed      = "enqueue_failed"
	ReasonCancelledByRequest = "cancelled_by_request"
)

// LedgerRecord tracks one scheduled automation firing. PENDING is the only
// state a transition may start from.
type LedgerRecord struct {
	ID           string
	Rule         RuleRef
	Entity       EntityRef
	CompanyID    int64
	ColumnID     int64
	ExecuteAt    time.Time
	JobID        string
	Status       ExecutionStatus
	Reason       string
	CascadeDepth int
	Attempts     int
	ClaimToken   string
	ClaimedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type LedgerFilter struct {
	Entity   *EntityRef
	Rule     *RuleRef
	Status   ExecutionStatus
	Page     int
	PageSize int
}
