package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/iago/crm-automation/internal/domain"
	"github.com/iago/crm-automation/internal/repository"
)

type executionResponse struct {
	ID           string                 `json:"id"`
	Rule         domain.RuleRef         `json:"rule"`
	Entity       domain.EntityRef       `json:"entity"`
	CompanyID    int64                  `json:"company_id"`
	ColumnID     int64                  `json:"column_id"`
	ExecuteAt    time.Time              `json:"execute_at"`
	JobID        string                 `json:"job_id,omitempty"`
	Status       domain.ExecutionStatus `json:"status"`
	Reason       string                 `json:"reason,omitempty"`
	CascadeDepth int                    `json:"cascade_depth"`
	Attempts     int                    `json:"attempts"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func toExecutionResponse(record domain.LedgerRecord) executionResponse {
	return executionResponse{
		ID:           record.ID,
		Rule:         record.Rule,
		Entity:       record.Entity,
		CompanyID:    record.CompanyID,
		ColumnID:     record.ColumnID,
		ExecuteAt:    record.ExecuteAt,
		JobID:        record.JobID,
		Status:       record.Status,
		Reason:       record.Reason,
		CascadeDepth: record.CascadeDepth,
		Attempts:     record.Attempts,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}
}

func (api *API) Execution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}

	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/v1/executions/"))
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "execution id is required")
		return
	}

	record, err := api.executions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "execution not found")
			return
		}
		api.internalError(w, r, "failed to load execution", err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionResponse(*record))
}

// Executions lists the ledger records of one entity, optionally filtered by
// status.
func (api *API) Executions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}

	query := r.URL.Query()
	entity := domain.EntityRef{Kind: domain.EntityKind(query.Get("entity_kind"))}
	entityID, err := strconv.ParseInt(query.Get("entity_id"), 10, 64)
	if err != nil || entityID <= 0 || !entity.Kind.Valid() {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "entity_kind and entity_id are required")
		return
	}
	entity.ID = entityID

	filter := domain.LedgerFilter{
		Entity: &entity,
		Status: domain.ExecutionStatus(strings.ToUpper(query.Get("status"))),
	}
	if filter.Status != "" && filter.Status != domain.StatusPending && !filter.Status.Terminal() {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "unknown status")
		return
	}
	filter.Page, _ = strconv.Atoi(query.Get("page"))
	filter.PageSize, _ = strconv.Atoi(query.Get("page_size"))

	records, total, err := api.executions.List(r.Context(), filter)
	if err != nil {
		api.internalError(w, r, "failed to list executions", err)
		return
	}
	items := make([]executionResponse, 0, len(records))
	for _, record := range records {
		items = append(items, toExecutionResponse(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
	})
}
