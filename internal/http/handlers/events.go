package handlers

import (
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/iago/crm-automation/internal/automation"
	"github.com/iago/crm-automation/internal/domain"
	"github.com/iago/crm-automation/internal/http/middleware"
	"github.com/iago/crm-automation/internal/logging"
)

type eventRequest struct {
	CompanyID int64            `json:"company_id"`
	Entity    domain.EntityRef `json:"entity"`
	Kind      domain.EventKind `json:"kind"`
	ColumnID  int64            `json:"column_id,omitempty"`
	Status    string           `json:"status,omitempty"`
	ServiceID int64            `json:"service_id,omitempty"`
}

type cancelRequest struct {
	Entity domain.EntityRef `json:"entity"`
}

// Events accepts "entity changed" notifications and schedules the matching
// automations.
func (api *API) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	var request eventRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	key := idempotencyKey(r)
	payloadHash := hashPayload(request)
	if key != "" {
		if entry, exists := api.idempotency.Get(key); exists {
			if entry.PayloadHash != payloadHash {
				writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
				return
			}
			writeJSON(w, http.StatusOK, entry.Response)
			return
		}
	}

	result, err := api.automation.TriggerEvent(r.Context(), domain.Event{
		CompanyID: request.CompanyID,
		Entity:    request.Entity,
		Kind:      request.Kind,
		ColumnID:  request.ColumnID,
		Status:    request.Status,
		ServiceID: request.ServiceID,
	})
	if err != nil {
		if errors.Is(err, automation.ErrInvalidEvent) {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		// Retrying is safe: column triggers map to the same ledger records.
		api.logger.Errorw("event scheduling failed",
			logging.FieldRequestID, middleware.GetRequestID(r.Context()),
			logging.FieldCompanyID, request.CompanyID,
			logging.FieldEntityKind, request.Entity.Kind,
			logging.FieldEntityID, request.Entity.ID,
			"scheduled", len(result.Scheduled),
			logging.FieldError, err,
		)
		writeError(w, r, http.StatusInternalServerError, "scheduling_failed", "one or more automations could not be scheduled")
		return
	}

	if key != "" {
		api.idempotency.Put(key, payloadHash, result)
	}
	writeJSON(w, http.StatusOK, result)
}

// CancelEntity cancels every pending automation of an entity, typically
// after it was deleted upstream.
func (api *API) CancelEntity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	var request cancelRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if !request.Entity.Kind.Valid() || request.Entity.ID <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "entity kind and id are required")
		return
	}

	cancelled, err := api.automation.CancelAllFor(r.Context(), request.Entity)
	if err != nil {
		api.internalError(w, r, "failed to cancel automations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity":    request.Entity,
		"cancelled": cancelled,
	})
}
