package handlers

import (
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/iago/crm-automation/internal/automation"
	"github.com/iago/crm-automation/internal/domain"
)

// RuleChanges is called by the rule CRUD surface after every write.
func (api *API) RuleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	var request automation.RuleChange
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if request.RuleID <= 0 || request.CompanyID <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "rule_id and company_id are required")
		return
	}

	result, err := api.automation.RuleChanged(r.Context(), request)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownRuleDomain) {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "unknown rule domain")
			return
		}
		api.internalError(w, r, "failed to apply rule change", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
