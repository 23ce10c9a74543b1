package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/crm-automation/internal/automation"
	"github.com/iago/crm-automation/internal/catalog"
	"github.com/iago/crm-automation/internal/domain"
	"github.com/iago/crm-automation/internal/http/handlers"
	"github.com/iago/crm-automation/internal/metrics"
	"github.com/iago/crm-automation/internal/repository"
)

const testToken = "test-token"

type discardQueue struct{}

func (discardQueue) Enqueue(context.Context, domain.DeferredJob) error { return nil }
func (discardQueue) Remove(context.Context, string) error              { return nil }

type server struct {
	handler  http.Handler
	rules    *repository.MemoryRuleStore
	entities *repository.MemoryEntityStore
	ledger   *repository.MemoryLedger
}

func newServer(t *testing.T, checks map[string]handlers.HealthCheck) *server {
	t.Helper()
	s := &server{
		rules: repository.NewMemoryRuleStore(
			&domain.PipelineRule{
				RuleBase:      domain.RuleBase{ID: 1, CompanyID: 1, DelaySeconds: 3600},
				SourceColumns: []int64{10},
			},
		),
		entities: repository.NewMemoryEntityStore(),
		ledger:   repository.NewMemoryLedger(),
	}
	changedAt := time.Date(2024, time.June, 7, 12, 0, 0, 0, time.UTC)
	s.entities.Put(domain.Entity{
		Ref:             domain.EntityRef{Kind: domain.EntityLead, ID: 42},
		CompanyID:       1,
		ColumnID:        10,
		ColumnChangedAt: &changedAt,
	})

	m := metrics.New()
	cat := catalog.New(catalog.Dependencies{Store: s.rules, Metrics: m})
	scheduler := automation.NewScheduler(automation.SchedulerDependencies{
		Ledger:   s.ledger,
		Producer: discardQueue{},
		Metrics:  m,
	})
	engine := automation.NewEngine(automation.EngineDependencies{
		Rules:     cat,
		Entities:  s.entities,
		Ledger:    s.ledger,
		Remover:   discardQueue{},
		Scheduler: scheduler,
	})
	api := handlers.NewAPI(handlers.Dependencies{
		Automation: engine,
		Executions: s.ledger,
		Checks:     checks,
	})
	s.handler = NewRouter(RouterDependencies{
		API:       api,
		Metrics:   m,
		AuthToken: testToken,
	})
	return s
}

func (s *server) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer "+testToken)
	request.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		request.Header.Set(headers[i], headers[i+1])
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func columnEvent() map[string]any {
	return map[string]any{
		"company_id": 1,
		"entity":     map[string]any{"kind": "lead", "id": 42},
		"kind":       "column_changed",
		"column_id":  10,
	}
}

func TestEventsSchedulesAndExecutionsAreInspectable(t *testing.T) {
	s := newServer(t, nil)

	recorder := s.do(t, http.MethodPost, "/v1/events", columnEvent())
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	body := decode(t, recorder)
	assert.Equal(t, true, body["matched"])
	scheduled := body["scheduled"].([]any)
	require.Len(t, scheduled, 1)
	ledgerID := scheduled[0].(map[string]any)["ledger_id"].(string)

	recorder = s.do(t, http.MethodGet, "/v1/executions/"+ledgerID, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	execution := decode(t, recorder)
	assert.Equal(t, "PENDING", execution["status"])
	assert.Equal(t, "2024-06-07T13:00:00Z", execution["execute_at"])

	recorder = s.do(t, http.MethodGet, "/v1/executions?entity_kind=lead&entity_id=42&status=pending", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	list := decode(t, recorder)
	assert.Equal(t, float64(1), list["total"])
}

func TestEventsWithoutMatchReturnsEmptyList(t *testing.T) {
	s := newServer(t, nil)
	event := columnEvent()
	event["column_id"] = 99

	recorder := s.do(t, http.MethodPost, "/v1/events", event)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"scheduled":[],"matched":false}`, recorder.Body.String())
}

func TestEventsValidation(t *testing.T) {
	s := newServer(t, nil)

	event := columnEvent()
	event["kind"] = "archived"
	recorder := s.do(t, http.MethodPost, "/v1/events", event)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	event = columnEvent()
	event["unexpected"] = true
	recorder = s.do(t, http.MethodPost, "/v1/events", event)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = s.do(t, http.MethodGet, "/v1/events", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
	assert.Equal(t, "method_not_allowed", decode(t, recorder)["error"].(map[string]any)["code"])
}

func TestEventsIdempotencyKeyReplaysResponse(t *testing.T) {
	s := newServer(t, nil)

	first := s.do(t, http.MethodPost, "/v1/events", columnEvent(), "Idempotency-Key", "evt-0001")
	require.Equal(t, http.StatusOK, first.Code)
	second := s.do(t, http.MethodPost, "/v1/events", columnEvent(), "Idempotency-Key", "evt-0001")
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	other := columnEvent()
	other["column_id"] = 11
	conflict := s.do(t, http.MethodPost, "/v1/events", other, "Idempotency-Key", "evt-0001")
	assert.Equal(t, http.StatusConflict, conflict.Code)
}

func TestCancelEntity(t *testing.T) {
	s := newServer(t, nil)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/events", columnEvent()).Code)

	recorder := s.do(t, http.MethodPost, "/v1/entities/cancel", map[string]any{
		"entity": map[string]any{"kind": "lead", "id": 42},
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, float64(1), decode(t, recorder)["cancelled"])

	recorder = s.do(t, http.MethodPost, "/v1/entities/cancel", map[string]any{
		"entity": map[string]any{"kind": "deal", "id": 42},
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestRuleChanges(t *testing.T) {
	s := newServer(t, nil)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/events", columnEvent()).Code)

	s.rules.Delete(domain.RuleRef{Domain: domain.DomainPipeline, ID: 1})
	recorder := s.do(t, http.MethodPost, "/v1/rules/changes", map[string]any{
		"domain":     "pipeline",
		"rule_id":    1,
		"company_id": 1,
		"deleted":    true,
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, float64(1), decode(t, recorder)["cancelled"])

	recorder = s.do(t, http.MethodPost, "/v1/rules/changes", map[string]any{
		"domain": "billing", "rule_id": 1, "company_id": 1,
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestExecutionNotFound(t *testing.T) {
	s := newServer(t, nil)
	recorder := s.do(t, http.MethodGet, "/v1/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = s.do(t, http.MethodGet, "/v1/executions?entity_kind=lead", nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestAPIRequiresToken(t *testing.T) {
	s := newServer(t, nil)
	request := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(`{}`))
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t, map[string]handlers.HealthCheck{
		"ledger": func(context.Context) error { return nil },
	})
	recorder := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "ok", decode(t, recorder)["status"])

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/events", columnEvent()).Code)
	recorder = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "automation_executions_scheduled_total")
	assert.Contains(t, recorder.Body.String(), `path="/v1/events"`)

	degraded := newServer(t, map[string]handlers.HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	recorder = degraded.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Equal(t, "degraded", decode(t, recorder)["status"])
}
