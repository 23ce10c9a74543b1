package handlers

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/automation"
	"github.com/iago/crm-automation/internal/domain"
	"github.com/iago/crm-automation/internal/http/middleware"
	"github.com/iago/crm-automation/internal/logging"
)

var errInvalidPayload = errors.New("invalid payload")

const idempotencyTTL = 24 * time.Hour

// Automation is the inbound surface of the engine.
type Automation interface {
	TriggerEvent(ctx context.Context, event domain.Event) (automation.TriggerResult, error)
	CancelAllFor(ctx context.Context, ref domain.EntityRef) (int, error)
	RuleChanged(ctx context.Context, change automation.RuleChange) (automation.RuleChangeResult, error)
}

type ExecutionReader interface {
	Get(ctx context.Context, id string) (*domain.LedgerRecord, error)
	List(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerRecord, int, error)
}

// HealthCheck reports whether one backing service is reachable.
type HealthCheck func(ctx context.Context) error

type API struct {
	automation  Automation
	executions  ExecutionReader
	checks      map[string]HealthCheck
	idempotency *idempotencyStore
	logger      *zap.SugaredLogger
}

type Dependencies struct {
	Automation Automation
	Executions ExecutionReader
	Checks     map[string]HealthCheck
	Logger     *zap.SugaredLogger
}

func NewAPI(deps Dependencies) *API {
	return &API{
		automation:  deps.Automation,
		executions:  deps.Executions,
		checks:      deps.Checks,
		idempotency: newIdempotencyStore(idempotencyTTL),
		logger:      logging.Component(deps.Logger, "http"),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

func (api *API) internalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	api.logger.Errorw(message,
		logging.FieldRequestID, middleware.GetRequestID(r.Context()),
		logging.FieldError, err,
	)
	writeError(w, r, http.StatusInternalServerError, "internal_error", message)
}

type idempotencyEntry struct {
	PayloadHash uint64
	Response    any
	CreatedAt   time.Time
}

// idempotencyStore replays the response of a request retried with the same
// Idempotency-Key within ttl.
type idempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idempotencyEntry
}

func newIdempotencyStore(ttl time.Duration) *idempotencyStore {
	return &idempotencyStore{
		ttl:     ttl,
		entries: make(map[string]idempotencyEntry),
	}
}

func (s *idempotencyStore) Get(key string) (idempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if ok && time.Since(entry.CreatedAt) > s.ttl {
		delete(s.entries, key)
		return idempotencyEntry{}, false
	}
	return entry, ok
}

func (s *idempotencyStore) Put(key string, payloadHash uint64, response any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for existing, entry := range s.entries {
		if now.Sub(entry.CreatedAt) > s.ttl {
			delete(s.entries, existing)
		}
	}
	s.entries[key] = idempotencyEntry{
		PayloadHash: payloadHash,
		Response:    response,
		CreatedAt:   now,
	}
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}
