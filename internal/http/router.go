package httpserver

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/http/handlers"
	"github.com/iago/crm-automation/internal/http/middleware"
	"github.com/iago/crm-automation/internal/metrics"
)

type RouterDependencies struct {
	API            *handlers.API
	Metrics        *metrics.Metrics
	Logger         *zap.SugaredLogger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.Handle("/metrics", deps.Metrics.Handler())
	mux.HandleFunc("/v1/events", deps.API.Events)
	mux.HandleFunc("/v1/entities/cancel", deps.API.CancelEntity)
	mux.HandleFunc("/v1/rules/changes", deps.API.RuleChanges)
	mux.HandleFunc("/v1/executions", deps.API.Executions)
	mux.HandleFunc("/v1/executions/", deps.API.Execution)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger, deps.Metrics)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
