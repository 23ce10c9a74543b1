package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/logging"
	"github.com/iago/crm-automation/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Trace logs every request and records its latency. Requests are labelled by
// the matched route pattern to keep metric cardinality bounded.
func Trace(logger *zap.SugaredLogger, m *metrics.Metrics) func(http.Handler) http.Handler {
	logger = logging.Component(logger, "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			duration := time.Since(start)
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			m.RecordHTTPRequest(r.Method, route, recorder.status, duration)
			logger.Debugw("request",
				logging.FieldRequestID, GetRequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.status,
				logging.FieldDurationMS, duration.Milliseconds(),
			)
		})
	}
}
