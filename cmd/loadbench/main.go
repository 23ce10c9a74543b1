package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/automation"
	"github.com/iago/crm-automation/internal/cache"
	"github.com/iago/crm-automation/internal/catalog"
	"github.com/iago/crm-automation/internal/domain"
	httpserver "github.com/iago/crm-automation/internal/http"
	"github.com/iago/crm-automation/internal/http/handlers"
	"github.com/iago/crm-automation/internal/metrics"
	"github.com/iago/crm-automation/internal/notify"
	"github.com/iago/crm-automation/internal/queue"
	"github.com/iago/crm-automation/internal/repository"
	"github.com/iago/crm-automation/internal/worker"
)

const (
	benchCompanyID  int64 = 1
	entryColumnID   int64 = 10
	nextColumnID    int64 = 11
	benchLeadsCount       = 64
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type drainResult struct {
	Completed int     `json:"completed"`
	Pending   int     `json:"pending"`
	WaitedMS  float64 `json:"waited_ms"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	Drain          drainResult      `json:"drain"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server *httptest.Server
	ledger *repository.MemoryLedger
	cancel context.CancelFunc
}

func main() {
	columnTotal := flag.Int("column-total", 400, "total column_changed events")
	columnConcurrency := flag.Int("column-concurrency", 32, "concurrency for column_changed events")
	invoiceTotal := flag.Int("invoice-total", 200, "total invoice_status_changed events")
	invoiceConcurrency := flag.Int("invoice-concurrency", 16, "concurrency for invoice events")
	listTotal := flag.Int("list-total", 200, "total execution list requests")
	listConcurrency := flag.Int("list-concurrency", 16, "concurrency for execution list requests")
	drainTimeout := flag.Duration("drain-timeout", 10*time.Second, "how long to wait for instant automations to fire")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env := startBenchmarkEnvironment()
	defer env.cancel()
	defer env.server.Close()

	client := &http.Client{Timeout: 10 * time.Second}
	var idCounter int64

	columnScenario := runScenario("events_column_changed", *columnTotal, *columnConcurrency, func(index int) error {
		payload := map[string]any{
			"company_id": benchCompanyID,
			"entity":     map[string]any{"kind": domain.EntityLead, "id": leadID(index)},
			"kind":       domain.EventColumnChanged,
			"column_id":  entryColumnID,
		}
		var headers map[string]string
		if index%2 == 0 {
			requestID := atomic.AddInt64(&idCounter, 1)
			headers = map[string]string{
				"Idempotency-Key": fmt.Sprintf("column-%d-%d", requestID, time.Now().UnixNano()),
			}
		}
		return postJSON(client, env.server.URL+"/v1/events", payload, headers, http.StatusOK)
	})

	invoiceScenario := runScenario("events_invoice_status", *invoiceTotal, *invoiceConcurrency, func(index int) error {
		payload := map[string]any{
			"company_id": benchCompanyID,
			"entity":     map[string]any{"kind": domain.EntityInvoice, "id": int64(index%32) + 1},
			"kind":       domain.EventInvoiceStatusChanged,
			"status":     "overdue",
		}
		return postJSON(client, env.server.URL+"/v1/events", payload, nil, http.StatusOK)
	})

	listScenario := runScenario("executions_list", *listTotal, *listConcurrency, func(index int) error {
		query := fmt.Sprintf(
			"%s/v1/executions?entity_kind=lead&entity_id=%d&page=1&page_size=20",
			env.server.URL,
			leadID(index),
		)
		return getJSON(client, query, http.StatusOK)
	})

	drain := waitForDrain(env.ledger, *drainTimeout)
	results := []scenarioResult{columnScenario, invoiceScenario, listScenario}

	slo := map[string]bool{
		"events_p95_le_250ms":          columnScenario.P95MS <= 250 && invoiceScenario.P95MS <= 250,
		"executions_list_p95_le_100ms": listScenario.P95MS <= 100,
		"instant_automations_drained":  drain.Pending == 0,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        results,
		Drain:          drain,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}

	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func leadID(index int) int64 {
	return int64(index%benchLeadsCount) + 1
}

func int64Ptr(value int64) *int64 {
	return &value
}

// startBenchmarkEnvironment wires the in-memory stack with one delayed move
// per lead, one instant tag per lead and one delayed invoice reminder.
func startBenchmarkEnvironment() *benchmarkEnv {
	ctx, cancel := context.WithCancel(context.Background())
	logger := zap.NewNop().Sugar()
	m := metrics.New()

	rules := repository.NewMemoryRuleStore(
		&domain.PipelineRule{
			RuleBase: domain.RuleBase{
				ID:             1,
				CompanyID:      benchCompanyID,
				TargetColumnID: int64Ptr(nextColumnID),
				DelaySeconds:   3600,
			},
			SourceColumns: []int64{entryColumnID},
		},
		&domain.TagRule{
			RuleBase:      domain.RuleBase{ID: 2, CompanyID: benchCompanyID, DelaySeconds: domain.DelayInstant},
			SourceColumns: []int64{entryColumnID},
			TagID:         7,
		},
		&domain.InvoiceRule{
			RuleBase: domain.RuleBase{ID: 3, CompanyID: benchCompanyID, DelaySeconds: 86400},
			Statuses: []string{"overdue"},
			Message:  domain.Message{Channel: domain.ChannelEmail, Subject: "Invoice overdue", Body: "Your invoice is overdue."},
		},
	)
	entities := repository.NewMemoryEntityStore()
	for i := int64(1); i <= benchLeadsCount; i++ {
		entities.Put(domain.Entity{
			Ref:       domain.EntityRef{Kind: domain.EntityLead, ID: i},
			CompanyID: benchCompanyID,
			ColumnID:  entryColumnID,
			Contact:   domain.Contact{Name: fmt.Sprintf("Lead %d", i), Email: fmt.Sprintf("lead%d@example.com", i)},
		})
	}
	ledger := repository.NewMemoryLedger()
	calendars := repository.NewMemoryCalendarStore()
	localQueue := queue.NewLocalQueue(8192, 3, logger)

	ruleCatalog := catalog.New(catalog.Dependencies{
		Store:   rules,
		Cache:   cache.NewMemoryRuleCache(cache.Config{TTL: time.Minute, MaxEntries: 1000}),
		Metrics: m,
		Logger:  logger,
	})
	scheduler := automation.NewScheduler(automation.SchedulerDependencies{
		Ledger:    ledger,
		Producer:  localQueue,
		Calendars: calendars,
		Metrics:   m,
		Logger:    logger,
	})
	cascade := automation.NewCascade(ruleCatalog, scheduler, automation.CascadeConfig{}, m, logger)
	engine := automation.NewEngine(automation.EngineDependencies{
		Rules:     ruleCatalog,
		Entities:  entities,
		Ledger:    ledger,
		Remover:   localQueue,
		Scheduler: scheduler,
		Logger:    logger,
	})
	processor := worker.NewProcessor(worker.Dependencies{
		Ledger:    ledger,
		Rules:     ruleCatalog,
		Entities:  entities,
		Calendars: calendars,
		Notifier: notify.NewRouter(map[domain.Channel]notify.Notifier{
			domain.ChannelEmail: notify.NewEmailNotifier("bench@example.com", "Bench", "", logger),
		}),
		Producer: localQueue,
		Cascade:  cascade,
		Metrics:  m,
		Logger:   logger,
	})
	go processor.Run(ctx, localQueue, 4)

	api := handlers.NewAPI(handlers.Dependencies{
		Automation: engine,
		Executions: ledger,
		Logger:     logger,
	})
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Metrics:        m,
		Logger:         logger,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	return &benchmarkEnv{
		server: httptest.NewServer(router),
		ledger: ledger,
		cancel: cancel,
	}
}

// waitForDrain polls until no instant automation is left pending. Delayed
// rules stay pending for the whole run and are not counted.
func waitForDrain(ledger *repository.MemoryLedger, timeout time.Duration) drainResult {
	startedAt := time.Now()
	deadline := startedAt.Add(timeout)
	ctx := context.Background()
	tagRule := domain.RuleRef{Domain: domain.DomainTag, ID: 2}

	for {
		_, pending, err := ledger.List(ctx, domain.LedgerFilter{Rule: &tagRule, Status: domain.StatusPending, PageSize: 1})
		if err != nil {
			log.Printf("drain poll failed: %v", err)
		}
		if pending == 0 || time.Now().After(deadline) {
			_, completed, _ := ledger.List(ctx, domain.LedgerFilter{Rule: &tagRule, Status: domain.StatusCompleted, PageSize: 1})
			return drainResult{
				Completed: completed,
				Pending:   pending,
				WaitedMS:  round2(float64(time.Since(startedAt).Microseconds()) / 1000.0),
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postJSON(
	client *http.Client,
	url string,
	payload any,
	headers map[string]string,
	expectedStatus int,
) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	return expectStatus(client, request, expectedStatus)
}

func getJSON(client *http.Client, url string, expectedStatus int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	return expectStatus(client, request, expectedStatus)
}

func expectStatus(client *http.Client, request *http.Request, expectedStatus int) error {
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
