package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/iago/crm-automation/internal/http"
	"github.com/iago/crm-automation/internal/http/handlers"
	"github.com/iago/crm-automation/internal/logging"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the automation workers and the retention sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a := newApp(ctx, cfg, logger)
			defer a.close()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	api := handlers.NewAPI(handlers.Dependencies{
		Automation: a.engine,
		Executions: a.stores.ledger,
		Checks:     a.healthChecks(),
		Logger:     a.logger,
	})
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Metrics:        a.metrics,
		Logger:         a.logger,
		AuthToken:      a.cfg.AuthToken,
		CORSOrigins:    a.cfg.CORSAllowedOrigins,
		RateLimitRPS:   a.cfg.RateLimitRPS,
		RateLimitBurst: a.cfg.RateLimitBurst,
	})

	var workers sync.WaitGroup
	if a.cfg.WorkerEnabled {
		workers.Add(1)
		go func() {
			defer workers.Done()
			a.processor.Run(ctx, a.queues.consumer, a.cfg.WorkerConcurrency)
		}()
		a.logger.Infow("workers started", "concurrency", a.cfg.WorkerConcurrency)
	} else {
		a.logger.Infow("workers disabled by configuration")
	}

	if err := a.sweeper.Start(a.cfg.SweepCron); err != nil {
		return err
	}
	defer a.sweeper.Stop()

	server := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		a.logger.Infow("api listening", "port", a.cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Infow("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Errorw("server failed", logging.FieldError, err)
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Errorw("graceful shutdown failed", logging.FieldError, err)
	}
	workers.Wait()
	return serveErr
}
