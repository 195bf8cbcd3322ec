package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callbridge/internal/app"
	"callbridge/internal/config"
	"callbridge/internal/logger"
	"callbridge/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logr, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logr.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	deps, err := app.Build(ctx, cfg, logr)
	if err != nil {
		logr.Fatalw("init dependencies", "error", err)
	}
	defer deps.Close()

	r, err := deps.Runner(ctx)
	if err != nil {
		logr.Fatalw("init runner", "error", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Warnw("metrics server stopped", "error", err)
		}
	}()

	if err := r.RefreshCredentials(ctx); err != nil {
		logr.Warnw("initial credential refresh failed", "error", err)
	}
	if err := r.Start(); err != nil {
		logr.Fatalw("start runner", "error", err)
	}
	logr.Infow("runner started",
		"batch_size", cfg.RunnerBatchSize,
		"due_spec", cfg.DueSpec,
		"timezone", cfg.Timezone,
		"services", deps.Clients.Services(),
	)

	<-ctx.Done()
	logr.Infow("stopping runner, waiting for running jobs")
	select {
	case <-r.Stop().Done():
	case <-time.After(cfg.RunnerJobTimeout):
		logr.Warnw("runner jobs still running at shutdown deadline")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
