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

	if cfg.RunnerEmbedded {
		r, err := deps.Runner(ctx)
		if err != nil {
			logr.Fatalw("init runner", "error", err)
		}
		if err := r.RefreshCredentials(ctx); err != nil {
			logr.Warnw("initial credential refresh failed", "error", err)
		}
		if err := r.Start(); err != nil {
			logr.Fatalw("start runner", "error", err)
		}
		defer func() { <-r.Stop().Done() }()
		logr.Infow("runner embedded in api process")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           deps.API().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logr.Infow("api listening", "port", cfg.HTTPPort, "env", cfg.Env, "timezone", cfg.Timezone)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logr.Warnw("http shutdown", "error", err)
	}
	logr.Infow("api stopped")
}
