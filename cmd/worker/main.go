package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"call-insights-go/internal/app"
	"call-insights-go/internal/config"
	"call-insights-go/internal/logger"
)

func main() {
	_ = godotenv.Load()

	log := logger.New()
	log.WithField("service", "call-insights-worker").Info("starting workers")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if cfg.QueueBackend == config.BackendMemory {
		log.Warn("memory queue backend: this process only sees work it enqueues itself")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize")
	}
	runErr := a.RunWorkers(ctx)

	snap := a.Metrics.Snapshot()
	for _, op := range snap.OperationNames() {
		m := snap.Operations[op]
		log.WithField("operation", op).
			WithField("count", m.Count).
			WithField("errors", m.Errors).
			WithField("avg_ms", m.AvgTimeMs).
			Info("operation summary")
	}
	if err := a.Close(); err != nil {
		log.WithError(err).Warn("failed to close backends")
	}
	if runErr != nil {
		log.WithError(runErr).Error("workers stopped on error")
		os.Exit(1)
	}
	log.WithField("total_cost_usd", snap.TotalCostUSD).Info("workers stopped")
}
