package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"call-insights-go/internal/api"
	"call-insights-go/internal/app"
	"call-insights-go/internal/config"
	"call-insights-go/internal/logger"
)

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "call-insights-api").Info("starting service")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize")
	}
	defer a.Close()

	// an in-memory queue only exists inside this process, so the workers
	// have to run here too
	var workers sync.WaitGroup
	var workerErr error
	if cfg.QueueBackend == config.BackendMemory {
		log.Info("memory queue backend: running stage workers in-process")
		workers.Add(1)
		go func() {
			defer workers.Done()
			if workerErr = a.RunWorkers(ctx); workerErr != nil {
				log.WithError(workerErr).Error("stage workers stopped, shutting down")
				stop()
			}
		}()
	}

	server := api.NewServer(api.Deps{
		Intake:    a.Intake,
		Trigger:   a.Trigger,
		Store:     a.Store,
		Retrieval: a.Retrieval,
		Metrics:   a.Metrics,
		Log:       log,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("graceful shutdown failed")
		}
	}()

	log.WithField("addr", addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server terminated")
	}
	stop()
	workers.Wait()
	if workerErr != nil {
		a.Close()
		os.Exit(1)
	}
	log.Info("server stopped")
}
