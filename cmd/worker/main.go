package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/journey/internal/config"
	"example.com/journey/internal/correlation"
	"example.com/journey/internal/ingest"
	"example.com/journey/internal/stitch"
	"example.com/journey/internal/store/postgres"
	"example.com/journey/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	journeys := postgres.NewStore(pool)
	index := correlation.NewIndex(journeys, cfg.MaxSupersededHops)
	deadLetters := ingest.NewDeadLetterWriter(pool)

	coordinator := stitch.NewCoordinator(journeys, journeys, index, deadLetters,
		stitch.WithRetryPolicy(stitch.RetryPolicy{
			MaxAttempts: uint64(cfg.CASMaxAttempts),
			BaseDelay:   cfg.CASBaseDelay,
		}))

	runner := worker.NewRunner(journeys, coordinator, worker.Config{
		PollInterval: cfg.WorkerPollInterval,
		BatchSize:    cfg.WorkerBatchSize,
		BatchBudget:  cfg.BatchBudget,
	})

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}

	go func() {
		log.Printf("worker metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("journey-worker started (poll=%s, batch=%d)", cfg.WorkerPollInterval, cfg.WorkerBatchSize)
	go runner.Start(ctx)

	<-stop
	log.Println("worker shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	runner.Wait()
}
