package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"example.com/greenpoints/internal/config"
	"example.com/greenpoints/internal/outbox"
	httptransport "example.com/greenpoints/internal/transport/http"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	if !cfg.UsePostgres() {
		log.Fatal("POSTGRES_URL is required: the dead-letter table lives in postgres")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	replayer := outbox.NewReplayer(pool,
		outbox.WithMaxRetries(cfg.DLQMaxRetries),
		outbox.WithBaseDelay(cfg.DLQBaseDelay),
	)

	metricsDone := make(chan struct{})
	go func() {
		defer close(metricsDone)
		log.Printf("dlq replayer metrics listening on %s", cfg.MetricsAddress)
		if err := httptransport.Serve(ctx, httptransport.NewMetricsServer(cfg.MetricsAddress), 5*time.Second); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	log.Printf("ledger dlq replayer started (interval=%s, maxRetries=%d, batch=%d)", cfg.DLQPollInterval, cfg.DLQMaxRetries, cfg.DLQBatchSize)

	ticker := time.NewTicker(cfg.DLQPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("dlq replayer shutting down")
			<-metricsDone
			return
		case <-ticker.C:
			stats, err := replayer.RunOnce(ctx, cfg.DLQBatchSize)
			if err != nil {
				log.Printf("dlq replay failed: %v", err)
				continue
			}
			if stats.Total() > 0 {
				log.Printf("dlq replay requeued=%d rescheduled=%d quarantined=%d", stats.Requeued, stats.Rescheduled, stats.Quarantined)
			}
		}
	}
}
