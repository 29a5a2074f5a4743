package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"example.com/greenpoints/internal/api"
	"example.com/greenpoints/internal/auth"
	"example.com/greenpoints/internal/cache"
	"example.com/greenpoints/internal/config"
	"example.com/greenpoints/internal/consumer"
	"example.com/greenpoints/internal/domain"
	"example.com/greenpoints/internal/notifier"
	"example.com/greenpoints/internal/outbox"
	"example.com/greenpoints/internal/persistence/memory"
	persistence "example.com/greenpoints/internal/persistence/postgres"
	httptransport "example.com/greenpoints/internal/transport/http"
	"example.com/greenpoints/internal/verifier"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := notifier.NewHub()

	var pointsCache domain.PointsCache = cache.NoopPointsCache{}
	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer client.Close()
		pointsCache = cache.NewRedisPointsCache(client, "", cfg.PointsCacheTTL)
	}

	classifier := verifier.NewOpenAIClassifier(verifier.Config{
		BaseURL:     cfg.AIGatewayURL,
		APIKey:      cfg.AIAPIKey,
		Model:       cfg.AIModel,
		Temperature: cfg.AITemperature,
		Timeout:     cfg.AITimeout,
	})
	if cfg.AIAPIKey == "" {
		log.Println("AI_API_KEY not configured, every verification will fail")
	}

	var (
		repo       domain.VerificationRepository
		ledger     domain.Ledger
		ledgerSvc  *domain.LedgerService
		background sync.WaitGroup
		closers    []io.Closer
	)

	if cfg.UsePostgres() {
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		defer pool.Close()

		pg := persistence.NewRepository(pool)
		repo, ledger = pg, pg
		ledgerSvc = domain.NewLedgerService(ledger, domain.WithPointsCache(pointsCache))

		producer := outbox.NewProducer(outbox.ProducerConfig{
			Brokers:          cfg.KafkaBrokers,
			AutoCreateTopics: cfg.KafkaAutoCreate,
		})
		closers = append(closers, producer)
		dispatcher := outbox.NewDispatcher(pool, producer,
			outbox.NewSchemaRegistry(cfg.SchemaRegistryURL, 10*time.Second),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
		)
		background.Add(1)
		go func() {
			defer background.Done()
			dispatcher.Run(ctx)
		}()

		// Every instance holds its own subscribers, so each one reads the full topic.
		groupID := instanceGroupID(cfg.ConsumerGroupID)
		reader := consumer.NewKafkaReader(cfg.KafkaBrokers, groupID, cfg.LedgerTopic)
		closers = append(closers, reader)
		proc := consumer.NewProcessor(reader, consumer.NewLedgerEventHandler(ledgerSvc, hub))
		background.Add(1)
		go func() {
			defer background.Done()
			log.Printf("ledger consumer started (topic=%s, group=%s)", cfg.LedgerTopic, groupID)
			if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("ledger consumer stopped with error: %v", err)
			}
		}()
	} else {
		log.Println("POSTGRES_URL not set, using in-memory store")
		store := memory.NewStore(memory.WithAppendHook(func(entry domain.LedgerEntry) {
			if err := ledgerSvc.Invalidate(ctx, entry.UserID); err != nil {
				log.Printf("points cache invalidate failed user=%s: %v", entry.UserID, err)
			}
			hub.Publish(entry)
		}))
		repo, ledger = store, store
		ledgerSvc = domain.NewLedgerService(ledger, domain.WithPointsCache(pointsCache))
	}

	service := domain.NewService(repo, classifier, domain.WithTotalInvalidator(ledgerSvc))
	handler := api.NewHandler(service, ledgerSvc, hub)
	router := api.NewRouter(handler, api.RouterConfig{
		Auth:           auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience},
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RequestTimeout: cfg.AITimeout + 15*time.Second,
	})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.AITimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}, router)
	server.RegisterOnShutdown(handler.CloseStreams)

	log.Printf("greenpoints api listening on %s", cfg.HTTPAddress)
	if err := httptransport.Serve(ctx, server, cfg.ShutdownTimeout); err != nil {
		log.Printf("server stopped: %v", err)
	}
	stop()

	background.Wait()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Printf("close failed: %v", err)
		}
	}
}

func instanceGroupID(base string) string {
	if base == "" {
		base = "greenpoints-notifier"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = fmt.Sprintf("pid-%d", os.Getpid())
	}
	return base + "-" + host
}
