/**
 * @description
 * Entry point for the gas-sponsor-service. It loads configuration, connects
 * storage, the Solana RPC node, the custodial signer, Redis and RabbitMQ,
 * and starts the HTTP API alongside the background settlement jobs.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: sponsor rate limiting.
 * - github.com/joho/godotenv: .env loading for local development.
 * - internal/api, internal/app, internal/config, internal/store: service packages.
 * - pkg/solanaclient, pkg/signerclient, pkg/rabbitmq: external clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/gas-sponsor-service/internal/api"
	"github.com/transfa/gas-sponsor-service/internal/app"
	"github.com/transfa/gas-sponsor-service/internal/config"
	"github.com/transfa/gas-sponsor-service/internal/ledger"
	"github.com/transfa/gas-sponsor-service/internal/sponsor"
	"github.com/transfa/gas-sponsor-service/internal/store"
	"github.com/transfa/gas-sponsor-service/internal/verify"
	"github.com/transfa/gas-sponsor-service/pkg/rabbitmq"
	"github.com/transfa/gas-sponsor-service/pkg/signerclient"
	"github.com/transfa/gas-sponsor-service/pkg/solanaclient"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid configuration\" err=%v", err)
	}
	feePayer, err := cfg.FeePayer()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"fee payer key invalid\" err=%v", err)
	}
	mint, err := cfg.Mint()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"mint invalid\" err=%v", err)
	}
	treasury, err := cfg.Treasury()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"treasury invalid\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting gas-sponsor-service\" port=%s network=%s fee_payer=%s treasury=%s", cfg.ServerPort, cfg.SolanaNetwork, feePayer.PublicKey(), treasury)

	repository, closeStore := openStore(cfg)
	defer closeStore()

	creditLedger := ledger.New(repository, cfg.EventExchange)
	chain := solanaclient.New(cfg.SolanaRPCURL)

	verifier := verify.NewVerifier(chain,
		verify.WithStrategies(verify.DefaultStrategies(cfg.AllowHeuristicVerification)...),
		verify.WithRetryPolicy(verify.RetryPolicy{
			MaxAttempts:  cfg.VerifyMaxAttempts,
			InitialDelay: cfg.VerifyInitialDelay(),
			RetryDelay:   cfg.VerifyRetryDelay(),
		}),
	)
	if cfg.AllowHeuristicVerification {
		log.Println("level=warn component=bootstrap msg=\"heuristic payment verification enabled\"")
	}

	signer := signerclient.NewClient(cfg.SignerAPIBaseURL, cfg.SignerAPIKey)
	sponsorService := sponsor.New(chain, signer, creditLedger, sponsor.Config{
		FeePayer:       feePayer,
		CreditCost:     cfg.SponsorCreditCost,
		Network:        cfg.SolanaNetwork,
		SignerTimeout:  cfg.SignerTimeout(),
		ConfirmTimeout: cfg.ConfirmTimeout(),
	})

	var limiter app.SponsorLimiter
	if redisClient := connectRedis(cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		limiter = app.NewRedisSponsorLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.SponsorRateLimitPerMinute)
	}

	creditService := app.NewCreditService(
		repository,
		creditLedger,
		verifier,
		sponsorService,
		limiter,
		app.TreasuryConfig{
			TokenAccount:     treasury,
			Mint:             mint,
			Network:          cfg.SolanaNetwork,
			MinPaymentAmount: cfg.MinPaymentAmount,
		},
	)

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	newPublisher := func() (rabbitmq.Publisher, error) {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; outbox events will be logged and dropped\" env=RABBITMQ_URL")
		newPublisher = func() (rabbitmq.Publisher, error) {
			return &rabbitmq.EventProducerFallback{}, nil
		}
	}
	dispatcher := app.NewOutboxDispatcher(repository, newPublisher)
	go dispatcher.Run(rootCtx)

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; payment events disabled\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			paymentConsumer := app.NewPaymentSubmittedConsumer(creditService)
			subscription := paymentConsumer.Subscription(cfg.EventExchange, cfg.PaymentEventQueue)
			if err := rabbitConsumer.Subscribe(rootCtx, subscription); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"payment consumer start failed\" err=%v", err)
			}
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(
		app.NewSponsorshipReconciler(repository, creditLedger, chain, cfg.ReconcileMinAge()),
		app.NewVerificationJobWorker(repository, creditService, cfg.VerificationJobMaxAttempts),
		logger,
		app.ScheduleConfig{
			ReconcileSchedule:       cfg.ReconcileSchedule,
			VerificationJobSchedule: cfg.VerificationJobSchedule,
		},
	)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	handlers := api.NewHandlers(creditService)
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: api.NewRouter(handlers, cfg.JWTSecret, cfg.AllowedOrigins()),
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()
	stopBackground()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func openStore(cfg config.Config) (store.Repository, func()) {
	if cfg.StoreDriver == "memory" {
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; data is lost on restart\"")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repository := store.NewPostgresRepository(dbpool)
	schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := repository.EnsureSchema(schemaCtx); err != nil {
		dbpool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
	}
	return repository, dbpool.Close
}

func connectRedis(redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; sponsor rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; sponsor rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; sponsor rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
