/**
 * @description
 * This is the main entry point for the ledger-service. It initializes all
 * components: configuration, the PostgreSQL pool, the RabbitMQ producer,
 * the optional Redis rate limiter, the policy rules, the ledger engine, and
 * the HTTP server, then runs until signalled to shut down gracefully.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and the HTTP server.
 * - github.com/go-chi/chi/v5: HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for rate limiting.
 * - internal/api, internal/app, internal/config, internal/store, pkg/metrics,
 *   pkg/rabbitmq: Internal packages for the service.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/corebank/ledger-service/internal/api"
	"github.com/corebank/ledger-service/internal/app"
	"github.com/corebank/ledger-service/internal/config"
	"github.com/corebank/ledger-service/internal/store"
	"github.com/corebank/ledger-service/pkg/metrics"
	"github.com/corebank/ledger-service/pkg/rabbitmq"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s", cfg.ServerPort)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// The producer is optional: without a broker the ledger keeps working
	// and events are skipped.
	var producer app.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	var limiter app.RateLimiter
	if cfg.CreateRateLimitPerMinute > 0 && cfg.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
			cancelPing()
		}
	}

	repository := store.NewPostgresRepository(dbpool)
	policy := app.NewPolicyRules(app.PolicyConfig{
		TransferFeePercent: decimal.NewFromFloat(cfg.TransferFeePercent),
		PerTransactionCap:  decimal.NewFromFloat(cfg.PerTransactionCap),
		DailyDebitCap:      decimal.NewFromFloat(cfg.DailyDebitCap),
	})
	collector := metrics.NewCollector()

	ledger := app.NewService(repository, policy, producer, limiter, collector, cfg.CreateRateLimitPerMinute)
	handlers := api.NewLedgerHandlers(ledger)

	router := chi.NewRouter()
	router.Mount("/api/v1", api.Routes(handlers, cfg.JWTSecret))
	router.Method(http.MethodGet, "/metrics", collector.Handler())

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
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

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
