package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/AfshinJalili/gowallet/libs/health"
	"github.com/AfshinJalili/gowallet/libs/httpmiddleware"
	"github.com/AfshinJalili/gowallet/libs/kafka"
	"github.com/AfshinJalili/gowallet/libs/logging"
	"github.com/AfshinJalili/gowallet/libs/metrics"
	"github.com/AfshinJalili/gowallet/libs/mongoclient"
	"github.com/AfshinJalili/gowallet/libs/postgres"
	"github.com/AfshinJalili/gowallet/libs/redisclient"
	"github.com/AfshinJalili/gowallet/libs/trace"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/cache"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/config"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/consumer"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/currency"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/deposit"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/reconciler"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/service"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	walletMetrics := service.NewMetrics(registry)
	reconcilerMetrics := reconciler.NewMetrics(registry)
	depositMetrics := deposit.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	rdb, err := redisclient.New(startCtx, cfg.Redis)
	if err != nil {
		logger.Error("redis connection failed", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	pool, err := postgres.Connect(startCtx, cfg.Postgres)
	if err != nil {
		logger.Error("postgres connection failed", "host", cfg.Postgres.Host, "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := storage.Migrate(startCtx, pool); err != nil {
		logger.Error("postgres migration failed", "error", err)
		os.Exit(1)
	}

	mongoClient, mongoDB, err := mongoclient.Connect(startCtx, cfg.Mongo)
	if err != nil {
		logger.Error("mongo connection failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = mongoClient.Disconnect(context.Background())
	}()

	store := storage.New(pool, logger)
	wallets := storage.NewWalletStore(mongoDB)
	if err := wallets.Migrate(startCtx); err != nil {
		logger.Error("mongo index creation failed", "error", err)
		os.Exit(1)
	}

	currencies := currency.NewRegistry(store)
	if err := currencies.Load(startCtx); err != nil {
		logger.Error("currency registry load failed", "error", err)
		os.Exit(1)
	}
	logger.Info("currency registry loaded", "currencies", currencies.Size())

	mutator := cache.NewMutator(rdb,
		cache.WithStream(cfg.Ledger.Stream),
		cache.WithScale(cfg.Ledger.Scale),
		cache.WithIdempotencyTTL(cfg.Ledger.IdempotencyTTL),
	)
	balances := cache.NewBalanceCache(rdb, cfg.Ledger.Scale)
	stream := cache.NewStream(rdb, cache.StreamConfig{
		Name:     cfg.Ledger.Stream,
		Group:    cfg.Ledger.Group,
		Consumer: cfg.Ledger.Consumer,
	})

	ready.AddCheck("redis", balances.Ping)
	ready.AddCheck("postgres", store.Ping)
	ready.AddCheck("mongo", wallets.Ping)
	if cfg.Currency.RefreshInterval > 0 {
		ready.AddCheck("currency_registry", currencies.FreshnessCheck(3*cfg.Currency.RefreshInterval))
	}

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	publisher := kafka.Publisher(producer)
	if cfg.Kafka.Topics.DeadLetter != "" {
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
	}

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	consumerGroup.
		WithDLQ(producer, cfg.Kafka.Topics.DeadLetter).
		WithRetry(cfg.Kafka.MaxAttempts, cfg.Kafka.RetryBackoff)
	defer consumerGroup.Close()

	wallet := service.NewWalletService(service.Deps{
		Mutator:   mutator,
		Balances:  balances,
		Registry:  currencies,
		Records:   store,
		Wallets:   wallets,
		Publisher: publisher,
	}, logger, walletMetrics).WithCompensation(cfg.Ledger.CompensationAttempts, cfg.Ledger.CompensationBackoff)

	accumulator := deposit.NewAccumulator(store, currencies, mutator, logger, depositMetrics)
	janitor := deposit.NewJanitor(store, cfg.Deposit.Retention, logger, depositMetrics)
	depositConsumer := consumer.NewDepositConsumer(accumulator, logger)

	syncer := reconciler.New(stream, wallets, reconciler.Config{
		BatchSize:     cfg.Reconciler.BatchSize,
		Block:         cfg.Reconciler.Block,
		RetryInterval: cfg.Reconciler.RetryInterval,
		ErrorBackoff:  cfg.Reconciler.ErrorBackoff,
	}, logger, reconcilerMetrics)

	httpServer := buildHTTPServer(cfg, ready, registry, wallet, logger)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var workers sync.WaitGroup

	workers.Add(1)
	go func() {
		defer workers.Done()
		logger.Info("reconciler starting", "stream", cfg.Ledger.Stream, "group", cfg.Ledger.Group)
		if err := syncer.Run(workerCtx); err != nil {
			logger.Error("reconciler stopped", "error", err)
		}
	}()

	workers.Add(1)
	go func() {
		defer workers.Done()
		logger.Info("deposit consumer starting", "topic", cfg.Kafka.Topics.Deposits, "group", cfg.Kafka.ConsumerGroup)
		if err := consumerGroup.Consume(workerCtx, []string{cfg.Kafka.Topics.Deposits}, depositConsumer); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("kafka consumer error", "error", err)
		}
	}()

	workers.Add(1)
	go func() {
		defer workers.Done()
		currencies.Run(workerCtx, cfg.Currency.RefreshInterval, logger, walletMetrics.ObserveCurrencyRefresh)
	}()

	workers.Add(1)
	go func() {
		defer workers.Done()
		janitor.Run(workerCtx, cfg.Deposit.SweepInterval)
	}()

	go func() {
		logger.Info("ledger http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	ready.SetReady(true)

	waitForShutdown(cfg.App.ShutdownTimeout, httpServer, ready, cancelWorkers, &workers, logger)
}

func buildHTTPServer(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, wallet *service.WalletService, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, "/healthz", "/readyz", cfg.App.MetricsPath))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))
	registerDebugRoutes(router, cfg.App.Env, wallet)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(timeout time.Duration, httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, workers *sync.WaitGroup, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancelTimeout := context.WithTimeout(context.Background(), timeout)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("workers did not stop before timeout")
	}
	logger.Info("shutdown complete")
}
