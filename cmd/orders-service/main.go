package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Mohmdhamad/oms-microservices/internal/config"
	"github.com/Mohmdhamad/oms-microservices/internal/events"
	"github.com/Mohmdhamad/oms-microservices/internal/idempotency"
	"github.com/Mohmdhamad/oms-microservices/internal/messagebus"
	"github.com/Mohmdhamad/oms-microservices/internal/observability"
	"github.com/Mohmdhamad/oms-microservices/internal/orders/application"
	"github.com/Mohmdhamad/oms-microservices/internal/orders/infrastructure"
	"github.com/Mohmdhamad/oms-microservices/internal/transport"
)

const serviceName = "orders-service"

func main() {
	cfg := config.Load(serviceName)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Service.Name, cfg.Service.Environment, cfg.Service.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	tracing, err := observability.NewTracingManager(observability.TracingConfig{
		Enabled:          cfg.Tracing.Enabled,
		ServiceName:      cfg.Service.Name,
		Exporter:         cfg.Tracing.Exporter,
		ExporterEndpoint: cfg.Tracing.ExporterEndpoint,
		SamplingRate:     cfg.Tracing.SamplingRate,
		Environment:      cfg.Service.Environment,
	})
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer tracing.Shutdown(context.Background())

	meterProvider, err := observability.SetupMeterProvider()
	if err != nil {
		logger.Fatal("failed to init metrics", zap.Error(err))
	}
	defer meterProvider.Shutdown(context.Background())

	// Применяем миграции
	if err := infrastructure.RunMigrations(cfg.Database.DSN); err != nil {
		logger.Fatal("failed to apply migrations", zap.Error(err))
	}

	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("failed to create connection pool", zap.Error(err))
	}
	defer pool.Close()

	// Шина сообщений
	bus, err := buildBus(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create message bus", zap.Error(err))
	}
	if err := bus.Start(ctx); err != nil {
		logger.Fatal("failed to start message bus", zap.Error(err))
	}
	defer func() {
		if err := bus.Stop(context.Background()); err != nil {
			logger.Error("failed to stop message bus", zap.Error(err))
		}
	}()

	ledger, cleanup, err := buildLedger(cfg, pool)
	if err != nil {
		logger.Fatal("failed to create idempotency ledger", zap.Error(err))
	}
	defer cleanup()

	store := infrastructure.NewPostgresOrderStore(pool)
	publisher := events.NewPublisher(bus, serviceName, logger)
	service := application.NewOrderService(store, publisher,
		application.SagaPolicy{AutoConfirm: cfg.Saga.AutoConfirm}, logger)
	coordinators := application.NewOrderCoordinators(service)

	// Очередь событий склада
	productsDispatcher := events.NewDispatcher(application.QueueProductsEvents, ledger, logger)
	coordinators.RegisterProductsHandlers(productsDispatcher)
	err = bus.Subscribe(ctx, transport.QueueSpec{
		Queue: application.QueueProductsEvents,
		Bindings: []transport.Binding{
			{Exchange: transport.ExchangeProducts, Pattern: "inventory.*"},
		},
	}, productsDispatcher.Handler())
	if err != nil {
		logger.Fatal("failed to subscribe to products events", zap.Error(err))
	}

	// Очередь событий платежей
	paymentsDispatcher := events.NewDispatcher(application.QueuePaymentsEvents, ledger, logger)
	coordinators.RegisterPaymentsHandlers(paymentsDispatcher)
	err = bus.Subscribe(ctx, transport.QueueSpec{
		Queue: application.QueuePaymentsEvents,
		Bindings: []transport.Binding{
			{Exchange: transport.ExchangePayments, Pattern: "payment.*"},
		},
	}, paymentsDispatcher.Handler())
	if err != nil {
		logger.Fatal("failed to subscribe to payments events", zap.Error(err))
	}

	// HTTP сервер
	if cfg.Service.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	infrastructure.NewOrderHandlers(service, logger).Register(router)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}
	go func() {
		logger.Info("http server listening", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	logger.Info("orders service started",
		zap.String("bus_driver", cfg.Bus.Driver),
		zap.Bool("auto_confirm", cfg.Saga.AutoConfirm),
	)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	cancel()
}

// buildBus создает адаптер шины по конфигурации
func buildBus(cfg *config.Config, logger *zap.Logger) (transport.MessageBus, error) {
	retry := transport.RetryPolicy{
		MaxDeliver:   cfg.Bus.MaxDeliver,
		BackoffDelay: cfg.Bus.BackoffDelay,
	}
	factory := messagebus.NewFactory()

	switch cfg.Bus.Driver {
	case "kafka":
		kafkaCfg := messagebus.DefaultKafkaConfig()
		kafkaCfg.Brokers = cfg.Bus.KafkaBrokers
		kafkaCfg.Retry = retry
		return factory.Create("kafka", kafkaCfg, logger)
	case "inmemory":
		memCfg := messagebus.DefaultInMemoryConfig()
		memCfg.Retry = retry
		return factory.Create("inmemory", memCfg, logger)
	default:
		natsCfg := messagebus.DefaultNATSConfig()
		natsCfg.URL = cfg.Bus.NATSURL
		natsCfg.Retry = retry
		return factory.Create("nats", natsCfg, logger)
	}
}

// buildLedger создает хранилище обработанных событий по конфигурации
func buildLedger(cfg *config.Config, pool *pgxpool.Pool) (idempotency.Ledger, func(), error) {
	switch cfg.IdempotencyDriver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return idempotency.NewRedisLedger(client, cfg.Redis.IdempotencyTTL), func() { client.Close() }, nil
	case "memory":
		return idempotency.NewMemoryLedger(), func() {}, nil
	default:
		return idempotency.NewPostgresLedger(pool), func() {}, nil
	}
}
