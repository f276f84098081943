package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/payment"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "fulfillment-service"

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, serviceName); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service")

	tp, err := util.InitTracer(serviceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.Migrate {
		if err := db.Migrate(context.Background()); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	eventPublisher := broker.NewEventPublisher(producer)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	deliveryQueue := worker.NewQueue(asynqClient, cfg.Asynq.Queue)

	numbers, err := service.NewOrderNumbers()
	if err != nil {
		log.Fatalf("Failed to initialize order numbers: %v", err)
	}
	provider := payment.NewStripeProvider(nil)

	ledger := service.NewLedger(db, eventPublisher, redisClient, service.LedgerConfig{
		LowStockThreshold: cfg.Business.LowStockThreshold,
		LowStockDebounce:  cfg.Business.LowStockDebounce,
	})
	discounts := service.NewDiscounts(db)
	carts := service.NewCarts(db, db, discounts, cfg.Business.CartTTL, cfg.Business.Currency)
	checkout := service.NewCheckout(db, ledger, discounts, db, provider, cfg.Business.CheckoutLease)
	reaper := service.NewReaper(db, ledger, discounts, service.ReaperConfig{
		AbandonGrace: cfg.Business.AbandonGrace,
		Batch:        cfg.Business.ReaperBatch,
	})
	ingestion := service.NewIngestion(db, db, db, ledger, discounts, reaper, redisClient, eventPublisher, provider, numbers)
	orders := service.NewOrders(db, ledger, db, provider, eventPublisher)
	dispatcher := service.NewDispatcher(db, deliveryQueue, service.DispatcherConfig{
		MaxAttempts:   cfg.Webhook.MaxAttempts,
		BaseBackoff:   cfg.Webhook.BaseBackoff,
		HTTPTimeout:   cfg.Webhook.HTTPTimeout,
		RetryBudget:   cfg.Webhook.RetryBudget,
		RetryWindow:   cfg.Webhook.RetryWindow,
		SweepCooldown: cfg.Webhook.SweepCooldown,
		SweepBatch:    cfg.Webhook.SweepBatch,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	eventConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
	eventWorker := worker.NewEventWorker(eventConsumer, dispatcher)
	go func() {
		if err := eventWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Event worker error", zap.Error(err))
		}
	}()

	taskServer := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Asynq.Concurrency,
		Queues:      map[string]int{cfg.Asynq.Queue: 1},
		Logger:      logger.Sugar(),
	})
	if err := taskServer.Start(worker.NewHandlers(dispatcher, reaper).Mux()); err != nil {
		log.Fatalf("Failed to start task server: %v", err)
	}

	scheduler := asynq.NewScheduler(redisOpt, nil)
	err = worker.RegisterSchedules(scheduler, cfg.Asynq.Queue,
		worker.Schedule{TaskType: worker.TypeReaperSweep, Every: cfg.Business.ReaperInterval},
		worker.Schedule{TaskType: worker.TypeWebhookSweep, Every: cfg.Webhook.SweepInterval},
	)
	if err != nil {
		log.Fatalf("Failed to register schedules: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Carts:     carts,
		Checkout:  checkout,
		Inventory: ledger,
		Discounts: discounts,
		Orders:    orders,
		Webhooks:  dispatcher,
		Payments:  ingestion,
	}, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           otelhttp.NewHandler(router, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	scheduler.Shutdown()
	taskServer.Shutdown()

	workerCancel()
	if err := eventWorker.Stop(); err != nil {
		logger.Error("Failed to stop event worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
