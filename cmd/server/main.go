package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"settlement-service/config"
	"settlement-service/internal/api"
	"settlement-service/internal/audit"
	"settlement-service/internal/broker"
	"settlement-service/internal/clock"
	"settlement-service/internal/payment"
	"settlement-service/internal/redisclient"
	"settlement-service/internal/service"
	"settlement-service/internal/store"
	"settlement-service/internal/util"
	"settlement-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting settlement service", zap.String("env", cfg.Server.Env))

	ctx := context.Background()

	tp, err := util.InitTracer(ctx, cfg.Observ.TraceExporter, traceEndpoint(cfg))
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected", zap.String("driver", db.Driver()))

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	recorder := audit.NewRecorder(db, cfg.Payment.AuditBuffer)
	recorder.Start()
	defer recorder.Close()

	collab := service.Collaborators{Auditor: recorder}

	var redisClient *redisclient.Client
	if cfg.Redis.Enabled {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		collab.Locker = redisClient
		collab.Cache = redisClient
		logger.Info("Redis connected")
	}

	var producer *broker.Producer
	if cfg.Kafka.Enabled {
		producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDomainEvents)
		defer producer.Close()
		collab.Publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicDomainEvents))
	}

	clk := clock.NewSystem()
	ledger := service.NewAllocationLedger(db, clk, cfg.Business.ReserveMaxAttempts, cfg.Business.ReserveBaseDelay, collab)
	escrowService := service.NewEscrowService(db, clk, service.EscrowConfig{
		SettlementWindow: cfg.Business.SettlementWindow,
		SweepBatchSize:   cfg.Scheduler.SweepBatchSize,
		SweepLockTTL:     cfg.Scheduler.SweepLockTTL,
	}, collab)
	orderService := service.NewOrderService(db, ledger, escrowService, clk, service.OrderConfig{
		DefaultTaxRate:   cfg.Business.TaxRate,
		SettlementWindow: cfg.Business.SettlementWindow,
		IdempotencyTTL:   cfg.Business.IdempotencyTTL,
	}, collab)
	paymentService := service.NewPaymentService(db, orderService, collab)
	disputeService := service.NewDisputeService(db, orderService, escrowService, clk, service.DisputeConfig{
		Thresholds: service.RuleThresholds{
			SLABreach:    cfg.Dispute.SLABreach,
			NotReceived:  cfg.Dispute.NotReceived,
			ReturnWindow: cfg.Dispute.ReturnWindow,
		},
		AutoRefundOnSLA: cfg.Dispute.AutoRefundOnSLA,
	}, collab)
	integrityService := service.NewIntegrityService(db, clk)

	verifiers, err := buildVerifiers(cfg)
	if err != nil {
		logger.Fatal("Failed to configure payment verifiers", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	scheduler := worker.NewScheduler(
		worker.SweepJob(escrowService, cfg.Scheduler.SweepInterval),
		worker.SLAJob(disputeService, cfg.Scheduler.SLACheckInterval),
		worker.IntegrityJob(integrityService, cfg.Scheduler.IntegrityInterval),
	)
	scheduler.Start(workerCtx)

	var paymentWorker *worker.PaymentWorker
	if cfg.Kafka.Enabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentEvents, cfg.Kafka.ConsumerGroup)
		paymentWorker = worker.NewPaymentWorker(consumer, broker.NewPaymentHandler(paymentService, verifiers...))
		go func() {
			if err := paymentWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Payment worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Ledger:    ledger,
		Orders:    orderService,
		Payments:  paymentService,
		Escrow:    escrowService,
		Disputes:  disputeService,
		Integrity: integrityService,
	}, verifiers...)
	handler.CheckReady("database", db)
	if redisClient != nil {
		handler.CheckReady("redis", redisClient)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
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

	workerCancel()
	scheduler.Stop()
	if paymentWorker != nil {
		if err := paymentWorker.Stop(); err != nil {
			logger.Error("Error stopping payment worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if cfg.Database.Driver == store.DriverSQLite {
		return store.OpenSQLite(ctx, cfg.Database.URL)
	}
	return store.NewStore(cfg.Database.URL, cfg.Database.MaxOpenConns)
}

func traceEndpoint(cfg *config.Config) string {
	if cfg.Observ.TraceExporter == util.ExporterOTLP {
		return cfg.Observ.OTLPEndpoint
	}
	return cfg.Observ.JaegerEndpoint
}

// buildVerifiers returns the configured provider's verifier, plus stripe's
// when its endpoint secret is set.
func buildVerifiers(cfg *config.Config) ([]payment.Verifier, error) {
	secret := cfg.Payment.WebhookSecret
	if cfg.Payment.Provider == payment.ProviderStripe {
		secret = cfg.Payment.StripeWebhookSecret
	}
	primary, err := payment.NewVerifier(cfg.Payment.Provider, secret)
	if err != nil {
		return nil, err
	}
	verifiers := []payment.Verifier{primary}
	if cfg.Payment.Provider != payment.ProviderStripe && cfg.Payment.StripeWebhookSecret != "" {
		verifiers = append(verifiers, payment.NewStripeVerifier(cfg.Payment.StripeWebhookSecret))
	}
	return verifiers, nil
}
