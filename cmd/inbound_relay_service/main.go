package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ampilares/selfhostsim/internal/platform/cache"
	"github.com/ampilares/selfhostsim/internal/platform/config"
	"github.com/ampilares/selfhostsim/internal/platform/database"
	"github.com/ampilares/selfhostsim/internal/platform/distlock"
	"github.com/ampilares/selfhostsim/internal/platform/logger"
	"github.com/ampilares/selfhostsim/internal/platform/messagebroker"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/adapters/crmclient"
	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/app"
	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/repository/postgres"
	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/repository/rediscache"
	transporthttp "github.com/ampilares/selfhostsim/internal/inbound_relay_service/transport/http"
)

const (
	serviceName       = "inbound_relay_service"
	shutdownTimeout   = 10 * time.Second
	retentionLockKey  = "inbound-sms-retention"
	retentionLockTTL  = 10 * time.Minute
	gatewayAckWait    = 30 * time.Second
	gatewayMaxDeliver = 10
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)
	appLogger.Info("Starting service...")

	// Fail fast on an unusable default country code.
	normalizer, err := domain.NewPhoneNormalizer(cfg.DefaultPhoneCountryCode)
	if err != nil {
		appLogger.Error("Invalid phone configuration", "error", err)
		os.Exit(1)
	}

	appLogger.Info("Configuration loaded",
		"log_level", cfg.LogLevel,
		"nats_url", cfg.NATSURL,
		"postgres_dsn_present", cfg.PostgresDSN != "",
		"redis_enabled", cfg.RedisAddr != "",
		"crm_base_url", cfg.CRMServiceBaseURL,
		"http_port", cfg.HTTPPort,
	)
	if cfg.CRMServiceBaseURL == "" || cfg.CRMInternalSecret == "" {
		appLogger.Warn("CRM endpoint not fully configured; inbound deliveries will fail permanently")
	}

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize database connection pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	nc, err := messagebroker.NewNATSClient(cfg.NATSURL, appLogger, serviceName)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	syncRepo := postgres.NewPgInboundSyncRepository(dbPool, appLogger)
	routingRepo := postgres.NewPgRoutingRepository(dbPool, appLogger)
	deliveryQueue := postgres.NewPgDeliveryQueue(dbPool, appLogger)
	var pointerRepo domain.ConversationPointerRepository = postgres.NewPgConversationPointerRepository(dbPool, appLogger)

	var retentionLock distlock.Lock
	if cfg.RedisAddr != "" {
		redisClient, err := cache.NewRedisClient(mainCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, appLogger)
		if err != nil {
			appLogger.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer closeRedis(redisClient, appLogger)

		hits, misses := app.PointerCacheCounters()
		pointerRepo = rediscache.NewCachedPointerRepository(pointerRepo, redisClient, cfg.PointerCacheTTL(), appLogger,
			rediscache.WithCounters(hits, misses))
		retentionLock = distlock.NewRedisLock(redisClient, retentionLockKey, retentionLockTTL)
	}

	crmClient := crmclient.NewInboundClient(crmclient.Config{
		BaseURL:    cfg.CRMServiceBaseURL,
		Secret:     cfg.CRMInternalSecret,
		HeaderName: cfg.CRMInternalHeaderName,
		Timeout:    cfg.CRMHTTPTimeout(),
	}, nil, appLogger)

	policy := app.NewRetryPolicy(cfg.InboundMaxAttempts, cfg.RetryBaseDelay(), cfg.RetryMaxDelay())
	worker := app.NewDeliveryWorker(syncRepo, pointerRepo, crmClient, deliveryQueue, normalizer, policy, appLogger)
	runner := app.NewQueueRunner(deliveryQueue, worker, app.QueueRunnerConfig{
		Concurrency:       cfg.InboundWorkerConcurrency,
		PollInterval:      cfg.QueuePollInterval(),
		VisibilityTimeout: cfg.QueueVisibilityTimeout(),
	}, appLogger)

	listener := app.NewReceivedSMSListener(routingRepo, routingRepo, syncRepo, deliveryQueue, normalizer, appLogger)
	consumer := app.NewGatewayConsumer(nc, listener, routingRepo, messagebroker.DurableConsumerConfig{
		Stream:     cfg.GatewayStreamName,
		Subjects:   []string{cfg.GatewayReceivedSubject},
		Durable:    cfg.GatewayConsumerName,
		AckWait:    gatewayAckWait,
		MaxDeliver: gatewayMaxDeliver,
	}, appLogger)

	conversations := app.NewConversationService(pointerRepo, routingRepo, routingRepo, nc, cfg.GatewaySendSubject, normalizer, appLogger)
	sweeper := app.NewRetentionSweeper(syncRepo, retentionLock, cfg.InboundRetentionDays, cfg.RetentionInterval(), appLogger)

	handler := transporthttp.NewInternalHandler(conversations, routingRepo, syncRepo, appLogger)
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: transporthttp.NewRouter(handler, transporthttp.RouterConfig{
			InternalSecret: cfg.InternalAPISecret,
			HeaderName:     cfg.InternalAPIHeaderName,
		}, appLogger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error { return consumer.Run(groupCtx) })
	g.Go(func() error { return runner.Run(groupCtx) })
	g.Go(func() error { return sweeper.Run(groupCtx) })
	g.Go(func() error {
		appLogger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	appLogger.Info("Service components initialized. Service is ready.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var groupErr error
	select {
	case sig := <-sigCh:
		appLogger.Info("Received termination signal", "signal", sig.String())
	case groupErr = <-watchGroup(g):
		appLogger.Error("A critical component failed, initiating shutdown", "error", groupErr)
	}

	appLogger.Info("Attempting graceful shutdown...")
	mainCancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Error during graceful shutdown of components", "error", err)
	}
	appLogger.Info("Service shutdown complete.")
}

func closeRedis(client *redis.Client, logger *slog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("Failed to close Redis client", "error", err)
	}
}

// watchGroup reports the first error from the group without blocking main.
func watchGroup(g *errgroup.Group) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Wait()
	}()
	return errCh
}
