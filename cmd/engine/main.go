package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"subscription-engine/internal/cleanup"
	"subscription-engine/internal/common/config"
	"subscription-engine/internal/common/database"
	"subscription-engine/internal/common/logger"
	"subscription-engine/internal/common/observability"
	"subscription-engine/internal/common/validation"
	"subscription-engine/internal/delivery"
	"subscription-engine/internal/manager"
	"subscription-engine/internal/store"
	"subscription-engine/internal/subscription"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func buildStore(ctx context.Context, cfg *config.Config, evaluator subscription.QueryEvaluator, zapLog *zap.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		var rc *database.RedisClient
		err := retryWithBackoff(func() error {
			var err error
			rc, err = database.NewRedis(cfg.Store.Redis)
			if err != nil {
				return err
			}
			return rc.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedisStore(rc.Client, evaluator), func() { rc.Close() }, nil

	case "postgres":
		var pg *database.PostgresClient
		err := retryWithBackoff(func() error {
			var err error
			pg, err = database.NewPostgres(cfg.Store.Postgres)
			if err != nil {
				return err
			}
			return pg.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
		if err != nil {
			return nil, nil, err
		}
		pgStore := store.NewPostgresStore(pg.DB, evaluator)
		if err := pgStore.Init(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pgStore, func() { pg.Close() }, nil

	default:
		return store.NewMemoryStore(evaluator), func() {}, nil
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New("info", "console")
		fallback.Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting subscription engine...",
		zap.String("environment", cfg.App.Environment),
		zap.String("storeBackend", cfg.Store.Backend),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx := context.Background()

	evaluator := subscription.ExpressionEvaluator{}

	st, closeStore, err := buildStore(ctx, cfg, evaluator, zapLog)
	if err != nil {
		zapLog.Fatal("store initialization failed", zap.Error(err))
	}
	defer closeStore()
	zapLog.Info("Store ready", zap.String("backend", cfg.Store.Backend))

	mgr := manager.New(st, manager.Config{
		MaxSubscriptionsPerUser: cfg.Engine.MaxSubscriptionsPerUser,
		EnableAuthorization:     cfg.Engine.EnableAuthorization,
	}, log)
	mgr.AddPreHook(validation.QueryPreHook())
	mgr.AddEventHandler(observability.NewEventRecorder(obs))

	// --- Delivery adapters ---
	if cfg.Delivery.Notification.Enabled {
		nh, err := delivery.NewNotificationHandler(ctx, delivery.NotificationConfig{
			AWSRegion:   cfg.Delivery.Notification.AWSRegion,
			SenderEmail: cfg.Delivery.Notification.SenderEmail,
			SNSTopicARN: cfg.Delivery.Notification.SNSTopicARN,
		}, log)
		if err != nil {
			zapLog.Fatal("notification handler init failed", zap.Error(err))
		}
		mgr.AddEventHandler(nh)
		zapLog.Info("Notification delivery enabled")
	}

	if cfg.Delivery.Webhook.Enabled {
		timeout := time.Duration(cfg.Delivery.Webhook.TimeoutSeconds) * time.Second
		mgr.AddEventHandler(delivery.NewWebhookHandler(timeout, log))
		zapLog.Info("Webhook delivery enabled")
	}

	if cfg.Delivery.WebSocket.Enabled {
		mgr.AddEventHandler(delivery.NewWebSocketHandler(log))
		zapLog.Info("WebSocket delivery enabled")
	}

	if cfg.Delivery.SSE.Enabled {
		mgr.AddEventHandler(delivery.NewSSEHandler(cfg.Delivery.SSE.BufferSize, log))
		zapLog.Info("SSE delivery enabled")
	}

	if cfg.Delivery.Elasticsearch.Enabled {
		var esClient *database.ElasticsearchClient
		err := retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Delivery.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping()
		}, 10, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		mgr.AddEventHandler(delivery.NewArchiveHandler(esClient.Client, cfg.Delivery.Elasticsearch.Index, log))
		zapLog.Info("Elasticsearch archive enabled")
	}

	// --- Background cleanup ---
	sweeper := cleanup.NewSweeper(st, cleanup.Config{
		Interval:        time.Duration(cfg.Cleanup.IntervalSeconds) * time.Second,
		MaxAge:          time.Duration(cfg.Cleanup.MaxAgeDays) * 24 * time.Hour,
		ShutdownTimeout: time.Duration(cfg.Cleanup.ShutdownTimeoutSeconds) * time.Second,
	}, log)
	sweeper.Start(ctx)

	// --- Metrics / pprof endpoint ---
	if cfg.Metrics.Enabled {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			zapLog.Info("Metrics endpoint listening", zap.String("address", cfg.Metrics.Address))
			if err := http.ListenAndServe(cfg.Metrics.Address, nil); err != nil {
				zapLog.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	zapLog.Info("Subscription engine started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	zapLog.Info("Shutting down...")
	sweeper.Stop()
	zapLog.Info("Shutdown complete")
}
