// Command metered runs the billing API server: plan catalog, subscriptions,
// usage ingestion, invoice mirror and the Stripe webhook endpoint.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/metered/pkg/api"
	"github.com/platinummonkey/metered/pkg/billing"
	"github.com/platinummonkey/metered/pkg/config"
	"github.com/platinummonkey/metered/pkg/notifications"
	"github.com/platinummonkey/metered/pkg/observability"
	"github.com/platinummonkey/metered/pkg/payments"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting metered billing server")

	ctx := context.Background()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry, continuing without tracing")
	}

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to open database")
		os.Exit(1)
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	var store billing.Service
	pgStore := billing.NewPostgresService(db)
	store = pgStore
	if cfg.Billing.PlanCacheSize > 0 {
		cached, err := billing.NewCachingService(pgStore, cfg.Billing.PlanCacheSize, metrics)
		if err != nil {
			logger.WithError(err).Error("Failed to create plan cache, serving uncached")
		} else {
			store = cached
		}
	}

	if cfg.Database.SeedPlans {
		if err := pgStore.SeedDefaultPlans(ctx); err != nil {
			logger.WithError(err).Error("Failed to seed default plans")
			os.Exit(1)
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable at startup, webhook dedup will fail open")
		}
		defer redisClient.Close()
	}

	var provider payments.Provider
	var webhooks *payments.WebhookProcessor

	notifier := buildNotifier(cfg, logger, metrics)

	if cfg.Stripe.APIKey != "" {
		provider = payments.NewStripeProvider(cfg.Stripe.APIKey)
		var dedup *payments.EventDedup
		if redisClient != nil {
			dedup = payments.NewEventDedup(redisClient, cfg.Redis.DedupTTL)
		}
		webhooks = payments.NewWebhookProcessor(
			store,
			payments.NewStripeVerifier(cfg.Stripe.WebhookSecret),
			notifier,
			dedup,
			metrics,
		)
		logger.Info("Stripe integration enabled")
	} else {
		logger.Warn("No Stripe API key configured, running in local-only mode")
	}

	server := api.NewServer(store, provider, webhooks, logger, metrics)

	var handler http.Handler = server.Router()
	handler = observability.HTTPMetricsMiddleware(metrics)(handler)
	if otelProviders != nil {
		handler = otelhttp.NewHandler(handler, "metered-api")
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthServer := startHealthServer(cfg, db, redisClient, registry, metrics, logger)

	go func() {
		logger.Infof("API server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	sm := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return db.Close()
	})
	if redisClient != nil {
		sm.RegisterShutdownFunc(func(ctx context.Context) error {
			return redisClient.Close()
		})
	}
	if otelProviders != nil {
		sm.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	if err := sm.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := billing.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	logger.Info("Database connection established")
	return db, nil
}

func buildNotifier(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) notifications.Notifier {
	var notifier notifications.Notifier = notifications.NewLogNotifier(logger)
	if cfg.Notifications.WebhookURL != "" {
		webhookNotifier := notifications.NewWebhookNotifier([]notifications.Endpoint{
			{
				URL:    cfg.Notifications.WebhookURL,
				Secret: cfg.Notifications.WebhookSecret,
			},
		}, logger)
		notifier = notifications.MultiNotifier{webhookNotifier, notifier}
	}
	return notifications.NewInstrumentedNotifier(notifier, metrics)
}

// startHealthServer serves liveness/readiness probes and prometheus metrics
// on a separate port so the main listener can be firewalled off.
func startHealthServer(cfg *config.Config, db *sql.DB, redisClient *redis.Client, registry *prometheus.Registry, metrics *observability.Metrics, logger *observability.Logger) *http.Server {
	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(db, redisClient)
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}

	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.UpdateDBStats(db)
		}
	}()

	go func() {
		logger.Infof("Health/metrics server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	return healthServer
}
