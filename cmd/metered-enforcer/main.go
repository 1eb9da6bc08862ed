// Command metered-enforcer runs the scheduled enforcement sweeps: quota
// healing and overage billing, trial expiry, dunning on overdue invoices and
// the daily processor sync.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/metered/pkg/billing"
	"github.com/platinummonkey/metered/pkg/enforcement"
	"github.com/platinummonkey/metered/pkg/notifications"
	"github.com/platinummonkey/metered/pkg/observability"
	"github.com/platinummonkey/metered/pkg/payments"
)

var (
	dbURL           = flag.String("db-url", getEnv("METERED_POSTGRES_URL", "postgres://localhost/metered?sslmode=disable"), "PostgreSQL connection URL")
	stripeAPIKey    = flag.String("stripe-api-key", getEnv("METERED_STRIPE_API_KEY", ""), "Stripe API key; empty disables processor calls")
	rateFile        = flag.String("rate-file", getEnv("METERED_RATE_FILE", ""), "YAML overage rate table; empty records overage at zero cost")
	notifyURL       = flag.String("notify-url", getEnv("METERED_NOTIFY_WEBHOOK_URL", ""), "Notification webhook URL; empty logs only")
	notifySecret    = flag.String("notify-secret", getEnv("METERED_NOTIFY_WEBHOOK_SECRET", ""), "Notification webhook signing secret")
	gracePeriod     = flag.Duration("grace-period", enforcement.DefaultGracePeriod, "Dunning grace period after invoice due date")
	metricsPort     = flag.String("metrics-port", "9091", "Port for the prometheus metrics endpoint")
	quotaSchedule   = flag.String("quota-schedule", "30 * * * *", "Cron schedule for the quota sweep (default: half past every hour)")
	trialSchedule   = flag.String("trial-schedule", "0 1 * * *", "Cron schedule for the trial sweep (default: 01:00 UTC)")
	dunningSchedule = flag.String("dunning-schedule", "0 2 * * *", "Cron schedule for the dunning sweep (default: 02:00 UTC)")
	syncSchedule    = flag.String("sync-schedule", "0 3 * * *", "Cron schedule for the processor sync (default: 03:00 UTC)")
	runOnce         = flag.Bool("run-once", false, "Run every sweep once and exit (for testing and backfills)")
	logLevel        = flag.String("log-level", getEnv("METERED_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	log := logrus.New()
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	}

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	store := billing.NewPostgresService(db)

	var provider payments.Provider
	if *stripeAPIKey != "" {
		provider = payments.NewStripeProvider(*stripeAPIKey)
	} else {
		log.Warn("No Stripe API key configured; sweeps will skip processor calls")
	}

	// The jobs and rate watcher log through the shared structured logger so
	// their entries carry job/request fields.
	jobLogger := observability.NewLogger(observability.ParseLogLevel(*logLevel), os.Stdout)

	rates := loadRates(log)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	startMetricsServer(log, registry)

	notifier := buildNotifier(jobLogger, metrics)

	jobs := []enforcement.Job{
		enforcement.NewQuotaSweep(store, provider, rates, notifier, metrics),
		enforcement.NewTrialSweep(store, provider, notifier, metrics),
		enforcement.NewDunningSweep(store, provider, notifier, metrics, *gracePeriod),
		enforcement.NewSyncJob(store, provider, metrics),
	}

	rootCtx, cancel := context.WithCancel(observability.WithLogger(context.Background(), jobLogger))
	defer cancel()

	if rates != nil {
		go func() {
			if err := rates.Watch(rootCtx, jobLogger); err != nil {
				log.Errorf("Rate file watcher stopped: %v", err)
			}
		}()
	}

	if *runOnce {
		failed := 0
		for _, job := range jobs {
			if err := enforcement.RunJob(rootCtx, metrics, job); err != nil {
				log.Errorf("Sweep failed: %v", err)
				failed++
			}
		}
		if failed > 0 {
			os.Exit(1)
		}
		log.Info("All sweeps completed")
		return
	}

	c := cron.New()
	schedules := map[string]string{
		jobs[0].Name(): *quotaSchedule,
		jobs[1].Name(): *trialSchedule,
		jobs[2].Name(): *dunningSchedule,
		jobs[3].Name(): *syncSchedule,
	}
	for _, job := range jobs {
		job := job
		schedule := schedules[job.Name()]
		if _, err := c.AddFunc(schedule, func() {
			if err := enforcement.RunJob(rootCtx, metrics, job); err != nil {
				log.Errorf("Scheduled sweep failed: %v", err)
			}
		}); err != nil {
			log.Fatalf("Failed to schedule %s: %v", job.Name(), err)
		}
		log.Infof("Scheduled %s: %s", job.Name(), schedule)
	}

	c.Start()
	log.Info("Metered enforcer started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutting down gracefully...")

	cancel()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	log.Info("Enforcer stopped")
}

func loadRates(log *logrus.Logger) *enforcement.RateTable {
	if *rateFile == "" {
		log.Warn("No rate file configured; overage will be recorded at zero cost")
		return enforcement.NewStaticRateTable("usd", nil)
	}
	rates, err := enforcement.LoadRateTable(*rateFile)
	if err != nil {
		log.Fatalf("Failed to load rate table: %v", err)
	}
	log.Infof("Loaded rate table from %s", *rateFile)
	return rates
}

func buildNotifier(jobLogger *observability.Logger, metrics *observability.Metrics) notifications.Notifier {
	var notifier notifications.Notifier = notifications.NewLogNotifier(jobLogger)
	if *notifyURL != "" {
		webhookNotifier := notifications.NewWebhookNotifier([]notifications.Endpoint{
			{URL: *notifyURL, Secret: *notifySecret},
		}, jobLogger)
		notifier = notifications.MultiNotifier{webhookNotifier, notifier}
	}
	return notifications.NewInstrumentedNotifier(notifier, metrics)
}

func startMetricsServer(log *logrus.Logger, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	observability.RegisterMetricsEndpoint(mux, registry)
	server := &http.Server{
		Addr:        ":" + *metricsPort,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
