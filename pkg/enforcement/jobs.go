package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/metered/pkg/observability"
)

// Job is one schedulable enforcement job.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

const (
	defaultWorkers     = 8
	defaultItemTimeout = 30 * time.Second
)

// RunJob executes a job with run-level logging and metrics. Item-level
// failures are the job's own concern; an error here means the whole run could
// not proceed.
func RunJob(ctx context.Context, metrics *observability.Metrics, job Job) error {
	logger := observability.FromContext(ctx).WithField("job", job.Name())
	logger.Info("enforcement job started")

	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)

	if metrics != nil {
		metrics.SweepDuration.WithLabelValues(job.Name()).Observe(elapsed.Seconds())
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.SweepRunsTotal.WithLabelValues(job.Name(), outcome).Inc()
	}

	if err != nil {
		logger.WithError(err).Error("enforcement job failed")
		return fmt.Errorf("job %s: %w", job.Name(), err)
	}
	logger.WithField("duration", elapsed.String()).Info("enforcement job finished")
	return nil
}

// countItem records a per-item outcome for a job.
func countItem(metrics *observability.Metrics, job, outcome string) {
	if metrics != nil {
		metrics.SweepItemsTotal.WithLabelValues(job, outcome).Inc()
	}
}
