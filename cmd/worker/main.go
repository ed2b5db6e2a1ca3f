// Command worker is the docflow processing daemon: it drains an intake
// channel standing in for the external broker's EnqueueDocumentJob delivery,
// running one pipeline DAG per document across a bounded worker pool, and
// runs the review-queue and monitoring background jobs on a cron schedule.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/docflow/worker/internal/config"
	"github.com/docflow/worker/internal/dag"
	"github.com/docflow/worker/internal/domain"
	"github.com/docflow/worker/internal/extractor"
	"github.com/docflow/worker/internal/logging"
	"github.com/docflow/worker/internal/monitoring"
	"github.com/docflow/worker/internal/pipeline"
	"github.com/docflow/worker/internal/resilience"
	"github.com/docflow/worker/internal/review"
	"github.com/docflow/worker/internal/storage"
	"github.com/docflow/worker/internal/telemetry"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
)

// DocumentJob stands in for the external broker's EnqueueDocumentJob call:
// the API inserts a documents row, then pushes the job onto Intake.
type DocumentJob struct {
	DocumentID string
	FilePath   string
	StoredName string
	MimeType   string
}

func main() {
	cfg := config.Load()
	logger := logging.Init("docflow-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Init(ctx, "docflow-worker")

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, domain.Schema); err != nil {
		logger.Error("apply schema", "error", err)
		os.Exit(1)
	}

	breaker := resilience.New(resilience.Config{Name: "extractor"})
	limiters := map[string]dag.RateLimiter{
		"extractor": resilience.NewRateLimiter("extractor", 10, 20),
	}

	extractFn := extractorProviderStub
	ext := extractor.New(extractFn, breaker)

	store := storage.New(pool, cfg.JSONDir, cfg.ParquetDir)
	monitor := monitoring.New()
	reviews := review.New(pool, cfg.ReviewerRoster, time.Duration(cfg.SLADefaultHours)*time.Hour, time.Duration(cfg.ClaimExpiryMins)*time.Minute)
	executor := dag.NewExecutor(cfg.MaxConcurrentTasks, limiters, cfg.TaskTimeLimit.Seconds())
	pipe := pipeline.New(pool, ext, store, reviews, monitor, executor)

	intake := make(chan DocumentJob, cfg.MaxConcurrentTasks*4)

	var wg sync.WaitGroup
	for i := 0; i < cfg.MaxConcurrentTasks; i++ {
		wg.Add(1)
		go runWorker(ctx, &wg, intake, pipe, logger)
	}

	scheduler := cron.New(cron.WithSeconds())
	if _, err := scheduler.AddFunc("@every 300s", func() {
		released, err := reviews.ReleaseExpiredClaims(ctx)
		if err != nil {
			logger.Error("release expired claims", "error", err)
			return
		}
		if released > 0 {
			logger.Info("released expired claims", "count", released)
		}
	}); err != nil {
		logger.Error("schedule release_expired_claims", "error", err)
		os.Exit(1)
	}
	if _, err := scheduler.AddFunc("@every 15s", func() {
		updateQueueMetrics(ctx, reviews, monitor, logger)
	}); err != nil {
		logger.Error("schedule update_queue_metrics", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	logger.Info("worker started", "max_concurrent_tasks", cfg.MaxConcurrentTasks)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining intake")
	close(intake)
	wg.Wait()

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("flush telemetry", "error", err)
	}
	logger.Info("shutdown complete")
}

// runWorker drains intake until the channel is closed, processing one
// document DAG at a time on this goroutine.
func runWorker(ctx context.Context, wg *sync.WaitGroup, intake <-chan DocumentJob, pipe *pipeline.Pipeline, logger *slog.Logger) {
	defer wg.Done()
	for job := range intake {
		if err := pipe.ProcessDocument(ctx, job.DocumentID, job.FilePath, job.StoredName, job.MimeType); err != nil {
			logger.Error("process document", "document_id", job.DocumentID, "error", err)
		}
	}
}

// updateQueueMetrics feeds the review queue's current depth into the
// monitor's gauge state and runs the SLA check, logging any breach.
func updateQueueMetrics(ctx context.Context, reviews *review.Service, monitor *monitoring.Monitor, logger *slog.Logger) {
	stats, err := reviews.GetStats(ctx)
	if err != nil {
		logger.Error("fetch queue stats", "error", err)
		return
	}
	monitor.UpdateQueueDepth(ctx, stats.QueueDepth, 0)

	for _, breach := range monitor.CheckSLAs(ctx) {
		logger.Warn("sla breach", "sla", breach.SLA, "severity", breach.Severity, "value", breach.CurrentValue, "threshold", breach.Threshold)
	}
}

// extractorProviderStub is a placeholder for the external document-
// understanding provider, which is out of scope (spec §1). Wire a real
// Func (e.g. a Gemini/Vertex client) here before deploying.
func extractorProviderStub(ctx context.Context, content []byte, mimeType string) (extractor.StructuredInvoice, error) {
	return extractor.StructuredInvoice{}, errNotImplemented
}

var errNotImplemented = &notImplementedError{}

type notImplementedError struct{}

func (*notImplementedError) Error() string {
	return "extraction provider not configured"
}
