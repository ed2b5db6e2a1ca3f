// Package pipeline wires the DAG executor, extractor, storage, review, and
// monitoring components into the concrete per-document processing graph
// (spec §4.7): extract -> {save_parquet, save_json} -> create_review, plus
// record_metrics off extract.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docflow/worker/internal/dag"
	"github.com/docflow/worker/internal/domain"
	"github.com/docflow/worker/internal/extractor"
	"github.com/docflow/worker/internal/monitoring"
	"github.com/docflow/worker/internal/review"
	"github.com/docflow/worker/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

const errorMessageMaxLen = 500

// Pipeline builds and runs the document-processing DAG for one document at
// a time, short-circuiting to a cache hit before any DAG work begins.
type Pipeline struct {
	pool      *pgxpool.Pool
	extractor *extractor.Client
	store     *storage.Store
	reviews   *review.Service
	monitor   *monitoring.Monitor
	executor  *dag.Executor
}

// New constructs a Pipeline from its already-wired collaborators.
func New(pool *pgxpool.Pool, ext *extractor.Client, store *storage.Store, reviews *review.Service, monitor *monitoring.Monitor, executor *dag.Executor) *Pipeline {
	return &Pipeline{pool: pool, extractor: ext, store: store, reviews: reviews, monitor: monitor, executor: executor}
}

// ProcessDocument runs the full pipeline for one uploaded document: an
// idempotency check, then (on a miss) the DAG, then a terminal document
// status update.
func (p *Pipeline) ProcessDocument(ctx context.Context, documentID, filePath, storedName, mimeType string) error {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return p.markFailed(ctx, documentID, fmt.Sprintf("read upload: %v", err))
	}
	contentHash := storage.ContentHashBytes(content)

	if _, hit, err := p.store.GetCached(ctx, contentHash); err != nil {
		return p.markFailed(ctx, documentID, fmt.Sprintf("cache lookup: %v", err))
	} else if hit {
		return p.markStatus(ctx, documentID, domain.DocumentDuplicate, nil)
	}

	d := p.buildDocumentDAG(documentID, filePath, storedName, mimeType, content, contentHash)

	result, err := p.executor.Execute(ctx, d, nil)
	if err != nil {
		return p.markFailed(ctx, documentID, err.Error())
	}

	if !result.Success {
		return p.markFailed(ctx, documentID, concatenatedStepErrors(result))
	}

	return p.markStatus(ctx, documentID, domain.DocumentCompleted, nil)
}

// buildDocumentDAG constructs the fixed five-step graph for one document.
func (p *Pipeline) buildDocumentDAG(documentID, filePath, storedName, mimeType string, content []byte, contentHash string) *dag.DAG {
	d := dag.New()

	_ = d.AddStep("extract", func(ctx context.Context, rc *dag.RunContext) (any, error) {
		start := time.Now()
		inv, err := p.extractor.Extract(ctx, content, mimeType)
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start).Seconds()
		result := extractor.ToExtractionResult(documentID, storedName, inv, contentHash, elapsed, time.Now().UTC())
		return result, nil
	}, dag.WithMaxRetries(3), dag.WithRetryBackoffBase(10.0), dag.WithResourceTag("extractor"), dag.WithTimeout(120))

	_ = d.AddStep("save_parquet", func(ctx context.Context, rc *dag.RunContext) (any, error) {
		result, err := extractionOutput(rc, "extract")
		if err != nil {
			return nil, err
		}
		if err := p.store.CacheResult(ctx, result); err != nil {
			return nil, err
		}
		_, parquetPath, err := p.store.SaveDualFormat(result)
		return parquetPath, err
	}, dag.WithDependsOn("extract"), dag.WithMaxRetries(2), dag.WithTimeout(30))

	_ = d.AddStep("save_json", func(ctx context.Context, rc *dag.RunContext) (any, error) {
		result, err := extractionOutput(rc, "extract")
		if err != nil {
			return nil, err
		}
		jsonPath, _, err := p.store.SaveDualFormat(result)
		return jsonPath, err
	}, dag.WithDependsOn("extract"), dag.WithMaxRetries(1), dag.WithTimeout(30))

	_ = d.AddStep("create_review", func(ctx context.Context, rc *dag.RunContext) (any, error) {
		result, err := extractionOutput(rc, "extract")
		if err != nil {
			return nil, err
		}
		item, err := p.reviews.UpsertFromExtraction(ctx, result)
		if err != nil {
			return nil, err
		}
		return item.ID, nil
	}, dag.WithDependsOn("save_parquet", "save_json"), dag.WithMaxRetries(2), dag.WithTimeout(30))

	_ = d.AddStep("record_metrics", func(ctx context.Context, rc *dag.RunContext) (any, error) {
		result, err := extractionOutput(rc, "extract")
		if err != nil {
			return nil, err
		}
		p.monitor.RecordProcessing(ctx, result.ProcessingTimeSeconds, result.OverallConfidence, true)
		return nil, nil
	}, dag.WithDependsOn("extract"), dag.WithMaxRetries(1), dag.WithCondition(func(rc *dag.RunContext) (bool, error) {
		_, ok := rc.Output("extract")
		return ok, nil
	}))

	return d
}

func extractionOutput(rc *dag.RunContext, stepID string) (domain.ExtractionResult, error) {
	v, ok := rc.Output(stepID)
	if !ok {
		return domain.ExtractionResult{}, fmt.Errorf("%s output not available", stepID)
	}
	result, ok := v.(domain.ExtractionResult)
	if !ok {
		return domain.ExtractionResult{}, fmt.Errorf("%s output has unexpected type %T", stepID, v)
	}
	return result, nil
}

func concatenatedStepErrors(result dag.WorkflowResult) string {
	var parts []string
	for id, r := range result.Steps {
		if r.Status == dag.StatusFailed {
			parts = append(parts, fmt.Sprintf("%s: %s", id, r.Error))
		}
	}
	joined := strings.Join(parts, "; ")
	if len(joined) > errorMessageMaxLen {
		joined = joined[:errorMessageMaxLen]
	}
	return joined
}

func (p *Pipeline) markFailed(ctx context.Context, documentID, message string) error {
	if len(message) > errorMessageMaxLen {
		message = message[:errorMessageMaxLen]
	}
	if err := p.markStatus(ctx, documentID, domain.DocumentFailed, &message); err != nil {
		return err
	}
	return fmt.Errorf("process document %s: %s", documentID, message)
}

func (p *Pipeline) markStatus(ctx context.Context, documentID string, status domain.DocumentStatus, errorMessage *string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE documents SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4`,
		status, errorMessage, time.Now().UTC(), documentID,
	)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return nil
}
