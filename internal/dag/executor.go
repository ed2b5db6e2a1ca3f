package dag

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/docflow/worker/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RateLimiter is the subset of resilience.RateLimiter the executor needs;
// declared here so this package does not import resilience directly.
type RateLimiter interface {
	Acquire(ctx context.Context) error
}

// Executor runs a validated DAG with a global concurrency cap, per-resource
// rate limiting, per-step retries with exponential backoff and jitter, and
// strict layer barriers: layer k+1 never starts until every step of layer k
// has reached a terminal status.
type Executor struct {
	maxConcurrency int
	limiters       map[string]RateLimiter
	defaultTimeout float64 // seconds

	stepDuration metric.Float64Histogram
	stepRetries  metric.Int64Counter
	stepFailures metric.Int64Counter
}

// NewExecutor constructs an Executor. limiters maps a step's ResourceTag to
// the RateLimiter guarding it; a step with a tag absent from this map runs
// unthrottled.
func NewExecutor(maxConcurrency int, limiters map[string]RateLimiter, defaultTimeoutSeconds float64) *Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if defaultTimeoutSeconds <= 0 {
		defaultTimeoutSeconds = 300
	}
	meter := telemetry.Meter()
	stepDuration, _ := meter.Float64Histogram("docflow_workflow_step_duration_seconds")
	stepRetries, _ := meter.Int64Counter("docflow_workflow_step_retries_total")
	stepFailures, _ := meter.Int64Counter("docflow_workflow_step_failures_total")
	return &Executor{
		maxConcurrency: maxConcurrency,
		limiters:       limiters,
		defaultTimeout: defaultTimeoutSeconds,
		stepDuration:   stepDuration,
		stepRetries:    stepRetries,
		stepFailures:   stepFailures,
	}
}

// Execute validates d, computes its execution layers, and runs every step
// to completion. It never returns a non-nil error except ErrInvalidDAG;
// individual step failures are reported inside the returned WorkflowResult.
func (e *Executor) Execute(ctx context.Context, d *DAG, values map[string]any) (WorkflowResult, error) {
	if errs := d.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return WorkflowResult{}, fmt.Errorf("%w: %s", ErrInvalidDAG, strings.Join(msgs, "; "))
	}

	ctx, endSpan := telemetry.WithSpan(ctx, "dag.execute")
	defer endSpan()

	start := time.Now()
	layers := d.ExecutionLayers()

	var mu sync.Mutex
	results := make(map[string]StepResult, len(d.steps))
	outputs := make(map[string]any, len(d.steps))

	sem := make(chan struct{}, e.maxConcurrency)

	for _, layer := range layers {
		var wg sync.WaitGroup
		for _, id := range layer {
			step := d.steps[id]

			mu.Lock()
			skip, skipErr := e.dependencyStatus(step, results)
			mu.Unlock()
			if skip {
				mu.Lock()
				results[id] = StepResult{StepID: id, Status: StatusSkipped, Error: skipErr}
				mu.Unlock()
				continue
			}

			wg.Add(1)
			go func(step *Step) {
				defer wg.Done()
				e.runStep(ctx, step, values, &mu, outputs, results, sem)
			}(step)
		}
		wg.Wait()
	}

	elapsed := time.Since(start).Seconds()
	var completed, failed, skipped int
	for _, r := range results {
		switch r.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}

	return WorkflowResult{
		Success:       failed == 0,
		Steps:         results,
		TotalDuration: elapsed,
		Completed:     completed,
		Failed:        failed,
		Skipped:       skipped,
	}, nil
}

// dependencyStatus reports whether step must be skipped because a
// dependency failed. A dependency that was itself skipped does not
// propagate — only FAILED does (spec §4.3 point 8).
func (e *Executor) dependencyStatus(step *Step, results map[string]StepResult) (skip bool, reason string) {
	for _, dep := range step.DependsOn {
		if r, ok := results[dep]; ok && r.Status == StatusFailed {
			return true, "Dependency failed"
		}
	}
	return false, ""
}

func (e *Executor) runStep(
	ctx context.Context,
	step *Step,
	values map[string]any,
	mu *sync.Mutex,
	outputs map[string]any,
	results map[string]StepResult,
	sem chan struct{},
) {
	ctx, endSpan := telemetry.WithSpan(ctx, "dag.step."+step.ID)
	defer endSpan()

	start := time.Now()

	if step.Condition != nil {
		rc := snapshotRunContext(values, outputs, mu)
		ok, err := step.Condition(rc)
		if err != nil {
			e.record(mu, results, StepResult{
				StepID: step.ID,
				Status: StatusFailed,
				Error:  fmt.Sprintf("Condition evaluation failed: %v", err),
			})
			return
		}
		if !ok {
			e.record(mu, results, StepResult{StepID: step.ID, Status: StatusSkipped})
			return
		}
	}

	sem <- struct{}{}
	defer func() { <-sem }()

	if step.ResourceTag != "" {
		if limiter, ok := e.limiters[step.ResourceTag]; ok {
			if err := limiter.Acquire(ctx); err != nil {
				e.record(mu, results, StepResult{
					StepID:   step.ID,
					Status:   StatusFailed,
					Error:    fmt.Sprintf("rate limiter acquire failed: %v", err),
					Duration: time.Since(start).Seconds(),
				})
				return
			}
		}
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	var lastErr string
	retries := 0

	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		rc := snapshotRunContext(values, outputs, mu)

		attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
		output, err := step.Fn(attemptCtx, rc)
		cancel()

		if err == nil {
			mu.Lock()
			outputs[step.ID] = output
			results[step.ID] = StepResult{
				StepID:      step.ID,
				Status:      StatusCompleted,
				Output:      output,
				Duration:    time.Since(start).Seconds(),
				RetriesUsed: attempt,
			}
			mu.Unlock()
			if e.stepDuration != nil {
				e.stepDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("step", step.ID)))
			}
			return
		}

		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			lastErr = fmt.Sprintf("Step timed out after %gs", timeout)
		} else {
			lastErr = err.Error()
		}
		retries = attempt

		if attempt < step.MaxRetries {
			if e.stepRetries != nil {
				e.stepRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step.ID)))
			}
			base := step.RetryBackoffBase * mathPow2(attempt)
			jitter := rand.Float64() * base * 0.5
			time.Sleep(time.Duration((base + jitter) * float64(time.Second)))
		}
	}

	e.record(mu, results, StepResult{
		StepID:      step.ID,
		Status:      StatusFailed,
		Error:       lastErr,
		Duration:    time.Since(start).Seconds(),
		RetriesUsed: retries,
	})
	if e.stepFailures != nil {
		e.stepFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step.ID)))
	}
}

func (e *Executor) record(mu *sync.Mutex, results map[string]StepResult, r StepResult) {
	mu.Lock()
	results[r.StepID] = r
	mu.Unlock()
}

func snapshotRunContext(values map[string]any, outputs map[string]any, mu *sync.Mutex) *RunContext {
	mu.Lock()
	defer mu.Unlock()
	merged := make(map[string]any, len(values))
	for k, v := range values {
		merged[k] = v
	}
	outCopy := make(map[string]any, len(outputs))
	for k, v := range outputs {
		outCopy[k] = v
	}
	return &RunContext{Values: merged, StepOutputs: outCopy}
}

func mathPow2(attempt int) float64 {
	result := 1.0
	for i := 0; i < attempt; i++ {
		result *= 2
	}
	return result
}
