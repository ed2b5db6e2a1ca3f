// Package dag implements the general-purpose DAG workflow executor: step
// graph construction, structural validation, layered topological ordering,
// and bounded-concurrency execution with retries, timeouts, rate limiting,
// and failure propagation.
package dag

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidDAG wraps every structural validation failure surfaced by Validate.
var ErrInvalidDAG = errors.New("invalid dag")

// ErrDuplicateStep is returned by AddStep when step_id is already registered.
var ErrDuplicateStep = errors.New("duplicate step id")

// StepStatus is the lifecycle state of one StepResult.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusRunning   StepStatus = "running"
	StatusCompleted StepStatus = "completed"
	StatusFailed    StepStatus = "failed"
	StatusSkipped   StepStatus = "skipped"
)

// StepFunc is the body of a workflow step. It receives the merged execution
// context (caller context plus peer step outputs) and returns either an
// output value visible to dependents or an error that drives the retry loop.
type StepFunc func(ctx context.Context, rc *RunContext) (any, error)

// ConditionFunc decides whether a step should run at all. A false result
// skips the step with zero duration; a returned error fails the step without
// invoking StepFunc.
type ConditionFunc func(rc *RunContext) (bool, error)

// RunContext is handed to every StepFunc and ConditionFunc. StepOutputs
// exposes every dependency's successful return value by step id; Values
// carries the caller-supplied execution context (the "ctx" map in the
// source workflow_executor.py).
type RunContext struct {
	Values      map[string]any
	StepOutputs map[string]any
}

// Output returns the named dependency's output and whether it was present.
func (rc *RunContext) Output(stepID string) (any, bool) {
	v, ok := rc.StepOutputs[stepID]
	return v, ok
}

// Step is one node in the DAG.
type Step struct {
	ID               string
	Fn               StepFunc
	DependsOn        []string
	MaxRetries       int
	RetryBackoffBase float64 // seconds
	Condition        ConditionFunc
	ResourceTag      string
	Timeout          float64 // seconds; 0 means "use the executor default"
}

// StepResult is the outcome of executing a single step.
type StepResult struct {
	StepID      string
	Status      StepStatus
	Output      any
	Error       string
	Duration    float64 // seconds
	RetriesUsed int
}

// WorkflowResult aggregates the outcome of one DAG execution.
type WorkflowResult struct {
	Success       bool
	Steps         map[string]StepResult
	TotalDuration float64
	Completed     int
	Failed        int
	Skipped       int
}

// DAG owns the step registry plus forward/reverse adjacency.
type DAG struct {
	steps    map[string]*Step
	order    []string // insertion order, for deterministic error reporting
	adjacency map[string][]string
	reverse   map[string][]string
}

// New constructs an empty DAG.
func New() *DAG {
	return &DAG{
		steps:     make(map[string]*Step),
		adjacency: make(map[string][]string),
		reverse:   make(map[string][]string),
	}
}

// StepOption configures optional Step fields via AddStep.
type StepOption func(*Step)

func WithDependsOn(ids ...string) StepOption { return func(s *Step) { s.DependsOn = ids } }
func WithMaxRetries(n int) StepOption        { return func(s *Step) { s.MaxRetries = n } }
func WithRetryBackoffBase(seconds float64) StepOption {
	return func(s *Step) { s.RetryBackoffBase = seconds }
}
func WithCondition(c ConditionFunc) StepOption { return func(s *Step) { s.Condition = c } }
func WithResourceTag(tag string) StepOption    { return func(s *Step) { s.ResourceTag = tag } }
func WithTimeout(seconds float64) StepOption   { return func(s *Step) { s.Timeout = seconds } }

// AddStep registers a new step. Returns ErrDuplicateStep if id is already
// present.
func (d *DAG) AddStep(id string, fn StepFunc, opts ...StepOption) error {
	if _, exists := d.steps[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateStep, id)
	}

	step := &Step{ID: id, Fn: fn, MaxRetries: 3, RetryBackoffBase: 1.0}
	for _, opt := range opts {
		opt(step)
	}

	d.steps[id] = step
	d.order = append(d.order, id)
	if _, ok := d.adjacency[id]; !ok {
		d.adjacency[id] = nil
	}
	for _, dep := range step.DependsOn {
		d.adjacency[dep] = append(d.adjacency[dep], id)
		d.reverse[id] = append(d.reverse[id], dep)
	}
	return nil
}

// Steps exposes the registered steps by id.
func (d *DAG) Steps() map[string]*Step { return d.steps }

// Validate checks structural invariants: at least one step, every
// dependency resolves to a known step, and the graph is acyclic (Kahn's
// algorithm). It returns every error found, not just the first.
func (d *DAG) Validate() []error {
	var errs []error

	if len(d.steps) == 0 {
		return []error{fmt.Errorf("%w: DAG has no steps", ErrInvalidDAG)}
	}

	for _, id := range d.order {
		step := d.steps[id]
		for _, dep := range step.DependsOn {
			if _, ok := d.steps[dep]; !ok {
				errs = append(errs, fmt.Errorf("%w: step %q depends on %q which does not exist", ErrInvalidDAG, id, dep))
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}

	inDegree := d.computeInDegrees()
	queue := make([]string, 0, len(d.steps))
	for _, id := range d.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range d.adjacency[node] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited != len(d.steps) {
		errs = append(errs, fmt.Errorf("%w: cycle detected (visited %d/%d nodes)", ErrInvalidDAG, visited, len(d.steps)))
	}
	return errs
}

func (d *DAG) computeInDegrees() map[string]int {
	inDegree := make(map[string]int, len(d.steps))
	for _, id := range d.order {
		inDegree[id] = 0
	}
	for _, id := range d.order {
		step := d.steps[id]
		for _, dep := range step.DependsOn {
			if _, ok := d.steps[dep]; ok {
				inDegree[id]++
			}
		}
	}
	return inDegree
}

// ExecutionLayers groups steps into parallel-dispatch layers: layer 0 holds
// every zero-in-degree step, layer k+1 holds steps whose dependencies are
// all satisfied by layers 0..k. Validate must have returned no errors
// before calling this.
func (d *DAG) ExecutionLayers() [][]string {
	inDegree := d.computeInDegrees()

	var current []string
	for _, id := range d.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	var layers [][]string
	for len(current) > 0 {
		layers = append(layers, current)
		var next []string
		for _, node := range current {
			for _, child := range d.adjacency[node] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		current = next
	}
	return layers
}
