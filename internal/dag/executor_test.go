package dag

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_DiamondSuccess(t *testing.T) {
	d := New()
	var leftStart, rightStart time.Time
	var mu sync.Mutex

	sleepy := func(id string, set func(time.Time)) StepFunc {
		return func(ctx context.Context, rc *RunContext) (any, error) {
			mu.Lock()
			set(time.Now())
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			return id, nil
		}
	}

	require.NoError(t, d.AddStep("root", sleepy("root", func(time.Time) {})))
	require.NoError(t, d.AddStep("left", sleepy("left", func(tm time.Time) { leftStart = tm }), WithDependsOn("root")))
	require.NoError(t, d.AddStep("right", sleepy("right", func(tm time.Time) { rightStart = tm }), WithDependsOn("root")))
	require.NoError(t, d.AddStep("join", sleepy("join", func(time.Time) {}), WithDependsOn("left", "right")))

	exec := NewExecutor(4, nil, 5)
	result, err := exec.Execute(context.Background(), d, nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 4, result.Completed)
	assert.Less(t, leftStart.Sub(rightStart).Abs(), 50*time.Millisecond)
}

func TestExecute_RetryThenSucceed(t *testing.T) {
	d := New()
	var attempts int32

	flaky := func(ctx context.Context, rc *RunContext) (any, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return nil, errors.New("transient failure")
		}
		return "ok", nil
	}

	require.NoError(t, d.AddStep("flaky", flaky, WithMaxRetries(3), WithRetryBackoffBase(0.01)))

	exec := NewExecutor(2, nil, 5)
	start := time.Now()
	result, err := exec.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	elapsed := time.Since(start)

	step := result.Steps["flaky"]
	assert.Equal(t, StatusCompleted, step.Status)
	assert.Equal(t, 2, step.RetriesUsed)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestExecute_FailurePropagation(t *testing.T) {
	d := New()
	require.NoError(t, d.AddStep("fail", func(ctx context.Context, rc *RunContext) (any, error) {
		return nil, errors.New("boom")
	}, WithMaxRetries(0)))
	require.NoError(t, d.AddStep("child", noop, WithDependsOn("fail")))
	require.NoError(t, d.AddStep("independent", noop))

	exec := NewExecutor(4, nil, 5)
	result, err := exec.Execute(context.Background(), d, nil)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, StatusFailed, result.Steps["fail"].Status)
	assert.Equal(t, StatusSkipped, result.Steps["child"].Status)
	assert.Equal(t, "Dependency failed", result.Steps["child"].Error)
	assert.Equal(t, StatusCompleted, result.Steps["independent"].Status)
}

func TestExecute_ConditionSkip(t *testing.T) {
	d := New()
	require.NoError(t, d.AddStep("root", noop))
	require.NoError(t, d.AddStep("conditional", noop,
		WithDependsOn("root"),
		WithCondition(func(rc *RunContext) (bool, error) { return false, nil }),
	))

	exec := NewExecutor(2, nil, 5)
	result, err := exec.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Steps["conditional"].Status)
	assert.Equal(t, float64(0), result.Steps["conditional"].Duration)
}

func TestExecute_ConditionErrorFailsStep(t *testing.T) {
	d := New()
	require.NoError(t, d.AddStep("broken", noop,
		WithCondition(func(rc *RunContext) (bool, error) { return false, errors.New("predicate exploded") }),
	))

	exec := NewExecutor(2, nil, 5)
	result, err := exec.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Steps["broken"].Status)
	assert.Contains(t, result.Steps["broken"].Error, "Condition evaluation failed")
}

func TestExecute_InvalidDAGFailsFast(t *testing.T) {
	d := New()
	exec := NewExecutor(2, nil, 5)
	_, err := exec.Execute(context.Background(), d, nil)
	assert.ErrorIs(t, err, ErrInvalidDAG)
}

func TestExecute_StepSeesDependencyOutput(t *testing.T) {
	d := New()
	require.NoError(t, d.AddStep("producer", func(ctx context.Context, rc *RunContext) (any, error) {
		return "hello", nil
	}))
	var seen any
	require.NoError(t, d.AddStep("consumer", func(ctx context.Context, rc *RunContext) (any, error) {
		v, _ := rc.Output("producer")
		seen = v
		return nil, nil
	}, WithDependsOn("producer")))

	exec := NewExecutor(2, nil, 5)
	_, err := exec.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", seen)
}

func TestExecute_TimeoutIsRetriedThenFailed(t *testing.T) {
	d := New()
	require.NoError(t, d.AddStep("slow", func(ctx context.Context, rc *RunContext) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithMaxRetries(1), WithTimeout(0.02), WithRetryBackoffBase(0.01)))

	exec := NewExecutor(2, nil, 5)
	result, err := exec.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	step := result.Steps["slow"]
	assert.Equal(t, StatusFailed, step.Status)
	assert.Contains(t, step.Error, "timed out after")
}

func TestExecute_ConcurrencyCapped(t *testing.T) {
	d := New()
	var current, maxSeen int32
	for i := 0; i < 10; i++ {
		require.NoError(t, d.AddStep(string(rune('a'+i)), func(ctx context.Context, rc *RunContext) (any, error) {
			n := atomic.AddInt32(&current, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil, nil
		}))
	}

	exec := NewExecutor(3, nil, 5)
	result, err := exec.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(3))
}
