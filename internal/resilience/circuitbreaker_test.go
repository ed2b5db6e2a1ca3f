package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failingOp(ctx context.Context) error { return errBoom }
func okOp(ctx context.Context) error      { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(Config{Name: "extractor", FailureThreshold: 5, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 2})

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), failingOp)
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, "open", cb.State())

	// 6th call is rejected without invoking the op.
	invoked := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, invoked)
	var coe *CircuitOpenError
	require.ErrorAs(t, err, &coe)
}

func TestCircuitBreaker_HalfOpenAdmitsExactlyMaxCalls(t *testing.T) {
	cb := New(Config{Name: "extractor", FailureThreshold: 2, RecoveryTimeout: 10 * time.Millisecond, HalfOpenMaxCalls: 2})

	_ = cb.Execute(context.Background(), failingOp)
	_ = cb.Execute(context.Background(), failingOp)
	assert.Equal(t, "open", cb.State())

	time.Sleep(15 * time.Millisecond)

	allowed := 0
	for i := 0; i < 5; i++ {
		ok, _ := cb.Allow()
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(Config{Name: "extractor", FailureThreshold: 1, RecoveryTimeout: 5 * time.Millisecond, HalfOpenMaxCalls: 2})

	_ = cb.Execute(context.Background(), failingOp)
	assert.Equal(t, "open", cb.State())

	time.Sleep(10 * time.Millisecond)

	err := cb.Execute(context.Background(), failingOp)
	require.Error(t, err)
	assert.Equal(t, "open", cb.State())
}

func TestCircuitBreaker_HalfOpenClosesAfterMaxSuccesses(t *testing.T) {
	cb := New(Config{Name: "extractor", FailureThreshold: 1, RecoveryTimeout: 5 * time.Millisecond, HalfOpenMaxCalls: 2})

	_ = cb.Execute(context.Background(), failingOp)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, cb.Execute(context.Background(), okOp))
	assert.Equal(t, "half_open", cb.State())
	require.NoError(t, cb.Execute(context.Background(), okOp))
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailuresWhileClosed(t *testing.T) {
	cb := New(Config{Name: "extractor", FailureThreshold: 3, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 2})

	_ = cb.Execute(context.Background(), failingOp)
	_ = cb.Execute(context.Background(), failingOp)
	require.NoError(t, cb.Execute(context.Background(), okOp))
	_ = cb.Execute(context.Background(), failingOp)
	_ = cb.Execute(context.Background(), failingOp)
	assert.Equal(t, "closed", cb.State(), "success should have reset the consecutive failure count")
}

func TestRegistry_GetOrCreateIsStable(t *testing.T) {
	r := NewRegistry()
	a := r.GetOrCreate(Config{Name: "extractor"})
	b := r.GetOrCreate(Config{Name: "extractor"})
	assert.Same(t, a, b)
}
