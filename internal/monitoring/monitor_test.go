package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordProcessing_ComputesP95AndErrorRate(t *testing.T) {
	m := New()
	ctx := context.Background()

	for i := 0; i < 19; i++ {
		m.RecordProcessing(ctx, 1.0, 0.9, true)
	}
	m.RecordProcessing(ctx, 100.0, 0.9, false)

	snap := m.Snapshot()
	assert.Equal(t, 100.0, snap.P95LatencySeconds)
	assert.InDelta(t, 5.0, snap.ErrorRatePercent, 0.01)
}

func TestSnapshot_DocsPerHourEqualsWindowCount(t *testing.T) {
	m := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.RecordProcessing(ctx, 2.0, 1.0, true)
	}
	snap := m.Snapshot()
	assert.Equal(t, 5.0, snap.DocsPerHour)
}

func TestEvictLocked_DropsEntriesOutsideWindow(t *testing.T) {
	m := New()
	m.window.PushBack(sample{at: time.Now().Add(-2 * windowDuration), duration: 7})
	m.window.PushBack(sample{at: time.Now(), duration: 3})

	m.mu.Lock()
	m.evictLocked(time.Now())
	m.mu.Unlock()

	require.Equal(t, 1, m.window.Len())
	assert.Equal(t, 3.0, m.window.Front().Value.(sample).duration)
}

func TestCheckSLAs_FlagsBreachedMetrics(t *testing.T) {
	m := New()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		m.RecordProcessing(ctx, 45.0, 0.5, false)
	}
	m.UpdateQueueDepth(ctx, 600, 0)

	breaches := m.CheckSLAs(ctx)
	names := make(map[string]bool)
	for _, b := range breaches {
		names[b.SLA] = true
	}
	assert.True(t, names["Latency"])
	assert.True(t, names["Error Rate"])
	assert.True(t, names["Queue Depth"])
	assert.True(t, names["Throughput"])
}

func TestCheckSLAs_HealthySystemHasNoBreaches(t *testing.T) {
	m := New()
	ctx := context.Background()

	for i := 0; i < 5000; i++ {
		m.RecordProcessing(ctx, 1.0, 0.99, true)
	}
	m.UpdateQueueDepth(ctx, 10, 0)

	breaches := m.CheckSLAs(ctx)
	var names []string
	for _, b := range breaches {
		names = append(names, b.SLA)
	}
	assert.Empty(t, names, "unexpected breaches: %v", names)
}
