package audit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"twist-edge/internal/domain"
	"twist-edge/internal/logger"
	"twist-edge/internal/metrics"
	"twist-edge/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPager captura os alertas enviados, para inspeção nos testes
type recordingPager struct {
	mu    sync.Mutex
	pages []string
}

func (p *recordingPager) Page(ctx context.Context, dedupKey, summary string, details map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages = append(p.pages, dedupKey)
	return nil
}

func (p *recordingPager) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pages)
}

func newTestAudit() (*Logger, *storage.MemoryBlobStore, *storage.MemoryKVStore, *recordingPager) {
	blobs := storage.NewMemoryBlobStore()
	kv := storage.NewMemoryKVStore()
	pager := &recordingPager{}
	l := NewLogger(blobs, kv, pager, metrics.NewCollector(), logger.NewLogger("error", "json"))
	return l, blobs, kv, pager
}

func TestLogSecurityEventPartitioning(t *testing.T) {
	ctx := context.Background()
	auditLogger, blobs, _, _ := newTestAudit()

	fixed := time.Date(2026, 8, 29, 14, 30, 0, 0, time.UTC)
	auditLogger.now = func() time.Time { return fixed }

	event := &domain.SecurityEvent{
		Type:           "rule_match",
		RuleID:         "sql-injection",
		Severity:       domain.SeverityCritical,
		Country:        "BR",
		RequestSummary: "GET /products?id=1' OR '1'='1",
	}
	require.NoError(t, auditLogger.LogSecurityEvent(ctx, event))

	keys, err := blobs.List(ctx, "security-logs/2026-08-29/14/", 0)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	data, err := blobs.Get(ctx, keys[0])
	require.NoError(t, err)

	var stored domain.SecurityEvent
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, "sql-injection", stored.RuleID)
	assert.Equal(t, fixed, stored.Timestamp)
}

func TestSecurityMetricsRollup(t *testing.T) {
	ctx := context.Background()
	auditLogger, _, _, _ := newTestAudit()

	fixed := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	auditLogger.now = func() time.Time { return fixed }

	events := []*domain.SecurityEvent{
		{Type: "rule_match", RuleID: "xss", Severity: domain.SeverityHigh, Country: "US"},
		{Type: "rule_match", RuleID: "xss", Severity: domain.SeverityHigh, Country: "BR"},
		{Type: "geo_block", Severity: domain.SeverityHigh, Country: "KP"},
	}
	for _, event := range events {
		require.NoError(t, auditLogger.LogSecurityEvent(ctx, event))
	}

	rollup, err := auditLogger.SecurityMetrics(ctx, "2026-08-29")
	require.NoError(t, err)

	assert.Equal(t, int64(3), rollup.Total)
	assert.Equal(t, int64(2), rollup.ByType["rule_match"])
	assert.Equal(t, int64(1), rollup.ByType["geo_block"])
	assert.Equal(t, int64(2), rollup.ByRule["xss"])
	assert.Equal(t, int64(3), rollup.BySeverity["high"])
	assert.Equal(t, int64(1), rollup.ByCountry["KP"])
}

func TestSecurityMetricsEmptyDay(t *testing.T) {
	auditLogger, _, _, _ := newTestAudit()

	rollup, err := auditLogger.SecurityMetrics(context.Background(), "2001-01-01")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rollup.Total)
	assert.Empty(t, rollup.ByRule)
}

func TestQueryLogs(t *testing.T) {
	ctx := context.Background()
	auditLogger, _, _, _ := newTestAudit()

	base := time.Date(2026, 8, 29, 8, 0, 0, 0, time.UTC)

	// Eventos espalhados por três horas
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		auditLogger.now = func() time.Time { return ts }

		ruleID := "xss"
		if i == 1 {
			ruleID = "sql-injection"
		}
		require.NoError(t, auditLogger.LogSecurityEvent(ctx, &domain.SecurityEvent{
			Type:     "rule_match",
			RuleID:   ruleID,
			Severity: domain.SeverityHigh,
		}))
	}

	t.Run("Range scan newest first", func(t *testing.T) {
		events, err := auditLogger.QueryLogs(ctx, &domain.LogQuery{
			StartTime: base,
			EndTime:   base.Add(3 * time.Hour),
		})
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.True(t, events[0].Timestamp.After(events[1].Timestamp))
		assert.True(t, events[1].Timestamp.After(events[2].Timestamp))
	})

	t.Run("Filter by rule", func(t *testing.T) {
		events, err := auditLogger.QueryLogs(ctx, &domain.LogQuery{
			StartTime: base,
			EndTime:   base.Add(3 * time.Hour),
			RuleID:    "sql-injection",
		})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "sql-injection", events[0].RuleID)
	})

	t.Run("Limit caps results", func(t *testing.T) {
		events, err := auditLogger.QueryLogs(ctx, &domain.LogQuery{
			StartTime: base,
			EndTime:   base.Add(3 * time.Hour),
			Limit:     2,
		})
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("Range excludes events outside window", func(t *testing.T) {
		events, err := auditLogger.QueryLogs(ctx, &domain.LogQuery{
			StartTime: base.Add(30 * time.Minute),
			EndTime:   base.Add(90 * time.Minute),
		})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "sql-injection", events[0].RuleID)
	})
}

func TestCriticalEventDispatchesPager(t *testing.T) {
	ctx := context.Background()
	auditLogger, _, _, pager := newTestAudit()

	require.NoError(t, auditLogger.LogSecurityEvent(ctx, &domain.SecurityEvent{
		Type:     "rule_match",
		RuleID:   "command-injection",
		Severity: domain.SeverityCritical,
	}))

	// Dispatch é assíncrono
	assert.Eventually(t, func() bool { return pager.count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, auditLogger.LogSecurityEvent(ctx, &domain.SecurityEvent{
		Type:     "rule_match",
		RuleID:   "xss",
		Severity: domain.SeverityHigh,
	}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, pager.count(), "non-critical events must not page")
}
