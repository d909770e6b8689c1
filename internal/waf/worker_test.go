package waf

import (
	"context"
	"testing"
	"time"

	"twist-edge/internal/audit"
	"twist-edge/internal/domain"
	"twist-edge/internal/logger"
	"twist-edge/internal/metrics"
	"twist-edge/internal/ratelimit"
	"twist-edge/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker() (*Worker, *storage.MemoryBlobStore) {
	log := logger.NewLogger("error", "json")
	blobs := storage.NewMemoryBlobStore()
	kv := storage.NewMemoryKVStore()

	auditLogger := audit.NewLogger(blobs, kv, storage.NoopPager{}, metrics.NewCollector(), log)
	limiter := ratelimit.NewLimiter(storage.NewMemoryActorStore(), log)
	policies := ratelimit.NewPolicyTable(100, time.Minute, 20)

	return NewWorker(limiter, policies, auditLogger, []string{"KP", "IR", "SY", "CU"}, log), blobs
}

func request(method, rawURL string) *domain.RequestContext {
	return &domain.RequestContext{
		Method:   method,
		URL:      rawURL,
		Path:     rawURL,
		Headers:  map[string]string{"User-Agent": "Mozilla/5.0"},
		ClientIP: "203.0.113.9",
	}
}

func TestProcessRequestBlocksAttacks(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		body   string
		ruleID string
	}{
		{"Classic quoted tautology", "/products?id=1' OR '1'='1", "", "sql-injection"},
		{"Union select", "/search?q=1 UNION SELECT password FROM users", "", "sql-injection"},
		{"Stacked query", "/items?id=1; DROP TABLE users", "", "sql-injection"},
		{"Numeric tautology in body", "/login", "user=admin&filter=1 OR 1=1", "sql-injection"},
		{"Script tag", "/comment?text=<script>alert(1)</script>", "", "xss"},
		{"Event handler", "/profile?bio=<img src=x onerror=alert(1)>", "", "xss"},
		{"Javascript scheme", "/redirect?to=javascript:alert(1)", "", "xss"},
		{"Plain traversal", "/files/../../etc/passwd", "", "path-traversal"},
		{"Encoded traversal", "/files/%2e%2e%2f%2e%2e%2fetc/passwd", "", "path-traversal"},
		{"Double encoded traversal", "/files/%252e%252e%252fetc/passwd", "", "path-traversal"},
		{"Backslash traversal", "/files/..\\..\\windows\\win.ini", "", "path-traversal"},
		{"Command substitution", "/ping?host=$(cat /etc/passwd)", "", "command-injection"},
		{"Chained command", "/ping?host=1.1.1.1;cat /etc/shadow", "", "command-injection"},
		{"NoSQL operator", "/api/find", `{"username":{"$ne":null},"$where":"1"}`, "nosql-injection"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worker, _ := newTestWorker()

			req := request("GET", tt.url)
			req.Body = tt.body

			result, err := worker.ProcessRequest(context.Background(), req)
			require.NoError(t, err)

			assert.False(t, result.Allowed)
			assert.Equal(t, domain.ActionBlock, result.Action)
			require.NotEmpty(t, result.Rules)
			assert.Equal(t, tt.ruleID, result.Rules[len(result.Rules)-1].RuleID)
		})
	}
}

func TestProcessRequestAllowsBenignText(t *testing.T) {
	tests := []struct {
		name string
		url  string
		body string
	}{
		{"English sentence with select", "/articles?q=how to select a good laptop", ""},
		{"English sentence with union", "/articles?q=history of the european union", ""},
		{"Select and union apart", "/articles?q=select the union representative", ""},
		{"Ordinary body text", "/feedback", "I would like to select another plan or update my address"},
		{"Plain browsing", "/v1/sites", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worker, _ := newTestWorker()

			req := request("GET", tt.url)
			req.Body = tt.body

			result, err := worker.ProcessRequest(context.Background(), req)
			require.NoError(t, err)

			assert.True(t, result.Allowed, "benign request was blocked: %+v", result)
			assert.Equal(t, domain.ActionAllow, result.Action)
		})
	}
}

func TestProcessRequestHeaderRules(t *testing.T) {
	t.Run("Scanner user agent is blocked", func(t *testing.T) {
		worker, _ := newTestWorker()

		req := request("GET", "/")
		req.Headers["User-Agent"] = "sqlmap/1.7-dev"

		result, err := worker.ProcessRequest(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, "suspicious-user-agent", result.Rules[0].RuleID)
	})

	t.Run("Known crawler is allowed", func(t *testing.T) {
		worker, _ := newTestWorker()

		req := request("GET", "/")
		req.Headers["User-Agent"] = "Mozilla/5.0 (compatible; Googlebot/2.1)"

		result, err := worker.ProcessRequest(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("Automation client is logged without blocking", func(t *testing.T) {
		worker, blobs := newTestWorker()

		req := request("GET", "/v1/sites")
		req.Headers["User-Agent"] = "curl/8.4.0"

		result, err := worker.ProcessRequest(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, domain.ActionAllow, result.Action)
		require.Len(t, result.Rules, 1)
		assert.Equal(t, "automation-user-agent", result.Rules[0].RuleID)
		assert.Equal(t, domain.ActionLog, result.Rules[0].Action)

		keys, err := blobs.List(context.Background(), "security-logs/", 0)
		require.NoError(t, err)
		assert.NotEmpty(t, keys, "log-action match must produce an audit event")
	})

	t.Run("Multiple forwarded IP headers challenge without blocking", func(t *testing.T) {
		// Heurística conhecida: presença de headers, não IP resolvido
		worker, _ := newTestWorker()

		req := request("GET", "/")
		req.Headers["X-Forwarded-For"] = "1.1.1.1"
		req.Headers["X-Real-IP"] = "2.2.2.2"

		result, err := worker.ProcessRequest(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		require.Len(t, result.Rules, 1)
		assert.Equal(t, "rate-limit-bypass", result.Rules[0].RuleID)
		assert.Equal(t, domain.ActionChallenge, result.Rules[0].Action)
	})

	t.Run("Oversized body is blocked", func(t *testing.T) {
		worker, _ := newTestWorker()

		req := request("POST", "/v1/activity")
		req.ContentLength = 2 << 20

		result, err := worker.ProcessRequest(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, "oversized-body", result.Rules[0].RuleID)
	})

	t.Run("Conflicting length and encoding is blocked", func(t *testing.T) {
		worker, _ := newTestWorker()

		req := request("POST", "/v1/activity")
		req.Headers["Content-Length"] = "100"
		req.Headers["Transfer-Encoding"] = "chunked"

		result, err := worker.ProcessRequest(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, "smuggling", result.Rules[0].RuleID)
	})
}

func TestProcessRequestRateLimit(t *testing.T) {
	worker, _ := newTestWorker()
	ctx := context.Background()

	req := request("GET", "/v1/activity")
	req.Method = "POST"

	var last *domain.SecurityCheckResult
	for i := 0; i < 21; i++ {
		result, err := worker.ProcessRequest(ctx, req)
		require.NoError(t, err)
		last = result
	}

	assert.False(t, last.Allowed)
	assert.Equal(t, domain.ActionRateLimit, last.Action)
	require.NotNil(t, last.RateLimit)
	assert.Equal(t, 20, last.RateLimit.Limit)
	assert.True(t, last.RateLimit.ResetAt.After(time.Now()))
}

func TestProcessRequestGeoBlock(t *testing.T) {
	worker, _ := newTestWorker()

	req := request("GET", "/v1/sites")
	req.Country = "KP"

	result, err := worker.ProcessRequest(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, domain.ActionGeoBlock, result.Action)
}

func TestProcessRequestEmitsAuditEvents(t *testing.T) {
	worker, blobs := newTestWorker()

	req := request("GET", "/products?id=1' OR '1'='1")
	_, err := worker.ProcessRequest(context.Background(), req)
	require.NoError(t, err)

	keys, err := blobs.List(context.Background(), "security-logs/", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, keys, "blocking match must produce an audit event")
}

func TestProcessRequestFailsOpenOnLimiterError(t *testing.T) {
	log := logger.NewLogger("error", "json")
	blobs := storage.NewMemoryBlobStore()
	kv := storage.NewMemoryKVStore()
	auditLogger := audit.NewLogger(blobs, kv, storage.NoopPager{}, metrics.NewCollector(), log)

	worker := NewWorker(failingLimiter{}, ratelimit.NewPolicyTable(100, time.Minute, 20), auditLogger, nil, log)

	result, err := worker.ProcessRequest(context.Background(), request("GET", "/v1/sites"))
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

type failingLimiter struct{}

func (failingLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (*domain.RateLimitResult, error) {
	return nil, context.DeadlineExceeded
}
