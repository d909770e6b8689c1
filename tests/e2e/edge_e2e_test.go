package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twist-edge/internal/audit"
	"twist-edge/internal/cache"
	"twist-edge/internal/cohort"
	"twist-edge/internal/domain"
	"twist-edge/internal/handler"
	"twist-edge/internal/logger"
	"twist-edge/internal/metrics"
	"twist-edge/internal/middleware"
	"twist-edge/internal/queueproc"
	"twist-edge/internal/ratelimit"
	"twist-edge/internal/rewards"
	"twist-edge/internal/storage"
	"twist-edge/internal/waf"
)

// E2ETestSuite contém a borda completa montada sobre storages em memória
type E2ETestSuite struct {
	router    *gin.Engine
	backends  *storage.Backends
	processor *queueproc.Processor
}

// setupE2ETest monta o pipeline completo da borda para testes
func setupE2ETest(t *testing.T) *E2ETestSuite {
	t.Helper()
	gin.SetMode(gin.TestMode)

	appLogger := logger.NewLogger("error", "json")
	collector := metrics.NewCollector()
	backends := storage.NewMemoryBackends()

	auditLogger := audit.NewLogger(backends.Blobs, backends.KV, storage.NoopPager{}, collector, appLogger)

	limiter := ratelimit.NewLimiter(backends.Actors, appLogger)
	policies := ratelimit.NewPolicyTable(100, time.Minute, 20)
	securityWorker := waf.NewWorker(limiter, policies, auditLogger, []string{"KP", "IR", "SY", "CU"}, appLogger)

	salts := cohort.NewSaltRotator(backends.KV, appLogger)
	targeting := cohort.NewTargeting(backends.KV, salts, appLogger)

	cacheManager := cache.NewManager(backends.KV, cache.DefaultRules(), appLogger)

	sites := map[string]domain.SiteConfig{
		"news.example.com": {SiteID: "news.example.com", Premium: true, Verified: true},
		"blog.example.com": {SiteID: "blog.example.com", Verified: true},
	}

	handlers := handler.NewHandlers(
		backends.ActivityQueue, targeting, salts, auditLogger,
		backends.KV, sites, collector, appLogger,
	)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	handlers.SetupRoutes(
		router,
		middleware.NewCacheMiddleware(cacheManager, collector, appLogger),
		middleware.NewSecurityMiddleware(securityWorker, collector, appLogger, 1<<20),
	)
	cacheManager.SetOrigin(router)

	validator := rewards.NewValidator(backends.KV, 30, 5*time.Minute)
	calculator := rewards.NewCalculator(backends.KV, sites, 0.01, 0.0001, appLogger)
	processor := queueproc.NewProcessor(
		backends.ActivityQueue, backends.RewardQueue, backends.Blobs,
		validator, calculator, collector, appLogger,
		100, 100, 25*time.Second,
	)

	return &E2ETestSuite{router: router, backends: backends, processor: processor}
}

func (s *E2ETestSuite) get(target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "198.51.100.7:4242"
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *E2ETestSuite) postJSON(target string, payload interface{}, headers map[string]string) *httptest.ResponseRecorder {
	data, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(data))
	req.RemoteAddr = "198.51.100.7:4242"
	req.Header.Set("Content-Type", "application/json")
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func activityPayload(id, userID string) map[string]interface{} {
	return map[string]interface{}{
		"id":        id,
		"userId":    userID,
		"deviceId":  "device-1",
		"siteId":    "news.example.com",
		"timestamp": time.Now().UnixMilli(),
		"signature": "sig",
		"payload": map[string]interface{}{
			"duration":     60000,
			"scrollDepth":  0.9,
			"interactions": 10,
		},
	}
}

func TestE2ESQLInjectionBlocked(t *testing.T) {
	suite := setupE2ETest(t)

	rec := suite.get("/v1/sites?id=1%27%20OR%20%271%27=%271", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"allowed":false`)
	assert.Contains(t, rec.Body.String(), `"sql-injection"`)

	// O bloqueio aparece no rollup diário de segurança
	metricsRec := suite.get("/admin/security/metrics", nil)
	require.Equal(t, http.StatusOK, metricsRec.Code)
	assert.Contains(t, metricsRec.Body.String(), `"sql-injection"`)
}

func TestE2EAdminRoutesAreProtected(t *testing.T) {
	suite := setupE2ETest(t)

	rec := suite.get("/admin/security/logs?start=1%27%20OR%20%271%27=%271", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"allowed":false`)
	assert.Contains(t, rec.Body.String(), `"sql-injection"`)
}

func TestE2EGeoBlock(t *testing.T) {
	suite := setupE2ETest(t)

	rec := suite.get("/v1/sites", map[string]string{"CF-IPCountry": "KP"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"geo_block"`)
}

func TestE2EActivityRateLimit(t *testing.T) {
	suite := setupE2ETest(t)

	var last *httptest.ResponseRecorder
	for i := 0; i < 21; i++ {
		last = suite.postJSON("/v1/activity", activityPayload(fmt.Sprintf("vau-%d", i), "user-1"), nil)
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "20", last.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", last.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
}

func TestE2ECacheHitAndBypass(t *testing.T) {
	suite := setupE2ETest(t)

	first := suite.get("/v1/sites", nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

	second := suite.get("/v1/sites", nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())

	post := suite.postJSON("/v1/activity", activityPayload("vau-bypass", "user-1"), nil)
	assert.Equal(t, "BYPASS", post.Header().Get("X-Cache"))
}

func TestE2EActivityToReward(t *testing.T) {
	suite := setupE2ETest(t)
	ctx := context.Background()

	require.NoError(t, rewards.RegisterDevice(ctx, suite.backends.KV, &domain.DeviceRecord{
		DeviceID:   "device-1",
		TrustScore: 80,
	}))

	// Submissão aceita na borda
	rec := suite.postJSON("/v1/activity", activityPayload("vau-e2e", "user-1"), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queued":true`)

	// O consumidor processa o lote e publica a recompensa
	receiveCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	batch, err := suite.backends.ActivityQueue.Receive(receiveCtx, 100)
	require.NoError(t, err)
	suite.processor.ProcessBatch(ctx, batch)

	rewardCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	rewardBatch, err := suite.backends.RewardQueue.Receive(rewardCtx, 100)
	require.NoError(t, err)
	require.Len(t, rewardBatch.Messages, 1)

	var reward domain.Reward
	require.NoError(t, json.Unmarshal(rewardBatch.Messages[0].Body, &reward))
	assert.Equal(t, "user-1", reward.UserID)
	assert.Equal(t, "vau-e2e", reward.VAUID)
	assert.Greater(t, reward.Amount, int64(0))

	// Submissão duplicada não gera segunda recompensa
	dup := suite.postJSON("/v1/activity", activityPayload("vau-e2e", "user-1"), nil)
	require.Equal(t, http.StatusAccepted, dup.Code)

	receiveCtx2, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	dupBatch, err := suite.backends.ActivityQueue.Receive(receiveCtx2, 100)
	require.NoError(t, err)
	suite.processor.ProcessBatch(ctx, dupBatch)

	memQueue, ok := suite.backends.RewardQueue.(*storage.MemoryQueue)
	require.True(t, ok)
	assert.Equal(t, 0, memQueue.Len(), "duplicate vau id yields no second reward")
}

func TestE2ECohortCampaign(t *testing.T) {
	suite := setupE2ETest(t)

	userID := "user-7"
	create := suite.postJSON("/v1/campaigns/cohort", map[string]interface{}{
		"name":    "retargeting",
		"cohorts": []string{cohort.UserCohort(userID)},
	}, nil)
	require.Equal(t, http.StatusCreated, create.Code)

	var created struct {
		FilterID string `json:"filterId"`
	}
	require.NoError(t, json.Unmarshal(create.Body.Bytes(), &created))

	check := suite.get("/v1/campaigns/cohort/"+created.FilterID+"/check?userId="+userID, nil)
	require.Equal(t, http.StatusOK, check.Code)
	assert.Contains(t, check.Body.String(), `"member":true`)
}
