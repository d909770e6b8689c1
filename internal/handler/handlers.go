package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"twist-edge/internal/cohort"
	"twist-edge/internal/domain"
	"twist-edge/internal/metrics"
)

// Handlers contém os handlers da API de borda
type Handlers struct {
	activity  domain.Queue
	cohorts   domain.CohortService
	salts     *cohort.SaltRotator
	audit     domain.AuditLogger
	kv        domain.KeyValueStore
	sites     map[string]domain.SiteConfig
	collector *metrics.Collector
	logger    domain.Logger
	startTime time.Time
}

// NewHandlers cria uma nova instância dos handlers
func NewHandlers(
	activity domain.Queue,
	cohorts domain.CohortService,
	salts *cohort.SaltRotator,
	audit domain.AuditLogger,
	kv domain.KeyValueStore,
	sites map[string]domain.SiteConfig,
	collector *metrics.Collector,
	logger domain.Logger,
) *Handlers {
	return &Handlers{
		activity:  activity,
		cohorts:   cohorts,
		salts:     salts,
		audit:     audit,
		kv:        kv,
		sites:     sites,
		collector: collector,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetupRoutes configura as rotas da API
// A cadeia protegida passa pelo cache e pela verificação de segurança
func (h *Handlers) SetupRoutes(router *gin.Engine, cacheMW, securityMW gin.HandlerFunc) {
	// Rotas operacionais, fora da cadeia protegida
	router.GET("/health", h.HealthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		h.collector.Registry(), promhttp.HandlerOpts{})))

	protected := router.Group("/")
	protected.Use(cacheMW, securityMW)
	{
		protected.POST("/v1/activity", h.SubmitActivityHandler)
		protected.GET("/v1/sites", h.SitesHandler)
		protected.POST("/v1/campaigns/cohort", h.CreateCohortHandler)
		protected.GET("/v1/campaigns/cohort/:id/check", h.CheckCohortHandler)
	}

	// Rotas administrativas passam pela verificação de segurança,
	// mas nunca pelo cache
	admin := router.Group("/admin")
	admin.Use(securityMW)
	{
		admin.GET("/security/metrics", h.SecurityMetricsHandler)
		admin.GET("/security/logs", h.SecurityLogsHandler)
		admin.POST("/salts/rotate", h.RotateSaltsHandler)
	}
}

// HealthHandler implementa o health check com verificação do storage
func (h *Handlers) HealthHandler(c *gin.Context) {
	storageStatus := "healthy"
	httpStatus := http.StatusOK
	if err := h.kv.Health(c.Request.Context()); err != nil {
		storageStatus = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    storageStatus,
		"service":   "Twist Edge API",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.startTime).String(),
	})
}

// SubmitActivityHandler recebe um VAU e o enfileira para processamento
// A validação completa acontece no consumidor; aqui só a forma do envelope
func (h *Handlers) SubmitActivityHandler(c *gin.Context) {
	ctx := c.Request.Context()
	logger := h.logger.WithContext(ctx)

	var vau domain.VAUMessage
	if err := c.ShouldBindJSON(&vau); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "activity payload must be a valid VAU envelope",
		})
		return
	}

	if vau.UserID == "" || vau.DeviceID == "" || vau.SiteID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_fields",
			"message": "userId, deviceId and siteId are required",
		})
		return
	}

	if vau.ID == "" {
		vau.ID = uuid.New().String()
	}
	if vau.Timestamp == 0 {
		vau.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(&vau)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if err := h.activity.Send(ctx, data); err != nil {
		logger.Error("Failed to enqueue activity", err, map[string]interface{}{
			"vau_id": vau.ID,
		})
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "queue_unavailable",
			"message": "activity could not be accepted, retry later",
		})
		return
	}

	logger.Debug("Activity enqueued", map[string]interface{}{
		"vau_id":  vau.ID,
		"site_id": vau.SiteID,
	})
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "id": vau.ID})
}

// SitesHandler retorna o catálogo de sites participantes
// Endpoint cacheável; exercita o caminho HIT/STALE do cache de borda
func (h *Handlers) SitesHandler(c *gin.Context) {
	sites := make([]domain.SiteConfig, 0, len(h.sites))
	for _, site := range h.sites {
		sites = append(sites, site)
	}

	c.JSON(http.StatusOK, gin.H{
		"sites": sites,
		"total": len(sites),
	})
}

// CreateCohortHandler cria um filtro de coortes para uma campanha
func (h *Handlers) CreateCohortHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var criteria domain.CohortCriteria
	if err := c.ShouldBindJSON(&criteria); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "cohort criteria must include a non-empty cohorts list",
		})
		return
	}

	filterID, err := h.cohorts.CreateCohortFilter(ctx, criteria)
	if err != nil {
		if err == cohort.ErrEmptyCriteria {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "empty_criteria",
				"message": "at least one cohort is required",
			})
			return
		}
		h.logger.WithContext(ctx).Error("Failed to create cohort filter", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"filterId": filterID})
}

// CheckCohortHandler testa a pertinência de um usuário a um filtro
func (h *Handlers) CheckCohortHandler(c *gin.Context) {
	ctx := c.Request.Context()

	filterID := c.Param("id")
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_user",
			"message": "userId query parameter is required",
		})
		return
	}

	member, err := h.cohorts.CheckCohortMembership(ctx, userID, filterID)
	if err != nil {
		h.logger.WithContext(ctx).Error("Failed to check cohort membership", err, map[string]interface{}{
			"filter_id": filterID,
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"filterId": filterID,
		"member":   member,
	})
}

// SecurityMetricsHandler retorna o rollup diário de eventos de segurança
func (h *Handlers) SecurityMetricsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	date := c.Query("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_date",
			"message": "date must be in 2006-01-02 format",
		})
		return
	}

	result, err := h.audit.SecurityMetrics(ctx, date)
	if err != nil {
		h.logger.WithContext(ctx).Error("Failed to load security metrics", err, map[string]interface{}{
			"date": date,
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// SecurityLogsHandler consulta o log de eventos de segurança
// Janela padrão: a última hora; mais recentes primeiro
func (h *Handlers) SecurityLogsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	end := time.Now().UTC()
	start := end.Add(-time.Hour)
	if raw := c.Query("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_start"})
			return
		}
		start = parsed
	}
	if raw := c.Query("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_end"})
			return
		}
		end = parsed
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	events, err := h.audit.QueryLogs(ctx, &domain.LogQuery{
		StartTime: start,
		EndTime:   end,
		RuleID:    c.Query("ruleId"),
		Severity:  domain.Severity(c.Query("severity")),
		Limit:     limit,
	})
	if err != nil {
		h.logger.WithContext(ctx).Error("Failed to query security logs", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"total":  len(events),
	})
}

// RotateSaltsHandler executa a rotação semanal de salts de coortes
func (h *Handlers) RotateSaltsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.salts.RotateSalts(ctx); err != nil {
		h.logger.WithContext(ctx).Error("Failed to rotate cohort salts", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rotated": true})
}
