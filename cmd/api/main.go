package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"twist-edge/internal/audit"
	"twist-edge/internal/cache"
	"twist-edge/internal/cohort"
	"twist-edge/internal/config"
	"twist-edge/internal/domain"
	"twist-edge/internal/handler"
	"twist-edge/internal/logger"
	"twist-edge/internal/metrics"
	"twist-edge/internal/middleware"
	"twist-edge/internal/ratelimit"
	"twist-edge/internal/storage"
	"twist-edge/internal/waf"
)

func main() {
	// Carregar configurações
	configLoader := config.NewConfigLoader()
	cfg, err := configLoader.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Inicializar logger
	appLogger := logger.NewLogger(cfg.LogLevel, cfg.LogFormat)
	appLogger.Info("Starting Twist Edge API", map[string]interface{}{
		"version":   "1.0.0",
		"log_level": cfg.LogLevel,
		"storage":   cfg.StorageBackend,
		"port":      cfg.ServerPort,
	})

	// Inicializar storages
	backends, err := storage.NewBackends(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize storage backends", err, nil)
		os.Exit(1)
	}

	// Coletor de métricas do processo
	collector := metrics.NewCollector()

	// Pager para alertas críticos
	var pager domain.Pager = storage.NoopPager{}
	if cfg.PagerURL != "" {
		pager = storage.NewHTTPPager(cfg.PagerURL)
	}

	// Auditoria de eventos de segurança
	auditLogger := audit.NewLogger(backends.Blobs, backends.KV, pager, collector, appLogger)

	// Rate limiter distribuído sobre atores por chave
	limiter := ratelimit.NewLimiter(backends.Actors, appLogger)
	policies := ratelimit.NewPolicyTable(cfg.DefaultRateLimit, cfg.DefaultRateWindow, cfg.ActivityRateLimit)

	// Motor de regras de segurança
	securityWorker := waf.NewWorker(limiter, policies, auditLogger, cfg.BlockedCountries, appLogger)

	// Segmentação por coortes
	salts := cohort.NewSaltRotator(backends.KV, appLogger)
	targeting := cohort.NewTargeting(backends.KV, salts, appLogger)

	// Cache de respostas de borda
	cacheManager := cache.NewManager(backends.KV, cache.DefaultRules(), appLogger)

	// Inicializar handlers
	handlers := handler.NewHandlers(
		backends.ActivityQueue,
		targeting,
		salts,
		auditLogger,
		backends.KV,
		configLoader.GetSiteConfigs(),
		collector,
		appLogger,
	)

	// Configurar Gin
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())

	handlers.SetupRoutes(
		router,
		middleware.NewCacheMiddleware(cacheManager, collector, appLogger),
		middleware.NewSecurityMiddleware(securityWorker, collector, appLogger, cfg.MaxBodyBytes),
	)

	// Revalidações em background passam pelo router completo
	cacheManager.SetOrigin(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Iniciar servidor em goroutine
	go func() {
		appLogger.Info("Starting HTTP server", map[string]interface{}{
			"addr": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Failed to start server", err, nil)
			os.Exit(1)
		}
	}()

	// Aguardar sinais de interrupção
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	appLogger.Info("🚀 Twist Edge API is running!", map[string]interface{}{
		"port": cfg.ServerPort,
		"endpoints": []string{
			"GET  /health",
			"GET  /metrics",
			"POST /v1/activity",
			"GET  /v1/sites",
			"POST /v1/campaigns/cohort",
			"GET  /v1/campaigns/cohort/:id/check",
			"GET  /admin/security/metrics",
			"GET  /admin/security/logs",
			"POST /admin/salts/rotate",
		},
		"rate_limits": map[string]interface{}{
			"default":  cfg.DefaultRateLimit,
			"activity": cfg.ActivityRateLimit,
			"window":   cfg.DefaultRateWindow.String(),
		},
	})

	<-quit
	appLogger.Info("Shutting down server...", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", err, nil)
		os.Exit(1)
	}

	appLogger.Info("Server stopped gracefully", nil)
}
