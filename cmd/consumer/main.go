package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"twist-edge/internal/config"
	"twist-edge/internal/logger"
	"twist-edge/internal/metrics"
	"twist-edge/internal/queueproc"
	"twist-edge/internal/rewards"
	"twist-edge/internal/storage"
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
	appLogger.Info("Starting Twist Edge consumer", map[string]interface{}{
		"version": "1.0.0",
		"storage": cfg.StorageBackend,
	})

	// Inicializar storages
	backends, err := storage.NewBackends(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize storage backends", err, nil)
		os.Exit(1)
	}

	collector := metrics.NewCollector()

	// Pipeline de validação e recompensa
	validator := rewards.NewValidator(backends.KV, cfg.MinTrustScore, cfg.MaxVAUAge)
	calculator := rewards.NewCalculator(
		backends.KV,
		configLoader.GetSiteConfigs(),
		cfg.TargetDollarValue,
		cfg.TokenPriceDefault,
		appLogger,
	)

	processor := queueproc.NewProcessor(
		backends.ActivityQueue,
		backends.RewardQueue,
		backends.Blobs,
		validator,
		calculator,
		collector,
		appLogger,
		cfg.BatchSize,
		cfg.ChunkSize,
		cfg.BatchTimeout,
	)

	// Cancelamento via sinais de interrupção
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := processor.Run(ctx); err != nil {
		appLogger.Error("Consumer stopped with error", err, nil)
		os.Exit(1)
	}

	appLogger.Info("Consumer stopped gracefully", nil)
}
