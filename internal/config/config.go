package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"twist-edge/internal/domain"

	"github.com/joho/godotenv"
)

// Config representa todas as configurações da aplicação
type Config struct {
	// Redis Configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Storage Configuration ("redis" ou "memory")
	StorageBackend string

	// Server Configuration
	ServerPort string
	GinMode    string

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Rate Limiting Configuration
	DefaultRateLimit  int
	DefaultRateWindow time.Duration
	ActivityRateLimit int

	// Security Configuration
	BlockedCountries []string
	MaxBodyBytes     int64

	// Reward Configuration
	TokenPriceDefault float64
	TargetDollarValue float64
	MinTrustScore     float64
	MaxVAUAge         time.Duration
	SiteConfigFile    string

	// Queue Processing Configuration
	BatchSize    int
	ChunkSize    int
	BatchTimeout time.Duration

	// Alerting Configuration
	PagerURL string
}

// SitesFile representa a estrutura do arquivo sites.json
type SitesFile struct {
	Sites map[string]domain.SiteConfig `json:"sites"`
}

// ConfigLoader implementa o carregamento de configurações
type ConfigLoader struct {
	config      *Config
	siteConfigs map[string]domain.SiteConfig
}

// NewConfigLoader cria uma nova instância do ConfigLoader
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{
		siteConfigs: make(map[string]domain.SiteConfig),
	}
}

// LoadConfig carrega as configurações do .env e do ambiente
func (c *ConfigLoader) LoadConfig() (*Config, error) {
	// Carrega o arquivo .env se existir
	if err := godotenv.Load(); err != nil {
		// Se não encontrar .env, continua com variáveis do sistema
		fmt.Println("Warning: .env file not found, using system environment variables")
	}

	cfg := &Config{
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		StorageBackend: getEnv("STORAGE_BACKEND", "memory"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		GinMode:    getEnv("GIN_MODE", "debug"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		DefaultRateLimit:  getEnvInt("DEFAULT_RATE_LIMIT", 100),
		DefaultRateWindow: time.Duration(getEnvInt("RATE_WINDOW_SECONDS", 60)) * time.Second,
		ActivityRateLimit: getEnvInt("ACTIVITY_RATE_LIMIT", 20),

		BlockedCountries: []string{"KP", "IR", "SY", "CU"},
		MaxBodyBytes:     int64(getEnvInt("MAX_BODY_BYTES", 1<<20)),

		TokenPriceDefault: getEnvFloat("TOKEN_PRICE_DEFAULT", 0.0001),
		TargetDollarValue: getEnvFloat("TARGET_DOLLAR_VALUE", 0.01),
		MinTrustScore:     getEnvFloat("MIN_TRUST_SCORE", 30),
		MaxVAUAge:         time.Duration(getEnvInt("MAX_VAU_AGE_SECONDS", 300)) * time.Second,
		SiteConfigFile:    getEnv("SITE_CONFIG_FILE", "sites.json"),

		BatchSize:    getEnvInt("BATCH_SIZE", 100),
		ChunkSize:    getEnvInt("CHUNK_SIZE", 100),
		BatchTimeout: time.Duration(getEnvInt("BATCH_TIMEOUT_SECONDS", 25)) * time.Second,

		PagerURL: getEnv("PAGER_URL", ""),
	}

	if cfg.DefaultRateLimit <= 0 {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT: must be greater than 0")
	}
	if cfg.ActivityRateLimit <= 0 {
		return nil, fmt.Errorf("invalid ACTIVITY_RATE_LIMIT: must be greater than 0")
	}
	if cfg.TokenPriceDefault <= 0 {
		return nil, fmt.Errorf("invalid TOKEN_PRICE_DEFAULT: must be greater than 0")
	}

	c.config = cfg

	// Carrega configurações de sites (allowlist premium / verificados)
	siteConfigs, err := c.LoadSiteConfigs()
	if err != nil {
		return nil, fmt.Errorf("failed to load site configs: %w", err)
	}
	c.siteConfigs = siteConfigs

	return cfg, nil
}

// LoadSiteConfigs carrega as configurações de sites do arquivo JSON
func (c *ConfigLoader) LoadSiteConfigs() (map[string]domain.SiteConfig, error) {
	siteFile := c.config.SiteConfigFile

	// Verifica se o arquivo existe
	if _, err := os.Stat(siteFile); os.IsNotExist(err) {
		fmt.Printf("Warning: Site config file %s not found, all sites treated as unverified\n", siteFile)
		return make(map[string]domain.SiteConfig), nil
	}

	data, err := os.ReadFile(siteFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read site config file: %w", err)
	}

	var sitesFile SitesFile
	if err := json.Unmarshal(data, &sitesFile); err != nil {
		return nil, fmt.Errorf("failed to parse site config file: %w", err)
	}

	// Preenche o SiteID quando ausente na entrada
	for id, site := range sitesFile.Sites {
		if site.SiteID == "" {
			site.SiteID = id
			sitesFile.Sites[id] = site
		}
	}

	return sitesFile.Sites, nil
}

// GetConfig retorna a configuração carregada
func (c *ConfigLoader) GetConfig() *Config {
	return c.config
}

// GetSiteConfigs retorna as configurações de sites carregadas
func (c *ConfigLoader) GetSiteConfigs() map[string]domain.SiteConfig {
	return c.siteConfigs
}

// getEnv retorna o valor de uma variável de ambiente ou o padrão
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retorna o valor inteiro de uma variável de ambiente ou o padrão
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvFloat retorna o valor float de uma variável de ambiente ou o padrão
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
