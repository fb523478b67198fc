package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds all configuration for the service
type Config struct {
	// Server
	Port        string
	Environment string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (permission cache)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	CacheTTLSecs  int

	// NATS
	NATSURL string

	// Tokens
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Cookies
	CookieDomain string
	CookieSecure bool

	// AI providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string
	AITimeout       time.Duration
	AIMaxAttempts   int

	// Queue
	QueueWorkers    int
	QueueBuffer     int
	JobMaxAttempts  int
	AIRatePerMinute int
	AuditRetention  time.Duration
	CleanupInterval time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "platform"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		CacheTTLSecs:  getEnvInt("PERMISSION_CACHE_TTL_SECONDS", 300),

		NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),

		JWTSecret:       getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTIssuer:       getEnv("JWT_ISSUER", "platform-api"),
		JWTAudience:     getEnv("JWT_AUDIENCE", "platform-api"),
		AccessTokenTTL:  time.Duration(getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 15)) * time.Minute,
		RefreshTokenTTL: time.Duration(getEnvInt("REFRESH_TOKEN_TTL_HOURS", 24*14)) * time.Hour,

		CookieDomain: getEnv("COOKIE_DOMAIN", ""),
		CookieSecure: getEnvBool("COOKIE_SECURE", true),

		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AITimeout:       time.Duration(getEnvInt("AI_TIMEOUT_SECONDS", 15)) * time.Second,
		AIMaxAttempts:   getEnvInt("AI_MAX_ATTEMPTS", 3),

		QueueWorkers:    getEnvInt("QUEUE_WORKERS", 4),
		QueueBuffer:     getEnvInt("QUEUE_BUFFER", 1024),
		JobMaxAttempts:  getEnvInt("JOB_MAX_ATTEMPTS", 3),
		AIRatePerMinute: getEnvInt("AI_RATE_PER_MINUTE", 20),
		AuditRetention:  time.Duration(getEnvInt("AUDIT_RETENTION_DAYS", 90)) * 24 * time.Hour,
		CleanupInterval: time.Duration(getEnvInt("CLEANUP_INTERVAL_MINUTES", 60)) * time.Minute,
	}
}

// InitDB opens the postgres connection via gorm
func InitDB(cfg *Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)

	logLevel := logger.Silent
	if cfg.Environment == "development" {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
