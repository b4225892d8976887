package config

import (
	"strings"
	"time"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment         string
	Addr                string
	DatabaseURL         string
	MigrationsDir       string
	WebhookSecret       string
	SecretEncryptionKey string
	SchedulerURL        string
	SchedulerToken      string
	SchedulerTimeout    time.Duration
	ArtifactBucket      string
	S3Endpoint          string
	S3AccessKey         string
	S3SecretKey         string
	S3UseSSL            bool
	RateLimitRedisAddr  string
	RateLimitRedisPass  string
	RateLimitRedisDB    int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("API_ADDR", ":4000"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://shipyard:shipyard@db:5432/shipyard?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		WebhookSecret:       GetString("GIT_WEBHOOK_SECRET", ""),
		SecretEncryptionKey: GetString("SECRET_ENCRYPTION_KEY", "supersecuresecret"),
		SchedulerURL:        GetString("SCHEDULER_URL", "http://scheduler:6000"),
		SchedulerToken:      GetString("SCHEDULER_AUTH_TOKEN", ""),
		SchedulerTimeout:    GetDuration("SCHEDULER_TIMEOUT", 30*time.Second),
		ArtifactBucket:      GetString("ARTIFACT_BUCKET", "shipyard-artifacts"),
		S3Endpoint:          GetString("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:         GetString("S3_ACCESS_KEY", ""),
		S3SecretKey:         GetString("S3_SECRET_KEY", ""),
		S3UseSSL:            GetBool("S3_USE_SSL", false),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

// KafkaBrokers parses a comma separated broker list.
func KafkaBrokers(value string) []string {
	parts := strings.Split(value, ",")
	brokers := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}
