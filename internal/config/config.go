package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	ListenAddr              string
	StoreDriver             string
	DatabaseURL             string
	LogLevel                string
	CORSAllowedOrigins      []string
	AdminAPIKey             string
	RateLimitRequestsPerSec float64
	RateLimitBurst          int
	RetentionDays           int
	CleanupIntervalMinutes  int
	RedisAddr               string
	CaptureQueueName        string
	S3Region                string
	S3Endpoint              string
	S3AccessKey             string
	S3SecretKey             string
	S3Bucket                string
	AlertWebhookURL         string
	AlertWebhookAuth        string
	AlertMinStatus          int
	AlertCooldownMinutes    int
}

// WorkerConfig configures the capture queue consumer. The worker forwards
// jobs to the REST API with its own credential.
type WorkerConfig struct {
	RedisAddr        string
	CaptureQueueName string
	ConsumerName     string
	MetricsAddr      string
	LogLevel         string
	APIHost          string
	APIHostIsSecure  bool
	APIUsername      string
	APIKey           string
}

func Load() Config {
	port := envOrDefault("OMNISPECTIVE_PORT", "8080")

	return Config{
		ListenAddr:              ":" + port,
		StoreDriver:             strings.ToLower(envOrDefault("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL:             databaseURL(),
		LogLevel:                envOrDefault("LOG_LEVEL", "info"),
		CORSAllowedOrigins:      parseCSV(envOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		AdminAPIKey:             os.Getenv("ADMIN_API_KEY"),
		RateLimitRequestsPerSec: envOrDefaultFloat("RATE_LIMIT_REQUESTS_PER_SEC", 25),
		RateLimitBurst:          envOrDefaultInt("RATE_LIMIT_BURST", 50),
		RetentionDays:           envOrDefaultInt("RETENTION_DAYS", 30),
		CleanupIntervalMinutes:  envOrDefaultInt("CLEANUP_INTERVAL_MINUTES", 0),
		RedisAddr:               optionalRedisAddr(),
		CaptureQueueName:        envOrDefault("CAPTURE_QUEUE_NAME", "capture-jobs"),
		S3Region:                envOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:              os.Getenv("S3_ENDPOINT"),
		S3AccessKey:             envOrDefault("S3_ACCESS_KEY", ""),
		S3SecretKey:             envOrDefault("S3_SECRET_KEY", ""),
		S3Bucket:                envOrDefault("S3_BUCKET", ""),
		AlertWebhookURL:         os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookAuth:        os.Getenv("ALERT_WEBHOOK_AUTH"),
		AlertMinStatus:          envOrDefaultInt("ALERT_MIN_STATUS", 500),
		AlertCooldownMinutes:    envOrDefaultInt("ALERT_COOLDOWN_MINUTES", 15),
	}
}

// QueueEnabled reports whether REDIS_HOST was set; the API server runs
// without queue stats and dead-letter endpoints otherwise.
func (c Config) QueueEnabled() bool {
	return c.RedisAddr != ""
}

func LoadWorker() WorkerConfig {
	hostname, _ := os.Hostname()

	return WorkerConfig{
		RedisAddr:        redisAddr(),
		CaptureQueueName: envOrDefault("CAPTURE_QUEUE_NAME", "capture-jobs"),
		ConsumerName:     envOrDefault("WORKER_CONSUMER", envOrDefault("HOSTNAME", hostname)),
		MetricsAddr:      envOrDefault("WORKER_METRICS_ADDR", ":9090"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		APIHost:          envOrDefault("OMNISPECTIVE_HOST", "localhost:8080"),
		APIHostIsSecure:  envOrDefaultBool("OMNISPECTIVE_HOST_IS_SECURE", false),
		APIUsername:      os.Getenv("OMNISPECTIVE_USERNAME"),
		APIKey:           os.Getenv("OMNISPECTIVE_API_KEY"),
	}
}

func databaseURL() string {
	if value := os.Getenv("DATABASE_URL"); value != "" {
		return value
	}

	host := envOrDefault("POSTGRES_HOST", "localhost")
	port := envOrDefault("POSTGRES_PORT", "5432")
	user := envOrDefault("POSTGRES_USER", "omnispective")
	password := envOrDefault("POSTGRES_PASSWORD", "omnispective")
	database := envOrDefault("POSTGRES_DB", "omnispective")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}

func optionalRedisAddr() string {
	if strings.TrimSpace(os.Getenv("REDIS_HOST")) == "" {
		return ""
	}
	return redisAddr()
}

func redisAddr() string {
	host := envOrDefault("REDIS_HOST", "localhost")
	port := envOrDefault("REDIS_PORT", "6379")
	return fmt.Sprintf("%s:%s", host, port)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseCSV(value string) []string {
	values := strings.Split(value, ",")
	result := make([]string, 0, len(values))
	for _, item := range values {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}

	if len(result) == 0 {
		return []string{"*"}
	}
	return result
}

func envOrDefaultInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed float64
	if _, err := fmt.Sscanf(value, "%f", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
