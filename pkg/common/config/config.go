package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers    []string
	KafkaGroupID    string
	AuditTopic      string
	ExtractionTopic string

	// Merge engine
	ConfidenceThreshold float64
	MinResourceCount    int
	SimilarityThreshold float64
	SeverityRulesPath   string
	TerminologyPath     string
	TemporalWindowDays  int
	MaxMergeWorkers     int

	// Caching
	BundleCacheTTL    time.Duration
	OperationCacheTTL time.Duration
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "chartmerge"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "chartmerge123"),
		PostgresDB:       getEnv("POSTGRES_DB", "chartmerge"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:    getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:    getEnv("KAFKA_GROUP_ID", "chartmerge-engine"),
		AuditTopic:      getEnv("AUDIT_TOPIC", "merge-audit-events"),
		ExtractionTopic: getEnv("EXTRACTION_TOPIC", "extraction-events"),

		ConfidenceThreshold: getFloatEnv("CONFIDENCE_THRESHOLD", 0.80),
		MinResourceCount:    getIntEnv("MIN_RESOURCE_COUNT", 3),
		SimilarityThreshold: getFloatEnv("SIMILARITY_THRESHOLD", 0.80),
		SeverityRulesPath:   getEnv("SEVERITY_RULES_PATH", ""),
		TerminologyPath:     getEnv("TERMINOLOGY_CATALOG_PATH", ""),
		TemporalWindowDays:  getIntEnv("TEMPORAL_WINDOW_DAYS", 14),
		MaxMergeWorkers:     getIntEnv("MAX_MERGE_WORKERS", 8),

		BundleCacheTTL:    getDuration("BUNDLE_CACHE_TTL", 5*time.Minute),
		OperationCacheTTL: getDuration("OPERATION_CACHE_TTL", time.Minute),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return []string{value}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
