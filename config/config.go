package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	EventsLocal = "local"
	EventsRedis = "redis"
)

type Config struct {
	AppPort string
	AppMode string
	LogMode string

	StorageDriver string
	DBHost        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBPort        string

	EventsBackend string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	JWTSecret string
	JWTIssuer string

	MessageRateLimit int
	OutboxInterval   time.Duration
	OutboxBatchSize  int
	OutboxMaxRetries int
	SubscriberBuffer int

	S3Region     string
	S3Bucket     string
	S3AccessKey  string
	S3SecretKey  string
	S3Endpoint   string
	S3PublicBase string
	MediaMaxSize int64
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		AppPort: getEnv("APP_PORT", "8080"),
		AppMode: getEnv("APP_MODE", "debug"),
		LogMode: getEnv("LOG_MODE", "development"),

		StorageDriver: getEnv("STORAGE_DRIVER", StoragePostgres),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "sideline_chat"),
		DBPort:        getEnv("DB_PORT", "5432"),

		EventsBackend: getEnv("EVENTS_BACKEND", EventsLocal),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		JWTSecret: getEnv("JWT_SECRET", "change-me"),
		JWTIssuer: getEnv("JWT_ISSUER", ""),

		MessageRateLimit: getEnvAsInt("MESSAGE_RATE_LIMIT", 60),
		OutboxInterval:   time.Duration(getEnvAsInt("OUTBOX_INTERVAL_MS", 200)) * time.Millisecond,
		OutboxBatchSize:  getEnvAsInt("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxRetries: getEnvAsInt("OUTBOX_MAX_RETRIES", 10),
		SubscriberBuffer: getEnvAsInt("SUBSCRIBER_BUFFER", 256),

		S3Region:     getEnv("S3_REGION", ""),
		S3Bucket:     getEnv("S3_BUCKET", ""),
		S3AccessKey:  getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:  getEnv("S3_SECRET_KEY", ""),
		S3Endpoint:   getEnv("S3_ENDPOINT", ""),
		S3PublicBase: getEnv("S3_PUBLIC_BASE", ""),
		MediaMaxSize: int64(getEnvAsInt("MEDIA_MAX_BYTES", 25<<20)),
	}
}

// PostgresDSN builds the pgx connection string.
func (c *Config) PostgresDSN() string {
	return "host=" + c.DBHost + " user=" + c.DBUser + " password=" + c.DBPassword +
		" dbname=" + c.DBName + " port=" + c.DBPort + " sslmode=disable TimeZone=UTC"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}
