// Package config reads the server settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	QueueRedis  = "redis"
	QueueMemory = "memory"

	BlobS3    = "s3"
	BlobLocal = "local"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string

	MySQLDSN  string
	RedisAddr string

	QueueBackend string
	QueueSize    int
	WorkerCount  int

	BlobBackend string
	BlobDir     string
	S3Bucket    string
	AWSRegion   string
	S3Endpoint  string

	JWTSecret      string
	MaxUploadBytes int64

	StaleJobAfter  time.Duration
	ReaperInterval time.Duration

	OTLPEndpoint string
	ServiceName  string
	LogLevel     string
}

// Load reads the environment, falling back to defaults suited to a local
// docker-compose setup.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:     getEnv("GRPC_ADDR", ":50051"),
		MySQLDSN:     getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/storefront?parseTime=true&loc=UTC"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		QueueBackend: strings.ToLower(getEnv("QUEUE_BACKEND", QueueRedis)),
		BlobBackend:  strings.ToLower(getEnv("BLOB_BACKEND", BlobLocal)),
		BlobDir:      getEnv("BLOB_DIR", "./data/blobs"),
		S3Bucket:     getEnv("S3_BUCKET", ""),
		AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:   getEnv("S3_ENDPOINT", ""),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  getEnv("SERVICE_NAME", "storefront"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.QueueSize, err = getInt("QUEUE_SIZE", 10000); err != nil {
		return Config{}, err
	}
	if cfg.WorkerCount, err = getInt("WORKER_COUNT", 4); err != nil {
		return Config{}, err
	}
	maxUpload, err := getInt("MAX_UPLOAD_BYTES", 10<<20)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)
	if cfg.StaleJobAfter, err = getDuration("STALE_JOB_AFTER", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ReaperInterval, err = getDuration("REAPER_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.QueueBackend {
	case QueueRedis, QueueMemory:
	default:
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueueRedis, QueueMemory, c.QueueBackend)
	}
	switch c.BlobBackend {
	case BlobLocal:
	case BlobS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND is %q", BlobS3)
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be %q or %q, got %q", BlobS3, BlobLocal, c.BlobBackend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
