package config

import (
	"log"
	"os"
	"strings"
)

// Config holds application configuration sourced from the environment.
type Config struct {
	Port        string
	DatabaseURL string
	Env         string
	JWTSecret   string

	// Object storage. Type is "local" or "s3".
	ObjectStoreType string
	ObjectStoreDir  string
	S3Region        string
	S3Bucket        string
	S3Prefix        string

	// Optional completion-event queue. Empty disables the outbox worker.
	SQSQueueURL string
}

// Load reads configuration from environment variables.
func Load() Config {
	env := normalizeEnv(getEnv("ENV", "development"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Fatal("DATABASE_URL is required in production")
	}

	secret := os.Getenv("JWT_SECRET")
	if env == "production" && secret == "" {
		log.Fatal("JWT_SECRET is required in production")
	}
	if secret == "" {
		secret = "dev-only-secret"
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     dbURL,
		Env:             env,
		JWTSecret:       secret,
		ObjectStoreType: getEnv("OBJECT_STORE", "local"),
		ObjectStoreDir:  getEnv("OBJECT_STORE_DIR", "data/objects"),
		S3Region:        getEnv("AWS_REGION", "us-east-1"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3Prefix:        getEnv("S3_PREFIX", "documents/"),
		SQSQueueURL:     os.Getenv("SQS_QUEUE_URL"),
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	default:
		return "development"
	}
}
