// Package config loads runtime configuration from the environment, with an
// optional .env file for development.
package config

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// Config is the flat runtime configuration of the sync core.
type Config struct {
	// Identity of the local user on the messaging network.
	SelfMemberID string

	// Storage paths.
	DatabasePath string
	CacheDir     string
	SignerKey    string

	// Protocol engine surfaces: REST control API and websocket feed.
	EngineAPIURL    string
	EngineStreamURL string

	// HTTP surface (health, metrics, debug).
	HTTPAddr string
	GinMode  string

	// Object storage.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Audit transport.
	AMQPURL         string
	AMQPExchange    string
	AuditRoutingKey string
	ServiceName     string
	Environment     string

	// Tracing.
	OTLPEndpoint string

	// Jobs.
	ExpirySweepSpec string

	LogLevel string
}

// Load reads configuration, overlaying .env when present.
func Load() Config {
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env file")
	}

	return Config{
		SelfMemberID: getEnv("SELF_MEMBER_ID", ""),

		DatabasePath: getEnv("DATABASE_PATH", "chatsync.db"),
		CacheDir:     getEnv("IMAGE_CACHE_DIR", ".cache/images"),
		SignerKey:    getEnv("INVITE_SIGNER_KEY", ".cache/invite-signer.key"),

		EngineAPIURL:    getEnv("ENGINE_API_URL", "http://127.0.0.1:7700"),
		EngineStreamURL: getEnv("ENGINE_STREAM_URL", "ws://127.0.0.1:7700/stream"),

		HTTPAddr: getEnv("HTTP_ADDR", ":8085"),
		GinMode:  getEnv("GIN_MODE", "release"),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    getEnv("MINIO_BUCKET", "chatsync"),
		MinioUseSSL:    getEnv("MINIO_USE_SSL", "false") == "true",

		AMQPURL:         getEnv("AMQP_URL", ""),
		AMQPExchange:    getEnv("AMQP_EXCHANGE", "chatsync.events"),
		AuditRoutingKey: getEnv("AUDIT_ROUTING_KEY", "sync.audit"),
		ServiceName:     getEnv("SERVICE_NAME", "chatsync"),
		Environment:     getEnv("ENVIRONMENT", "development"),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),

		ExpirySweepSpec: getEnv("EXPIRY_SWEEP_SPEC", "@every 1m"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
