package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Gateway    GatewayConfig
	Attachment AttachmentConfig
	Scheduler  SchedulerConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type GatewayConfig struct {
	BaseURL    string
	APIKey     string
	SenderID   string
	BatchLimit int
	Timeout    time.Duration
	RatePerSec int
}

type AttachmentConfig struct {
	MaxBytes     int64
	FetchTimeout time.Duration

	S3Enabled   bool
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
}

type SchedulerConfig struct {
	DispatchInterval  time.Duration
	ReconcileInterval time.Duration
	SweepLimit        int
}

func LoadAll() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: mustEnv("POSTGRES_URL"),
		},
		Gateway: GatewayConfig{
			BaseURL:    mustEnv("GATEWAY_URL"),
			APIKey:     os.Getenv("GATEWAY_API_KEY"),
			SenderID:   mustEnv("GATEWAY_SENDER_ID"),
			BatchLimit: getEnvInt("GATEWAY_BATCH_LIMIT", 500),
			Timeout:    time.Duration(getEnvInt("GATEWAY_TIMEOUT_SECONDS", 10)) * time.Second,
			RatePerSec: getEnvInt("GATEWAY_RATE_PER_SEC", 5),
		},
		Attachment: AttachmentConfig{
			MaxBytes:     int64(getEnvInt("ATTACHMENT_MAX_BYTES", 5<<20)),
			FetchTimeout: time.Duration(getEnvInt("ATTACHMENT_FETCH_TIMEOUT_SECONDS", 15)) * time.Second,
		},
		Scheduler: SchedulerConfig{
			DispatchInterval:  time.Duration(getEnvInt("DISPATCH_INTERVAL_SECONDS", 60)) * time.Second,
			ReconcileInterval: time.Duration(getEnvInt("RECONCILE_INTERVAL_SECONDS", 300)) * time.Second,
			SweepLimit:        getEnvInt("SWEEP_LIMIT", 100),
		},
		Redis: loadRedisConfig(),
	}
	cfg.Attachment = loadS3Config(cfg.Attachment)

	validate(cfg)
	return cfg, nil
}

func loadRedisConfig() RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvInt("REDIS_DB", 0),
		TTL:      time.Duration(getEnvInt("REDIS_TTL_SECONDS", 86400)) * time.Second,
	}
}

func loadS3Config(att AttachmentConfig) AttachmentConfig {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		return att
	}
	att.S3Enabled = true
	att.S3Endpoint = endpoint
	att.S3Region = getEnv("S3_REGION", "us-east-1")
	att.S3AccessKey = mustEnv("S3_ACCESS_KEY")
	att.S3SecretKey = mustEnv("S3_SECRET_KEY")
	return att
}

func validate(cfg *Config) {
	if cfg.Gateway.BatchLimit <= 0 {
		panic("GATEWAY_BATCH_LIMIT must be > 0")
	}
	if cfg.Gateway.RatePerSec <= 0 {
		panic("GATEWAY_RATE_PER_SEC must be > 0")
	}
	if cfg.Attachment.MaxBytes <= 0 {
		panic("ATTACHMENT_MAX_BYTES must be > 0")
	}
	if cfg.Scheduler.DispatchInterval <= 0 {
		panic("DISPATCH_INTERVAL_SECONDS must be > 0")
	}
	if cfg.Scheduler.ReconcileInterval <= 0 {
		panic("RECONCILE_INTERVAL_SECONDS must be > 0")
	}
	if cfg.Scheduler.SweepLimit <= 0 {
		panic("SWEEP_LIMIT must be > 0")
	}
}

func mustEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("missing required env var: %s", key))
	}
	return val
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("invalid int for env %s: %s", key, v))
	}
	return i
}
