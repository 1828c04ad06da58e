package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)


type Config struct {
	Env   string
	Port  int
	DBURL string

	RedisAddr string

	JWTSecret string

	WorkerConcurrency int
	AutoSuspendThreshold int

	SnapshotIntervalSec  int
	IncidentIntervalSec  int

	SlackToken     string
	SlackChannelID string

	OtelEndpoint string

	RateLimitRequests  int
	RateLimitWindowSec int
}

func Load() Config {
	env := getEnv("APP_ENV", "dev")
	port := getEnvInt("PORT",8080)
	dbURL := buildDBURL()

	return Config{
		Env: env,
		Port: port,
		DBURL: dbURL,

		RedisAddr: getEnv("REDIS_ADDR", "127.0.0.1:6379"),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-me"),

		WorkerConcurrency:    getEnvInt("WORKER_CONCURRENCY", 5),
		AutoSuspendThreshold: getEnvInt("AUTO_SUSPEND_THRESHOLD", 5),

		SnapshotIntervalSec: getEnvInt("SNAPSHOT_INTERVAL_SEC", 60),
		IncidentIntervalSec: getEnvInt("INCIDENT_INTERVAL_SEC", 60),

		SlackToken:     getEnv("SLACK_TOKEN", ""),
		SlackChannelID: getEnv("SLACK_CHANNEL_ID", ""),

		OtelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		RateLimitRequests:  getEnvInt("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindowSec: getEnvInt("RATE_LIMIT_WINDOW_SEC", 60),
	}
}

func buildDBURL() string {
	host := getEnv("DB_HOST","127.0.0.1")
	port := getEnv("DB_PORT","5432")
	user := getEnv("DB_USER","postloop")
	pass := getEnv("DB_PASSWORD","postloop")
	name := getEnv("DB_NAME", "postloop")
	ssl := getEnv("DB_SSLMODE", "disable")


	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + name + "?sslmode=" + ssl
}

func WithTimeout(duration time.Duration)(context.Context, context.CancelFunc){
	return context.WithTimeout(context.Background(),duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)

		if err != nil {
			fmt.Println(err)
		}

		return num
	}
	return fallback
}