package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pelletier/go-toml/v2"
	"github.com/redis/go-redis/v9"
)

// FileEnv names the optional TOML file read before environment overrides.
const FileEnv = "SCENECAST_CONFIG"

type Config struct {
	API       APIConfig       `toml:"api"`
	Queue     QueueConfig     `toml:"queue"`
	Worker    WorkerConfig    `toml:"worker"`
	Storage   StorageConfig   `toml:"storage"`
	Render    RenderConfig    `toml:"render"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Database  DatabaseConfig  `toml:"database"`
	Tracing   TracingConfig   `toml:"tracing"`
	Webhook   WebhookConfig   `toml:"webhook"`
}

type APIConfig struct {
	Addr string `toml:"addr"`
}

type QueueConfig struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	Name          string `toml:"name"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

func (q QueueConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:         q.RedisAddr,
		Password:     q.RedisPassword,
		DB:           q.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

type WorkerConfig struct {
	Concurrency      int    `toml:"concurrency"`
	MaxActiveWatches int    `toml:"max_active_watches"`
	MetricsAddr      string `toml:"metrics_addr"`
}

type StorageConfig struct {
	Endpoint          string `toml:"endpoint"`
	AccessKey         string `toml:"access_key"`
	SecretKey         string `toml:"secret_key"`
	Region            string `toml:"region"`
	Bucket            string `toml:"bucket"`
	UseSSL            bool   `toml:"use_ssl"`
	KeyPrefix         string `toml:"key_prefix"`
	PresignTTLSeconds int    `toml:"presign_ttl_seconds"`
	UploadConcurrency int    `toml:"upload_concurrency"`
}

// Configured reports whether credentials and a bucket are present. Missing
// values surface as request-time configuration errors, never at startup.
func (s StorageConfig) Configured() bool {
	return strings.TrimSpace(s.AccessKey) != "" &&
		strings.TrimSpace(s.SecretKey) != "" &&
		strings.TrimSpace(s.Bucket) != ""
}

func (s StorageConfig) PresignTTL() time.Duration {
	return time.Duration(s.PresignTTLSeconds) * time.Second
}

type RenderConfig struct {
	BaseURL               string `toml:"base_url"`
	APIToken              string `toml:"api_token"`
	FunctionName          string `toml:"function_name"`
	Region                string `toml:"region"`
	Bucket                string `toml:"bucket"`
	Codec                 string `toml:"codec"`
	Privacy               string `toml:"privacy"`
	PollIntervalSeconds   int    `toml:"poll_interval_seconds"`
	RetryBudget           int    `toml:"retry_budget"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

func (r RenderConfig) Configured() bool {
	return strings.TrimSpace(r.BaseURL) != "" &&
		strings.TrimSpace(r.APIToken) != "" &&
		strings.TrimSpace(r.FunctionName) != ""
}

func (r RenderConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSeconds) * time.Second
}

func (r RenderConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutSeconds) * time.Second
}

type RateLimitConfig struct {
	Limit             int    `toml:"limit"`
	WindowMS          int    `toml:"window_ms"`
	Backend           string `toml:"backend"`
	KeyPrefix         string `toml:"key_prefix"`
	TrustForwardedFor bool   `toml:"trust_forwarded_for"`
}

func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMS) * time.Millisecond
}

type DatabaseConfig struct {
	DSN string `toml:"dsn"`
}

type TracingConfig struct {
	ServiceName  string `toml:"service_name"`
	Exporter     string `toml:"exporter"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	OTLPInsecure bool   `toml:"otlp_insecure"`
}

type WebhookConfig struct {
	SigningSecret    string `toml:"signing_secret"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	MaxAttempts      int    `toml:"max_attempts"`
	InitialBackoffMS int    `toml:"initial_backoff_ms"`
	MaxBackoffMS     int    `toml:"max_backoff_ms"`
}

// Load builds the configuration from defaults, then the optional TOML file
// named by SCENECAST_CONFIG, then environment variables.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func Defaults() Config {
	return Config{
		API: APIConfig{
			Addr: ":8080",
		},
		Queue: QueueConfig{
			RedisAddr: "localhost:6379",
			Name:      "default",
		},
		Worker: WorkerConfig{
			Concurrency:      max(2, runtime.NumCPU()),
			MaxActiveWatches: 64,
			MetricsAddr:      ":9091",
		},
		Storage: StorageConfig{
			Endpoint:          "localhost:9000",
			Region:            "us-east-1",
			Bucket:            "scenecast-assets",
			KeyPrefix:         "assets",
			PresignTTLSeconds: int(time.Hour / time.Second),
			UploadConcurrency: 8,
		},
		Render: RenderConfig{
			Codec:                 "h264",
			Privacy:               "public",
			PollIntervalSeconds:   15,
			RetryBudget:           3,
			RequestTimeoutSeconds: 30,
		},
		RateLimit: RateLimitConfig{
			Limit:     60,
			WindowMS:  60_000,
			Backend:   "memory",
			KeyPrefix: "scenecast:ratelimit",
		},
		Tracing: TracingConfig{
			ServiceName: "scenecast",
			Exporter:    "none",
		},
		Webhook: WebhookConfig{
			TimeoutSeconds:   10,
			MaxAttempts:      3,
			InitialBackoffMS: 1000,
			MaxBackoffMS:     10_000,
		},
	}
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %s: not found", path)
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.API.Addr = env("SCENECAST_API_ADDR", cfg.API.Addr)

	cfg.Queue.RedisAddr = env("REDIS_ADDR", cfg.Queue.RedisAddr)
	cfg.Queue.RedisPassword = env("REDIS_PASSWORD", cfg.Queue.RedisPassword)
	cfg.Queue.RedisDB = envInt("REDIS_DB", cfg.Queue.RedisDB)
	cfg.Queue.Name = env("ASYNC_QUEUE", cfg.Queue.Name)

	cfg.Worker.Concurrency = envInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	cfg.Worker.MaxActiveWatches = envInt("WORKER_MAX_ACTIVE_WATCHES", cfg.Worker.MaxActiveWatches)
	cfg.Worker.MetricsAddr = env("WORKER_METRICS_ADDR", cfg.Worker.MetricsAddr)

	cfg.Storage.Endpoint = env("STORAGE_ENDPOINT", cfg.Storage.Endpoint)
	cfg.Storage.AccessKey = env("STORAGE_ACCESS_KEY", cfg.Storage.AccessKey)
	cfg.Storage.SecretKey = env("STORAGE_SECRET_KEY", cfg.Storage.SecretKey)
	cfg.Storage.Region = env("STORAGE_REGION", cfg.Storage.Region)
	cfg.Storage.Bucket = env("STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.UseSSL = envBool("STORAGE_USE_SSL", cfg.Storage.UseSSL)
	cfg.Storage.KeyPrefix = env("STORAGE_KEY_PREFIX", cfg.Storage.KeyPrefix)
	cfg.Storage.PresignTTLSeconds = envInt("STORAGE_PRESIGN_TTL_SECONDS", cfg.Storage.PresignTTLSeconds)
	cfg.Storage.UploadConcurrency = envInt("STORAGE_UPLOAD_CONCURRENCY", cfg.Storage.UploadConcurrency)

	cfg.Render.BaseURL = env("RENDER_BASE_URL", cfg.Render.BaseURL)
	cfg.Render.APIToken = env("RENDER_API_TOKEN", cfg.Render.APIToken)
	cfg.Render.FunctionName = env("RENDER_FUNCTION_NAME", cfg.Render.FunctionName)
	cfg.Render.Region = env("RENDER_REGION", cfg.Render.Region)
	cfg.Render.Bucket = env("RENDER_BUCKET", cfg.Render.Bucket)
	cfg.Render.Codec = env("RENDER_CODEC", cfg.Render.Codec)
	cfg.Render.Privacy = env("RENDER_PRIVACY", cfg.Render.Privacy)
	cfg.Render.PollIntervalSeconds = envInt("RENDER_POLL_INTERVAL_SECONDS", cfg.Render.PollIntervalSeconds)
	cfg.Render.RetryBudget = envInt("RENDER_POLL_RETRY_BUDGET", cfg.Render.RetryBudget)
	cfg.Render.RequestTimeoutSeconds = envInt("RENDER_REQUEST_TIMEOUT_SECONDS", cfg.Render.RequestTimeoutSeconds)

	cfg.RateLimit.Limit = envInt("RATE_LIMIT_REQUESTS", cfg.RateLimit.Limit)
	cfg.RateLimit.WindowMS = envInt("RATE_LIMIT_WINDOW_MS", cfg.RateLimit.WindowMS)
	cfg.RateLimit.Backend = env("RATE_LIMIT_BACKEND", cfg.RateLimit.Backend)
	cfg.RateLimit.KeyPrefix = env("RATE_LIMIT_KEY_PREFIX", cfg.RateLimit.KeyPrefix)
	cfg.RateLimit.TrustForwardedFor = envBool("RATE_LIMIT_TRUST_FORWARDED_FOR", cfg.RateLimit.TrustForwardedFor)

	cfg.Database.DSN = env("POSTGRES_DSN", cfg.Database.DSN)

	cfg.Tracing.ServiceName = env("OTEL_SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.Exporter = env("TRACING_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.OTLPEndpoint = env("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	cfg.Tracing.OTLPInsecure = envBool("OTEL_EXPORTER_OTLP_INSECURE", cfg.Tracing.OTLPInsecure)

	cfg.Webhook.SigningSecret = env("WEBHOOK_SIGNING_SECRET", cfg.Webhook.SigningSecret)
	cfg.Webhook.TimeoutSeconds = envInt("WEBHOOK_TIMEOUT_SECONDS", cfg.Webhook.TimeoutSeconds)
	cfg.Webhook.MaxAttempts = envInt("WEBHOOK_MAX_ATTEMPTS", cfg.Webhook.MaxAttempts)
	cfg.Webhook.InitialBackoffMS = envInt("WEBHOOK_INITIAL_BACKOFF_MS", cfg.Webhook.InitialBackoffMS)
	cfg.Webhook.MaxBackoffMS = envInt("WEBHOOK_MAX_BACKOFF_MS", cfg.Webhook.MaxBackoffMS)
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
