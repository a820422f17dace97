package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dunamismax/scenecast/internal/api"
	"github.com/dunamismax/scenecast/internal/config"
	"github.com/dunamismax/scenecast/internal/materialize"
	"github.com/dunamismax/scenecast/internal/queue"
	"github.com/dunamismax/scenecast/internal/ratelimit"
	"github.com/dunamismax/scenecast/internal/render"
	"github.com/dunamismax/scenecast/internal/storage"
	"github.com/dunamismax/scenecast/internal/store"
	"github.com/dunamismax/scenecast/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), cfg.Tracing, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	// Missing credentials are reported per request; the API still starts.
	var objectStore materialize.ObjectStore
	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Region:   cfg.Storage.Region,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Printf("object storage unavailable err=%v", err)
	} else {
		objectStore = storageClient
		if storageClient.Configured() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := storageClient.EnsureBucket(ctx); err != nil {
				logger.Printf("ensure bucket failed bucket=%s err=%v", storageClient.Bucket(), err)
			}
			cancel()
		} else {
			logger.Printf("object storage credentials not set; render submissions will fail with configuration_error")
		}
	}

	renderClient := render.NewClient(render.ClientConfig{
		BaseURL:      cfg.Render.BaseURL,
		APIToken:     cfg.Render.APIToken,
		FunctionName: cfg.Render.FunctionName,
		Region:       cfg.Render.Region,
		Bucket:       cfg.Render.Bucket,
		Timeout:      cfg.Render.RequestTimeout(),
	})
	if !renderClient.Configured() {
		logger.Printf("rendering service credentials not set; render submissions will fail with configuration_error")
	}

	renderStore, closeStore := openRenderStore(logger, cfg.Database)
	defer closeStore()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	limiter, closeLimiter := newRateLimiter(logger, cfg)
	defer closeLimiter()

	app := api.NewServer(logger, api.Dependencies{
		Materializer: materialize.New(objectStore, materialize.Options{
			KeyPrefix:     cfg.Storage.KeyPrefix,
			TTL:           cfg.Storage.PresignTTL(),
			MaxConcurrent: cfg.Storage.UploadConcurrency,
			Logger:        logger,
		}),
		Dispatcher: render.NewDispatcher(renderClient, render.DispatcherOptions{
			Codec:   cfg.Render.Codec,
			Privacy: cfg.Render.Privacy,
			Logger:  logger,
		}),
		Progress:          renderClient,
		RenderStore:       renderStore,
		QueueClient:       queueClient,
		QueueName:         cfg.Queue.Name,
		RateLimiter:       limiter,
		TrustForwardedFor: cfg.RateLimit.TrustForwardedFor,
	})

	// Inline payloads make request bodies large, so reads get more time than
	// a plain JSON API would need.
	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func openRenderStore(logger *log.Logger, cfg config.DatabaseConfig) (store.RenderStore, func()) {
	if strings.TrimSpace(cfg.DSN) == "" {
		logger.Printf("render store backend=memory")
		return store.NewMemoryRenderStore(), func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pg, err := store.NewPostgresRenderStore(ctx, cfg.DSN)
	if err != nil {
		logger.Fatalf("postgres render store failed: %v", err)
	}
	logger.Printf("render store backend=postgres")
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Printf("postgres close error: %v", err)
		}
	}
}

func newRateLimiter(logger *log.Logger, cfg config.Config) (*ratelimit.Limiter, func()) {
	var (
		rateStore ratelimit.RateStore
		closeFn   = func() {}
	)

	switch strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend)) {
	case "redis":
		client := redis.NewClient(cfg.Queue.RedisOptions())
		redisStore, err := ratelimit.NewRedisStore(client, cfg.RateLimit.KeyPrefix)
		if err != nil {
			logger.Fatalf("redis rate store failed: %v", err)
		}
		rateStore = redisStore
		closeFn = func() {
			if err := client.Close(); err != nil {
				logger.Printf("redis rate store close error: %v", err)
			}
		}
	case "", "memory":
		rateStore = ratelimit.NewMemoryStore()
	default:
		logger.Fatalf("unsupported rate limit backend: %s", cfg.RateLimit.Backend)
	}

	limiter, err := ratelimit.NewLimiter(rateStore, cfg.RateLimit.Limit, cfg.RateLimit.Window())
	if err != nil {
		logger.Fatalf("rate limiter config invalid: %v", err)
	}
	logger.Printf(
		"rate limiter backend=%s limit=%d window=%s",
		cfg.RateLimit.Backend,
		cfg.RateLimit.Limit,
		cfg.RateLimit.Window(),
	)
	return limiter, closeFn
}
