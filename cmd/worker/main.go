package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/scenecast/internal/config"
	"github.com/dunamismax/scenecast/internal/render"
	"github.com/dunamismax/scenecast/internal/store"
	"github.com/dunamismax/scenecast/internal/telemetry"
	"github.com/dunamismax/scenecast/internal/webhook"
	"github.com/dunamismax/scenecast/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)
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

	var renderStore store.RenderStore
	if strings.TrimSpace(cfg.Database.DSN) != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.NewPostgresRenderStore(ctx, cfg.Database.DSN)
		cancel()
		if err != nil {
			logger.Fatalf("postgres render store failed: %v", err)
		}
		defer pg.Close()
		renderStore = pg
	} else {
		logger.Printf("POSTGRES_DSN not set; watch results are only delivered by webhook")
	}

	renderClient := render.NewClient(render.ClientConfig{
		BaseURL:      cfg.Render.BaseURL,
		APIToken:     cfg.Render.APIToken,
		FunctionName: cfg.Render.FunctionName,
		Region:       cfg.Render.Region,
		Bucket:       cfg.Render.Bucket,
		Timeout:      cfg.Render.RequestTimeout(),
	})

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Webhook.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Webhook.MaxBackoffMS) * time.Millisecond,
	})

	logger.Printf(
		"starting worker concurrency=%d max_active_watches=%d queue=%s redis=%s poll_interval=%s retry_budget=%d",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveWatches,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		cfg.Render.PollInterval(),
		cfg.Render.RetryBudget,
	)

	srv, err := worker.NewServer(
		logger,
		cfg.Queue,
		cfg.Worker,
		renderClient,
		render.PollerOptions{
			Interval:    cfg.Render.PollInterval(),
			RetryBudget: cfg.Render.RetryBudget,
		},
		webhookClient,
		renderStore,
	)
	if err != nil {
		logger.Fatalf("worker init failed: %v", err)
	}

	if addr := strings.TrimSpace(cfg.Worker.MetricsAddr); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", srv.MetricsHandler())
		go func() {
			logger.Printf("metrics listening on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("metrics server failed: %v", err)
			}
		}()
	}

	if err := srv.Run(); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
}
