package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/scenecast/internal/config"
	"github.com/dunamismax/scenecast/internal/domain"
	"github.com/dunamismax/scenecast/internal/queue"
	"github.com/dunamismax/scenecast/internal/render"
	"github.com/dunamismax/scenecast/internal/store"
	"github.com/dunamismax/scenecast/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const outcomeAbandoned = "abandoned"

// Server consumes watch tasks. Each task drives a Poller to a terminal status,
// mirrors every status into the record store, and notifies the submitter's
// webhook once. Nothing here ever resubmits a render.
type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	source        render.ProgressSource
	poller        *render.Poller
	webhookClient webhookSender
	renderStore   store.RenderStore
	metrics       *metrics
	tracer        trace.Tracer
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type configurable interface {
	Configured() bool
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	source render.ProgressSource,
	pollerOpts render.PollerOptions,
	webhookClient webhookSender,
	renderStore store.RenderStore,
) (*Server, error) {
	if source == nil {
		return nil, fmt.Errorf("progress source is required")
	}
	if pollerOpts.Logger == nil {
		pollerOpts.Logger = logger
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveWatches)),
		source:        source,
		poller:        render.NewPoller(source, pollerOpts),
		webhookClient: webhookClient,
		renderStore:   renderStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("scenecast/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeWatchRender, s.handleWatchRender)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleWatchRender(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := outcomeAbandoned

	payload, err := queue.ParseWatchRenderPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	if c, ok := s.source.(configurable); ok && !c.Configured() {
		return fmt.Errorf("watch job_id=%s: %w: rendering service credentials are not set", payload.JobID, domain.ErrConfiguration)
	}

	ctx, span := s.tracer.Start(ctx, "worker.watch_render", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("render.job_id", payload.JobID),
		attribute.String("render.composition_id", payload.CompositionID),
	)
	defer span.End()
	defer func() {
		s.metrics.watchDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.watchesTotal.WithLabelValues(outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeWatches.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeWatches.Dec()
	}()

	s.logger.Printf("Watching... job_id=%s composition_id=%s location=%s", payload.JobID, payload.CompositionID, payload.StorageLocation)

	from := s.storedStatus(ctx, payload.JobID)
	var last domain.JobStatus
	final, err := s.poller.WatchFrom(ctx, payload.Job(), from, func(status domain.JobStatus) {
		if status.State != last.State {
			s.metrics.statusTransitionsTotal.WithLabelValues(status.State).Inc()
		}
		last = status
		s.updateStatus(ctx, payload.JobID, status)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "watch abandoned")
		s.logger.Printf("watch abandoned job_id=%s last=%s err=%v", payload.JobID, final, err)
		return fmt.Errorf("watch job_id=%s: %w", payload.JobID, err)
	}

	outcome = final.State
	s.logger.Printf("Watched job_id=%s status=%s", payload.JobID, final)

	if err := s.notify(ctx, payload, final); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	span.SetStatus(codes.Ok, final.State)
	return nil
}

// storedStatus returns the last recorded status so a retried watch resumes
// where the previous attempt stopped.
func (s *Server) storedStatus(ctx context.Context, jobID string) domain.JobStatus {
	if s.renderStore == nil {
		return domain.JobStatus{}
	}
	record, ok, err := s.renderStore.Get(ctx, jobID)
	if err != nil {
		s.logger.Printf("render status lookup failed job_id=%s err=%v", jobID, err)
		return domain.JobStatus{}
	}
	if !ok {
		return domain.JobStatus{}
	}
	return record.Status
}

func (s *Server) updateStatus(ctx context.Context, jobID string, status domain.JobStatus) {
	if s.renderStore == nil {
		return
	}
	if _, err := s.renderStore.UpdateStatus(ctx, jobID, status); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Printf("render status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) notify(ctx context.Context, payload queue.WatchRenderPayload, final domain.JobStatus) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	event := webhook.EventRenderSucceeded
	if final.State == domain.StateFailed {
		event = webhook.EventRenderFailed
	}

	err := s.webhookClient.Send(ctx, payload.WebhookURL, event, webhook.RenderEvent{
		JobID:           payload.JobID,
		CompositionID:   payload.CompositionID,
		StorageLocation: payload.StorageLocation,
		State:           final.State,
		OutputLocation:  final.OutputLocation,
		Reason:          final.Reason,
		RequestedAt:     payload.RequestedAt,
		FinishedAt:      time.Now().UTC(),
	})
	if err != nil {
		s.metrics.webhookDeliveriesTotal.WithLabelValues(event, "failed").Inc()
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
		if !errors.Is(err, domain.ErrTransient) {
			return fmt.Errorf("dispatch webhook: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	s.metrics.webhookDeliveriesTotal.WithLabelValues(event, "delivered").Inc()
	return nil
}
