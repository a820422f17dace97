package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
	"github.com/dunamismax/scenecast/internal/queue"
	"github.com/dunamismax/scenecast/internal/render"
	"github.com/dunamismax/scenecast/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Inline media travels in the request body, so the limit is far above what a
// plain JSON API would accept.
const maxRequestBodyBytes = 32 << 20

type AssetMaterializer interface {
	Materialize(ctx context.Context, manifest domain.AssetManifest) (domain.AssetManifest, error)
}

type RenderDispatcher interface {
	Dispatch(ctx context.Context, manifest domain.AssetManifest, compositionID string, chunkFrames int) (domain.RenderJob, error)
}

type WatchEnqueuer interface {
	EnqueueWatchRender(ctx context.Context, payload queue.WatchRenderPayload) (*asynq.TaskInfo, error)
}

// Dependencies are the collaborators behind the HTTP surface. Materializer,
// Dispatcher and Progress are required for the render routes; QueueClient and
// RateLimiter are optional.
type Dependencies struct {
	Materializer      AssetMaterializer
	Dispatcher        RenderDispatcher
	Progress          render.ProgressSource
	RenderStore       store.RenderStore
	QueueClient       WatchEnqueuer
	QueueName         string
	RateLimiter       RateLimiter
	TrustForwardedFor bool
}

type Server struct {
	logger            *log.Logger
	materializer      AssetMaterializer
	dispatcher        RenderDispatcher
	progress          render.ProgressSource
	renderStore       store.RenderStore
	queueClient       WatchEnqueuer
	queueName         string
	rateLimiter       RateLimiter
	trustForwardedFor bool
	metrics           *metrics
	tracer            trace.Tracer
	mux               *http.ServeMux
	maxBodyBytes      int64
	now               func() time.Time
}

func NewServer(logger *log.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if deps.RenderStore == nil {
		deps.RenderStore = store.NewMemoryRenderStore()
	}
	if strings.TrimSpace(deps.QueueName) == "" {
		deps.QueueName = "default"
	}

	s := &Server{
		logger:            logger,
		materializer:      deps.Materializer,
		dispatcher:        deps.Dispatcher,
		progress:          deps.Progress,
		renderStore:       deps.RenderStore,
		queueClient:       deps.QueueClient,
		queueName:         deps.QueueName,
		rateLimiter:       deps.RateLimiter,
		trustForwardedFor: deps.TrustForwardedFor,
		metrics:           newMetrics(),
		tracer:            otel.Tracer("scenecast/api"),
		mux:               http.NewServeMux(),
		maxBodyBytes:      maxRequestBodyBytes,
		now:               time.Now,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/renders", s.handleCreateRender)
	s.mux.HandleFunc("GET /v1/renders/{id}", s.handleGetRender)
	s.mux.HandleFunc("GET /v1/renders/{id}/progress", s.handleRenderProgress)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRenderResponse struct {
	JobID           string           `json:"job_id"`
	StorageLocation string           `json:"storage_location"`
	Status          domain.JobStatus `json:"status"`
	StatusURL       string           `json:"status_url"`
	ProgressURL     string           `json:"progress_url"`
	Watch           string           `json:"watch"`
}

func (s *Server) handleCreateRender(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateRenderRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error:  "request_too_large",
				Detail: fmt.Sprintf("request body exceeds %d bytes; upload large media separately and reference it by URL", tooLarge.Limit),
			})
			return
		}
		s.writeError(w, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}
	if s.materializer == nil || s.dispatcher == nil {
		s.writeError(w, fmt.Errorf("%w: render pipeline is not wired", domain.ErrConfiguration))
		return
	}

	inline := req.Manifest.InlineCount()
	manifest, err := s.materializer.Materialize(r.Context(), req.Manifest)
	if err != nil {
		s.metrics.rendersSubmitted.WithLabelValues(domain.Category(err)).Inc()
		s.logger.Printf("materialize failed composition_id=%s inline=%d err=%v", req.CompositionID, inline, err)
		s.writeError(w, err)
		return
	}
	s.metrics.assetsMaterialized.Add(float64(inline))

	job, err := s.dispatcher.Dispatch(r.Context(), manifest, req.CompositionID, req.ChunkFrames)
	if err != nil {
		s.metrics.rendersSubmitted.WithLabelValues(domain.Category(err)).Inc()
		s.logger.Printf("dispatch failed composition_id=%s err=%v", req.CompositionID, err)
		s.writeError(w, err)
		return
	}
	s.metrics.rendersSubmitted.WithLabelValues("accepted").Inc()

	// The render is already running remotely; bookkeeping failures below are
	// logged and the handle is still returned.
	status := domain.Rendering(0)
	if err := s.renderStore.Create(r.Context(), domain.RenderRecord{
		Job:        job,
		WebhookURL: req.WebhookURL,
		Status:     status,
		UpdatedAt:  s.now().UTC(),
	}); err != nil {
		s.logger.Printf("create render record failed job_id=%s err=%v", job.ID, err)
	}

	writeJSON(w, http.StatusAccepted, createRenderResponse{
		JobID:           job.ID,
		StorageLocation: job.StorageLocation,
		Status:          status,
		StatusURL:       "/v1/renders/" + url.PathEscape(job.ID),
		ProgressURL:     progressURL(job),
		Watch:           s.enqueueWatch(r.Context(), job, req.WebhookURL),
	})
}

func (s *Server) enqueueWatch(ctx context.Context, job domain.RenderJob, webhookURL string) string {
	if strings.TrimSpace(webhookURL) == "" {
		return "not_requested"
	}
	if s.queueClient == nil {
		return "unavailable"
	}

	_, err := s.queueClient.EnqueueWatchRender(ctx, queue.WatchRenderPayload{
		JobID:           job.ID,
		StorageLocation: job.StorageLocation,
		CompositionID:   job.CompositionID,
		ChunkFrames:     job.ChunkFrames,
		WebhookURL:      webhookURL,
		RequestedAt:     s.now().UTC(),
	})
	if err != nil {
		s.logger.Printf("enqueue watch failed job_id=%s err=%v", job.ID, err)
		return "unavailable"
	}
	s.metrics.watchesEnqueued.WithLabelValues(s.queueName).Inc()
	return "queued"
}

func (s *Server) handleGetRender(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	record, ok, err := s.renderStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch render failed job_id=%s err=%v", jobID, err)
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, store.ErrRenderNotFound)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type progressResponse struct {
	JobID           string `json:"job_id"`
	StorageLocation string `json:"storage_location"`
	render.Observation
}

// handleRenderProgress relays one observation from the rendering service. It
// keeps no polling state; clients drive their own poll loop against it.
func (s *Server) handleRenderProgress(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if s.progress == nil {
		s.writeError(w, fmt.Errorf("%w: progress source is not wired", domain.ErrConfiguration))
		return
	}

	location := strings.TrimSpace(r.URL.Query().Get("storage_location"))
	if location == "" {
		record, ok, err := s.renderStore.Get(r.Context(), jobID)
		if err != nil {
			s.logger.Printf("fetch render failed job_id=%s err=%v", jobID, err)
		} else if ok {
			location = record.Job.StorageLocation
		}
	}

	obs, err := s.progress.PollJob(r.Context(), jobID, location)
	if err != nil {
		s.logger.Printf("progress relay failed job_id=%s err=%v", jobID, err)
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, progressResponse{
		JobID:           jobID,
		StorageLocation: location,
		Observation:     obs,
	})
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	category := domain.Category(err)
	detail := domain.UpstreamMessage(err)

	var status int
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrProvider):
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
		detail = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: category, Detail: detail})
}

func progressURL(job domain.RenderJob) string {
	u := "/v1/renders/" + url.PathEscape(job.ID) + "/progress"
	if job.StorageLocation != "" {
		u += "?storage_location=" + url.QueryEscape(job.StorageLocation)
	}
	return u
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, into any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
