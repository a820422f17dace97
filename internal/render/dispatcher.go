package render

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultCodec   = "h264"
	DefaultPrivacy = "public"
)

type DispatcherOptions struct {
	Codec   string
	Privacy string
	Logger  *log.Logger
}

// Dispatcher submits materialized manifests to the rendering service. It
// returns as soon as the service accepts the job and never resubmits.
type Dispatcher struct {
	submitter Submitter
	codec     string
	privacy   string
	logger    *log.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewDispatcher(submitter Submitter, opts DispatcherOptions) *Dispatcher {
	if strings.TrimSpace(opts.Codec) == "" {
		opts.Codec = DefaultCodec
	}
	if strings.TrimSpace(opts.Privacy) == "" {
		opts.Privacy = DefaultPrivacy
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Dispatcher{
		submitter: submitter,
		codec:     opts.Codec,
		privacy:   opts.Privacy,
		logger:    logger,
		tracer:    otel.Tracer("scenecast/render"),
		now:       time.Now,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, manifest domain.AssetManifest, compositionID string, chunkFrames int) (domain.RenderJob, error) {
	if d.submitter == nil || !d.submitter.Configured() {
		return domain.RenderJob{}, fmt.Errorf("dispatch: %w: rendering service credentials are not set", domain.ErrConfiguration)
	}
	compositionID = strings.TrimSpace(compositionID)
	if compositionID == "" {
		return domain.RenderJob{}, fmt.Errorf("dispatch: %w: composition id is required", domain.ErrValidation)
	}
	if chunkFrames <= 0 {
		return domain.RenderJob{}, fmt.Errorf("dispatch: %w: chunk frames must be positive", domain.ErrValidation)
	}
	if n := manifest.InlineCount(); n > 0 {
		return domain.RenderJob{}, fmt.Errorf("dispatch: %w: manifest still carries %d inline payloads", domain.ErrValidation, n)
	}

	ctx, span := d.tracer.Start(ctx, "render.dispatch", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("render.composition_id", compositionID),
		attribute.Int("render.chunk_frames", chunkFrames),
		attribute.Int("render.scenes", len(manifest.Scenes)),
	)
	defer span.End()

	resp, err := d.submitter.SubmitJob(ctx, SubmitRequest{
		CompositionID: compositionID,
		Manifest:      manifest,
		ChunkFrames:   chunkFrames,
		Codec:         d.codec,
		Privacy:       d.privacy,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrProvider) && !errors.Is(err, domain.ErrConfiguration) {
			err = &domain.ProviderError{Provider: providerName, Op: "submit", Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit rejected")
		d.logger.Printf("dispatch failed composition_id=%s err=%v", compositionID, err)
		return domain.RenderJob{}, fmt.Errorf("dispatch: %w", err)
	}

	job := domain.RenderJob{
		ID:              resp.JobID,
		StorageLocation: resp.StorageLocation,
		CompositionID:   compositionID,
		ChunkFrames:     chunkFrames,
		SubmittedAt:     d.now().UTC(),
	}
	span.SetAttributes(attribute.String("render.job_id", job.ID))
	span.SetStatus(codes.Ok, "submitted")
	d.logger.Printf("dispatched job_id=%s composition_id=%s chunk_frames=%d location=%s", job.ID, compositionID, chunkFrames, job.StorageLocation)
	return job, nil
}
