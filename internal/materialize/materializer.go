package materialize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
	"github.com/dunamismax/scenecast/internal/id"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTTL           = time.Hour
	DefaultMaxConcurrent = 8
	defaultKeyPrefix     = "assets"
)

type ObjectStore interface {
	Configured() bool
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string, metadata map[string]string) error
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type Options struct {
	KeyPrefix     string
	TTL           time.Duration
	MaxConcurrent int
	Logger        *log.Logger
}

// Materializer replaces inline payloads in a manifest with signed,
// time-limited URLs into object storage.
type Materializer struct {
	store         ObjectStore
	keyPrefix     string
	ttl           time.Duration
	maxConcurrent int
	logger        *log.Logger
	tracer        trace.Tracer
	newBatchID    func() string
}

func New(store ObjectStore, opts Options) *Materializer {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if strings.TrimSpace(opts.KeyPrefix) == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Materializer{
		store:         store,
		keyPrefix:     strings.Trim(opts.KeyPrefix, "/"),
		ttl:           opts.TTL,
		maxConcurrent: opts.MaxConcurrent,
		logger:        logger,
		tracer:        otel.Tracer("scenecast/materialize"),
		newBatchID:    id.New,
	}
}

type upload struct {
	slot    string
	key     string
	payload Payload
	target  *domain.MediaAsset
}

// Materialize returns a copy of manifest in which every asset is a durable
// reference. It is all-or-nothing: on error no manifest is returned.
func (m *Materializer) Materialize(ctx context.Context, manifest domain.AssetManifest) (domain.AssetManifest, error) {
	if m.store == nil || !m.store.Configured() {
		return domain.AssetManifest{}, fmt.Errorf("materialize: %w: object storage credentials are not set", domain.ErrConfiguration)
	}

	out := manifest.Clone()
	batchID := m.newBatchID()
	uploads, err := m.plan(&out, batchID)
	if err != nil {
		return domain.AssetManifest{}, fmt.Errorf("materialize: %w", err)
	}
	if len(uploads) == 0 {
		return out, nil
	}

	ctx, span := m.tracer.Start(ctx, "materialize.manifest")
	span.SetAttributes(
		attribute.String("materialize.batch_id", batchID),
		attribute.Int("materialize.uploads", len(uploads)),
		attribute.Int("materialize.scenes", len(out.Scenes)),
	)
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxConcurrent)
	for _, u := range uploads {
		g.Go(func() error {
			url, err := m.upload(gctx, u)
			if err != nil {
				return err
			}
			u.target.Source = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		m.logger.Printf("materialize failed batch_id=%s uploads=%d err=%v", batchID, len(uploads), err)
		return domain.AssetManifest{}, fmt.Errorf("materialize: %w", err)
	}

	span.SetStatus(codes.Ok, "materialized")
	m.logger.Printf("materialized batch_id=%s uploads=%d scenes=%d", batchID, len(uploads), len(out.Scenes))
	return out, nil
}

// plan parses every inline payload before anything is uploaded, so a single
// malformed asset rejects the manifest without touching storage.
func (m *Materializer) plan(manifest *domain.AssetManifest, batchID string) ([]upload, error) {
	var uploads []upload
	add := func(slot string, asset *domain.MediaAsset) error {
		if asset == nil || !asset.IsInline() {
			return nil
		}
		payload, err := ParseInline(asset.Source)
		if err != nil {
			return fmt.Errorf("%s: %w", slot, err)
		}
		uploads = append(uploads, upload{
			slot:    slot,
			key:     path.Join(m.keyPrefix, batchID, slot+extensionForType(payload.MIMEType)),
			payload: payload,
			target:  asset,
		})
		return nil
	}

	for i := range manifest.Scenes {
		if err := add(fmt.Sprintf("scene-%03d", i), manifest.Scenes[i].Asset); err != nil {
			return nil, err
		}
	}
	if err := add("narration", manifest.Narration); err != nil {
		return nil, err
	}
	return uploads, nil
}

func (m *Materializer) upload(ctx context.Context, u upload) (string, error) {
	err := m.store.WriteObject(ctx, u.key, u.payload.Data, u.payload.MIMEType, probeMetadata(u.payload))
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", u.slot, asProviderError("put "+u.key, err))
	}
	url, err := m.store.PresignedGetURL(ctx, u.key, m.ttl)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", u.slot, asProviderError("presign_get "+u.key, err))
	}
	return url, nil
}

func asProviderError(op string, err error) error {
	if errors.Is(err, domain.ErrProvider) {
		return err
	}
	return &domain.ProviderError{Provider: "object_store", Op: op, Err: err}
}
