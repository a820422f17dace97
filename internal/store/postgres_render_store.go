package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
	_ "github.com/lib/pq"
)

const renderSchemaSQL = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id TEXT PRIMARY KEY,
	composition_id TEXT NOT NULL,
	storage_location TEXT NOT NULL DEFAULT '',
	chunk_frames INTEGER NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	status JSONB NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

type PostgresRenderStore struct {
	db *sql.DB
}

func NewPostgresRenderStore(ctx context.Context, dsn string) (*PostgresRenderStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresRenderStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresRenderStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, renderSchemaSQL); err != nil {
		return fmt.Errorf("ensure render_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresRenderStore) Close() error {
	return s.db.Close()
}

func (s *PostgresRenderStore) Create(ctx context.Context, record domain.RenderRecord) error {
	statusJSON, err := json.Marshal(record.Status)
	if err != nil {
		return fmt.Errorf("marshal render status: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO render_jobs (id, composition_id, storage_location, chunk_frames, webhook_url, status, submitted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.Job.ID,
		record.Job.CompositionID,
		record.Job.StorageLocation,
		record.Job.ChunkFrames,
		record.WebhookURL,
		statusJSON,
		record.Job.SubmittedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert render job: %w", err)
	}

	return nil
}

func (s *PostgresRenderStore) Get(ctx context.Context, id string) (domain.RenderRecord, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, composition_id, storage_location, chunk_frames, webhook_url, status, submitted_at, updated_at
		 FROM render_jobs
		 WHERE id = $1`,
		id,
	)

	var (
		record     domain.RenderRecord
		statusJSON []byte
	)
	if err := row.Scan(
		&record.Job.ID,
		&record.Job.CompositionID,
		&record.Job.StorageLocation,
		&record.Job.ChunkFrames,
		&record.WebhookURL,
		&statusJSON,
		&record.Job.SubmittedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RenderRecord{}, false, nil
		}
		return domain.RenderRecord{}, false, fmt.Errorf("query render job: %w", err)
	}

	if err := json.Unmarshal(statusJSON, &record.Status); err != nil {
		return domain.RenderRecord{}, false, fmt.Errorf("unmarshal render status: %w", err)
	}

	return record, true, nil
}

// UpdateStatus leaves rows whose stored state is already terminal untouched
// and never lowers the stored progress of a running job.
func (s *PostgresRenderStore) UpdateStatus(ctx context.Context, id string, status domain.JobStatus) (domain.RenderRecord, error) {
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return domain.RenderRecord{}, fmt.Errorf("marshal render status: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE render_jobs
		 SET status = CASE
		       WHEN $1::jsonb->>'state' IN ('succeeded', 'failed') THEN $1::jsonb
		       ELSE jsonb_set($1::jsonb, '{progress}', to_jsonb(GREATEST(
		         COALESCE((status->>'progress')::float8, 0),
		         COALESCE(($1::jsonb->>'progress')::float8, 0)
		       )))
		     END,
		     updated_at = $2
		 WHERE id = $3 AND status->>'state' NOT IN ('succeeded', 'failed')`,
		string(statusJSON),
		now,
		id,
	)
	if err != nil {
		return domain.RenderRecord{}, fmt.Errorf("update render status: %w", err)
	}

	record, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.RenderRecord{}, err
	}
	if !ok {
		return domain.RenderRecord{}, ErrRenderNotFound
	}

	return record, nil
}
