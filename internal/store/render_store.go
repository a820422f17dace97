package store

import (
	"context"
	"fmt"

	"github.com/dunamismax/scenecast/internal/domain"
)

var ErrRenderNotFound = fmt.Errorf("render job %w", domain.ErrNotFound)

// RenderStore keeps the last observed status of dispatched jobs. A record
// whose status is terminal is never changed again; UpdateStatus returns the
// stored record unchanged in that case. Non-terminal updates never lower the
// stored progress.
type RenderStore interface {
	Create(ctx context.Context, record domain.RenderRecord) error
	Get(ctx context.Context, id string) (domain.RenderRecord, bool, error)
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus) (domain.RenderRecord, error)
}
