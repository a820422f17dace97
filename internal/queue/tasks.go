package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeWatchRender = "render:watch"

// WatchRenderPayload names a dispatched job for the worker to observe. It
// carries only what the poller and webhook need; the render is never
// resubmitted from here.
type WatchRenderPayload struct {
	JobID           string    `json:"job_id"`
	StorageLocation string    `json:"storage_location"`
	CompositionID   string    `json:"composition_id"`
	ChunkFrames     int       `json:"chunk_frames"`
	WebhookURL      string    `json:"webhook_url,omitempty"`
	RequestedAt     time.Time `json:"requested_at"`
}

func (p WatchRenderPayload) Job() domain.RenderJob {
	return domain.RenderJob{
		ID:              p.JobID,
		StorageLocation: p.StorageLocation,
		CompositionID:   p.CompositionID,
		ChunkFrames:     p.ChunkFrames,
		SubmittedAt:     p.RequestedAt,
	}
}

func NewWatchRenderTask(payload WatchRenderPayload) (*asynq.Task, error) {
	if payload.JobID == "" {
		return nil, fmt.Errorf("watch payload requires job_id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal watch payload: %w", err)
	}
	return asynq.NewTask(TypeWatchRender, body), nil
}

func ParseWatchRenderPayload(task *asynq.Task) (WatchRenderPayload, error) {
	var payload WatchRenderPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return WatchRenderPayload{}, fmt.Errorf("unmarshal watch payload: %w", err)
	}
	if payload.JobID == "" {
		return WatchRenderPayload{}, fmt.Errorf("watch payload missing job_id")
	}
	return payload, nil
}
