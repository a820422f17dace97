package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StateRendering = "rendering"
	StateRetrying  = "retrying"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"

	GenericRenderFailure = "render failed"
)

type CreateRenderRequest struct {
	CompositionID string        `json:"composition_id"`
	ChunkFrames   int           `json:"chunk_frames"`
	WebhookURL    string        `json:"webhook_url,omitempty"`
	Manifest      AssetManifest `json:"manifest"`
}

// RenderJob is the handle returned by the rendering service on submission.
// It is observed by the poller and never mutated after dispatch.
type RenderJob struct {
	ID              string    `json:"job_id"`
	StorageLocation string    `json:"storage_location"`
	CompositionID   string    `json:"composition_id"`
	ChunkFrames     int       `json:"chunk_frames"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// JobStatus is the tagged union Rendering | Retrying | Succeeded | Failed.
// Only the fields relevant to State are populated.
type JobStatus struct {
	State          string  `json:"state"`
	Progress       float64 `json:"progress"`
	OutputLocation string  `json:"output_location,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	Attempt        int     `json:"attempt,omitempty"`
}

func Rendering(progress float64) JobStatus {
	return JobStatus{State: StateRendering, Progress: progress}
}

func Retrying(progress float64, attempt int) JobStatus {
	return JobStatus{State: StateRetrying, Progress: progress, Attempt: attempt}
}

func Succeeded(outputLocation string) JobStatus {
	return JobStatus{State: StateSucceeded, Progress: 1, OutputLocation: outputLocation}
}

func Failed(reason string) JobStatus {
	if strings.TrimSpace(reason) == "" {
		reason = GenericRenderFailure
	}
	return JobStatus{State: StateFailed, Reason: reason}
}

func (s JobStatus) Terminal() bool {
	return s.State == StateSucceeded || s.State == StateFailed
}

func (s JobStatus) String() string {
	switch s.State {
	case StateRendering:
		return fmt.Sprintf("Rendering(%.2f)", s.Progress)
	case StateRetrying:
		return fmt.Sprintf("Retrying(%d)", s.Attempt)
	case StateSucceeded:
		return fmt.Sprintf("Succeeded(%s)", s.OutputLocation)
	case StateFailed:
		return fmt.Sprintf("Failed(%s)", s.Reason)
	default:
		return "Pending"
	}
}

// RenderRecord is the stored view of a dispatched job and the last status
// anyone observed for it. The rendering service remains the system of record.
type RenderRecord struct {
	Job        RenderJob `json:"job"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	Status     JobStatus `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type RateWindow struct {
	Count int64
	Start time.Time
}

func (r CreateRenderRequest) Validate() error {
	if strings.TrimSpace(r.CompositionID) == "" {
		return errors.New("composition_id is required")
	}
	if r.ChunkFrames <= 0 {
		return errors.New("chunk_frames must be positive")
	}
	if len(r.Manifest.Scenes) == 0 {
		return errors.New("manifest must contain at least one scene")
	}
	if r.Manifest.DurationInFrames < 0 {
		return errors.New("manifest.duration_in_frames must not be negative")
	}
	for i, scene := range r.Manifest.Scenes {
		if scene.Asset == nil {
			continue
		}
		if err := validateAsset(scene.Asset); err != nil {
			return fmt.Errorf("manifest.scenes[%d].asset: %w", i, err)
		}
	}
	if r.Manifest.Narration != nil {
		if err := validateAsset(r.Manifest.Narration); err != nil {
			return fmt.Errorf("manifest.narration: %w", err)
		}
		if r.Manifest.Narration.Role != RoleAudio {
			return errors.New("manifest.narration: role must be audio")
		}
	}
	return nil
}

func validateAsset(a *MediaAsset) error {
	if a.Role != RoleImage && a.Role != RoleAudio {
		return fmt.Errorf("unsupported role: %q", a.Role)
	}
	if strings.TrimSpace(a.Source) == "" {
		return errors.New("source is required")
	}
	return nil
}
