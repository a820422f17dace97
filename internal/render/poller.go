package render

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
)

const DefaultPollInterval = 15 * time.Second

type PollerOptions struct {
	Interval time.Duration
	// RetryBudget is how many consecutive failed status requests are tolerated
	// before the job is reported Failed. Zero makes the first failure terminal.
	RetryBudget int
	Logger      *log.Logger
}

// Poller observes a render job. It holds no state between calls; callers
// pass the previous status back in, or use Watch to drive the loop.
type Poller struct {
	source      ProgressSource
	interval    time.Duration
	retryBudget int
	logger      *log.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewPoller(source ProgressSource, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.RetryBudget < 0 {
		opts.RetryBudget = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Poller{
		source:      source,
		interval:    opts.Interval,
		retryBudget: opts.RetryBudget,
		logger:      logger,
		sleep:       sleepContext,
	}
}

// Transition applies one poll outcome to the previous status.
//
// A fatal error reported by the service wins over everything, including prior
// progress. A failed request moves to Retrying while the budget lasts and only
// when the failure is transient; otherwise it is terminal.
func Transition(prev domain.JobStatus, obs Observation, err error, retryBudget int) domain.JobStatus {
	if prev.Terminal() {
		return prev
	}

	if err != nil {
		if errors.Is(err, domain.ErrTransient) && prev.Attempt < retryBudget {
			return domain.Retrying(prev.Progress, prev.Attempt+1)
		}
		return domain.Failed(fmt.Sprintf("status check failed: %s", domain.UpstreamMessage(err)))
	}

	switch {
	case obs.FatalError:
		return domain.Failed(obs.Message)
	case obs.Done:
		return domain.Succeeded(obs.OutputLocation)
	default:
		return domain.Rendering(max(prev.Progress, clampProgress(obs.Progress)))
	}
}

// Step performs a single status request and returns the next status. If ctx
// ends during the request the previous status is returned unchanged.
func (p *Poller) Step(ctx context.Context, job domain.RenderJob, prev domain.JobStatus) domain.JobStatus {
	if prev.Terminal() {
		return prev
	}

	obs, err := p.source.PollJob(ctx, job.ID, job.StorageLocation)
	if err != nil && ctx.Err() != nil {
		return prev
	}

	next := Transition(prev, obs, err, p.retryBudget)
	if next.State == domain.StateRetrying {
		p.logger.Printf("status check failed job_id=%s attempt=%d/%d err=%v", job.ID, next.Attempt, p.retryBudget, err)
	}
	return next
}

// Watch polls at a fixed interval until the job reaches a terminal status,
// reporting every status to onStatus. Cancelling ctx abandons the watch; the
// remote job keeps running and the last observed status is returned.
func (p *Poller) Watch(ctx context.Context, job domain.RenderJob, onStatus func(domain.JobStatus)) (domain.JobStatus, error) {
	return p.WatchFrom(ctx, job, domain.JobStatus{}, onStatus)
}

// WatchFrom resumes a watch from a previously observed status. Progress never
// drops below from.Progress and the retry budget starts fresh. A terminal
// from is returned as is without polling.
func (p *Poller) WatchFrom(ctx context.Context, job domain.RenderJob, from domain.JobStatus, onStatus func(domain.JobStatus)) (domain.JobStatus, error) {
	if from.Terminal() {
		return from, nil
	}
	status := domain.JobStatus{}
	if from.State != "" {
		status = domain.Rendering(clampProgress(from.Progress))
	}
	for {
		status = p.Step(ctx, job, status)
		if err := ctx.Err(); err != nil {
			return status, err
		}
		if onStatus != nil {
			onStatus(status)
		}
		if status.Terminal() {
			return status, nil
		}
		if err := p.sleep(ctx, p.interval); err != nil {
			return status, err
		}
	}
}

func clampProgress(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
