package render

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
)

func TestWatchReportsProgressThenSuccess(t *testing.T) {
	source := &scriptedSource{steps: []scriptedStep{
		{obs: Observation{Progress: 0.2}},
		{obs: Observation{Progress: 0.6}},
		{obs: Observation{Done: true, Progress: 1, OutputLocation: "s3://renders/out.mp4"}},
		{obs: Observation{Progress: 0.9}},
	}}
	p := newTestPoller(source, 0)

	var seen []domain.JobStatus
	final, err := p.Watch(context.Background(), testJob(), func(s domain.JobStatus) {
		seen = append(seen, s)
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	want := []domain.JobStatus{
		domain.Rendering(0.2),
		domain.Rendering(0.6),
		domain.Succeeded("s3://renders/out.mp4"),
	}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	if final != want[2] {
		t.Fatalf("expected final %v, got %v", want[2], final)
	}
	if source.calls != 3 {
		t.Fatalf("expected no poll after success, got %d polls", source.calls)
	}
	if source.lastJobID != "render-1" || source.lastLocation != "renders-bucket" {
		t.Fatalf("unexpected poll target %s/%s", source.lastJobID, source.lastLocation)
	}
}

func TestWatchStopsOnFatalErrorRegardlessOfProgress(t *testing.T) {
	source := &scriptedSource{steps: []scriptedStep{
		{obs: Observation{Progress: 0.4}},
		{obs: Observation{Progress: 0.95}},
		{obs: Observation{FatalError: true, Progress: 0.95, Message: "chunk 3 timed out"}},
		{obs: Observation{Done: true}},
	}}
	p := newTestPoller(source, 3)

	var seen []domain.JobStatus
	final, err := p.Watch(context.Background(), testJob(), func(s domain.JobStatus) {
		seen = append(seen, s)
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if final.State != domain.StateFailed || final.Reason != "chunk 3 timed out" {
		t.Fatalf("expected Failed(chunk 3 timed out), got %v", final)
	}
	if final.Progress != 0 {
		t.Fatalf("expected prior progress to be discarded, got %f", final.Progress)
	}
	if source.calls != 3 || len(seen) != 3 {
		t.Fatalf("expected 3 polls and 3 statuses, got %d polls %d statuses", source.calls, len(seen))
	}
}

func TestWatchFatalErrorWithoutMessageUsesGenericReason(t *testing.T) {
	source := &scriptedSource{steps: []scriptedStep{{obs: Observation{FatalError: true}}}}
	final, _ := newTestPoller(source, 0).Watch(context.Background(), testJob(), nil)
	if final.Reason != domain.GenericRenderFailure {
		t.Fatalf("expected generic reason, got %q", final.Reason)
	}
}

func TestWatchWithoutRetryBudgetFailsOnFirstNetworkError(t *testing.T) {
	source := &scriptedSource{steps: []scriptedStep{
		{obs: Observation{Progress: 0.3}},
		{err: networkError()},
		{obs: Observation{Progress: 0.5}},
	}}
	final, err := newTestPoller(source, 0).Watch(context.Background(), testJob(), nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if final.State != domain.StateFailed {
		t.Fatalf("expected Failed, got %v", final)
	}
	if source.calls != 2 {
		t.Fatalf("expected 2 polls, got %d", source.calls)
	}
}

func TestWatchRetriesTransientErrorsWithinBudget(t *testing.T) {
	source := &scriptedSource{steps: []scriptedStep{
		{obs: Observation{Progress: 0.3}},
		{err: networkError()},
		{err: &domain.ProviderError{Provider: "render_service", Op: "poll", StatusCode: http.StatusBadGateway, Message: "bad gateway"}},
		{obs: Observation{Progress: 0.7}},
		{obs: Observation{Done: true, OutputLocation: "s3://out.mp4"}},
	}}

	var seen []domain.JobStatus
	final, err := newTestPoller(source, 2).Watch(context.Background(), testJob(), func(s domain.JobStatus) {
		seen = append(seen, s)
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	want := []domain.JobStatus{
		domain.Rendering(0.3),
		domain.Retrying(0.3, 1),
		domain.Retrying(0.3, 2),
		domain.Rendering(0.7),
		domain.Succeeded("s3://out.mp4"),
	}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	if final.State != domain.StateSucceeded {
		t.Fatalf("expected success, got %v", final)
	}
}

func TestWatchGivesUpWhenRetryBudgetIsSpent(t *testing.T) {
	source := &scriptedSource{steps: []scriptedStep{
		{err: networkError()},
		{err: networkError()},
		{err: networkError()},
		{obs: Observation{Done: true}},
	}}
	final, _ := newTestPoller(source, 2).Watch(context.Background(), testJob(), nil)
	if final.State != domain.StateFailed {
		t.Fatalf("expected Failed after budget, got %v", final)
	}
	if source.calls != 3 {
		t.Fatalf("expected 3 polls, got %d", source.calls)
	}
}

func TestWatchPermanentRequestErrorIsTerminal(t *testing.T) {
	source := &scriptedSource{steps: []scriptedStep{
		{err: &domain.ProviderError{Provider: "render_service", Op: "poll", StatusCode: http.StatusNotFound, Message: "no such render"}},
	}}
	final, _ := newTestPoller(source, 5).Watch(context.Background(), testJob(), nil)
	if final.State != domain.StateFailed || final.Reason != "status check failed: no such render" {
		t.Fatalf("expected terminal failure with upstream message, got %v", final)
	}
}

func TestWatchAbandonedByCaller(t *testing.T) {
	source := &scriptedSource{steps: []scriptedStep{
		{obs: Observation{Progress: 0.1}},
		{obs: Observation{Progress: 0.2}},
	}}
	p := newTestPoller(source, 0)

	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	final, err := p.Watch(ctx, testJob(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if final != domain.Rendering(0.1) {
		t.Fatalf("expected last observed status, got %v", final)
	}
	if source.calls != 1 {
		t.Fatalf("expected 1 poll before abandonment, got %d", source.calls)
	}
}

func TestTransitionKeepsProgressMonotonic(t *testing.T) {
	prev := domain.Rendering(0.6)
	next := Transition(prev, Observation{Progress: 0.4}, nil, 0)
	if next.Progress != 0.6 {
		t.Fatalf("expected progress to hold at 0.6, got %f", next.Progress)
	}
	next = Transition(next, Observation{Progress: 1.7}, nil, 0)
	if next.Progress != 1 {
		t.Fatalf("expected progress clamped to 1, got %f", next.Progress)
	}
}

func TestTransitionLeavesTerminalStatusAlone(t *testing.T) {
	done := domain.Succeeded("s3://out.mp4")
	if got := Transition(done, Observation{FatalError: true}, nil, 0); got != done {
		t.Fatalf("expected terminal status unchanged, got %v", got)
	}
}

func newTestPoller(source ProgressSource, budget int) *Poller {
	p := NewPoller(source, PollerOptions{
		Interval:    time.Millisecond,
		RetryBudget: budget,
		Logger:      log.New(io.Discard, "", 0),
	})
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func testJob() domain.RenderJob {
	return domain.RenderJob{ID: "render-1", StorageLocation: "renders-bucket"}
}

func networkError() error {
	return &domain.ProviderError{Provider: "render_service", Op: "poll", Err: errors.New("connection refused")}
}

type scriptedStep struct {
	obs Observation
	err error
}

type scriptedSource struct {
	steps        []scriptedStep
	calls        int
	lastJobID    string
	lastLocation string
}

func (s *scriptedSource) PollJob(_ context.Context, jobID, storageLocation string) (Observation, error) {
	s.lastJobID = jobID
	s.lastLocation = storageLocation
	if s.calls >= len(s.steps) {
		s.calls++
		return Observation{}, errors.New("script exhausted")
	}
	step := s.steps[s.calls]
	s.calls++
	return step.obs, step.err
}

func TestWatchFromResumesAtStoredProgress(t *testing.T) {
	source := &scriptedSource{steps: []scriptedStep{
		{err: networkError()},
		{obs: Observation{Progress: 0.5}},
		{obs: Observation{Done: true, OutputLocation: "s3://out.mp4"}},
	}}

	var seen []domain.JobStatus
	final, err := newTestPoller(source, 2).WatchFrom(context.Background(), testJob(), domain.Retrying(0.8, 2), func(s domain.JobStatus) {
		seen = append(seen, s)
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	want := []domain.JobStatus{
		domain.Retrying(0.8, 1),
		domain.Rendering(0.8),
		domain.Succeeded("s3://out.mp4"),
	}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	if final.State != domain.StateSucceeded {
		t.Fatalf("expected success, got %v", final)
	}
}

func TestWatchFromTerminalStatusDoesNotPoll(t *testing.T) {
	source := &scriptedSource{}
	done := domain.Succeeded("s3://out.mp4")

	final, err := newTestPoller(source, 0).WatchFrom(context.Background(), testJob(), done, func(domain.JobStatus) {
		t.Fatal("expected no status callbacks")
	})
	if err != nil || final != done {
		t.Fatalf("expected %v, got %v err=%v", done, final, err)
	}
	if source.calls != 0 {
		t.Fatalf("expected zero polls, got %d", source.calls)
	}
}
