package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
	"github.com/dunamismax/scenecast/internal/queue"
	"github.com/dunamismax/scenecast/internal/ratelimit"
	"github.com/dunamismax/scenecast/internal/render"
	"github.com/dunamismax/scenecast/internal/store"
	"github.com/hibiken/asynq"
)

const createBody = `{
	"composition_id": "story-video",
	"chunk_frames": 450,
	"webhook_url": "https://hooks.example/renders",
	"manifest": {
		"scenes": [
			{"text": "Scene 1", "asset": {"role": "image", "source": "data:image/png;base64,iVBORw0KGgo="}},
			{"text": "Scene 2", "asset": {"role": "image", "source": "https://cdn.example/existing.png"}}
		],
		"narration": {"role": "audio", "source": "data:audio/wav;base64,UklGRg=="},
		"duration_in_frames": 900
	}
}`

func TestCreateRenderAccepted(t *testing.T) {
	f := newFixture()
	srv := f.server(nil)

	rec := do(t, srv, http.MethodPost, "/v1/renders", createBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp createRenderResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID != "render-1" || resp.StorageLocation != "renders-bucket" {
		t.Fatalf("unexpected handle %+v", resp)
	}
	if resp.ProgressURL != "/v1/renders/render-1/progress?storage_location=renders-bucket" {
		t.Fatalf("unexpected progress url %q", resp.ProgressURL)
	}
	if resp.Watch != "queued" || len(f.enqueuer.payloads) != 1 {
		t.Fatalf("expected one watch enqueued, got %q with %d payloads", resp.Watch, len(f.enqueuer.payloads))
	}
	if f.enqueuer.payloads[0].WebhookURL != "https://hooks.example/renders" {
		t.Fatalf("unexpected watch payload %+v", f.enqueuer.payloads[0])
	}

	if f.materializer.calls != 1 || f.dispatcher.calls != 1 {
		t.Fatalf("expected one materialize and one dispatch, got %d/%d", f.materializer.calls, f.dispatcher.calls)
	}
	if f.dispatcher.manifest.HasInline() {
		t.Fatal("dispatcher received inline payloads")
	}
	if f.dispatcher.compositionID != "story-video" || f.dispatcher.chunkFrames != 450 {
		t.Fatalf("unexpected dispatch arguments %s/%d", f.dispatcher.compositionID, f.dispatcher.chunkFrames)
	}

	record, ok, err := f.store.Get(context.Background(), "render-1")
	if err != nil || !ok {
		t.Fatalf("expected stored record, ok=%v err=%v", ok, err)
	}
	if record.Status.State != domain.StateRendering || record.WebhookURL != "https://hooks.example/renders" {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestCreateRenderWithoutWebhookSkipsWatch(t *testing.T) {
	f := newFixture()
	body := strings.Replace(createBody, `"webhook_url": "https://hooks.example/renders",`, "", 1)

	rec := do(t, f.server(nil), http.MethodPost, "/v1/renders", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.enqueuer.payloads) != 0 {
		t.Fatalf("expected no watch, got %d", len(f.enqueuer.payloads))
	}
	if !strings.Contains(rec.Body.String(), `"watch":"not_requested"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestCreateRenderMissingStorageCredentials(t *testing.T) {
	f := newFixture()
	f.materializer.err = fmt.Errorf("materialize: %w: object storage credentials are not set", domain.ErrConfiguration)

	rec := do(t, f.server(nil), http.MethodPost, "/v1/renders", createBody)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	assertErrorBody(t, rec, "configuration_error")
	if f.dispatcher.calls != 0 {
		t.Fatalf("expected no dispatch, got %d", f.dispatcher.calls)
	}
}

func TestCreateRenderProviderRejection(t *testing.T) {
	f := newFixture()
	f.dispatcher.err = &domain.ProviderError{Provider: "render_service", Op: "submit", StatusCode: http.StatusBadRequest, Message: "composition story-video not found"}

	rec := do(t, f.server(nil), http.MethodPost, "/v1/renders", createBody)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	body := assertErrorBody(t, rec, "provider_error")
	if body.Detail != "composition story-video not found" {
		t.Fatalf("expected raw upstream detail, got %q", body.Detail)
	}
	if _, ok, _ := f.store.Get(context.Background(), "render-1"); ok {
		t.Fatal("expected no record for rejected submission")
	}
}

func TestCreateRenderValidation(t *testing.T) {
	cases := map[string]string{
		"malformed json":    `{"composition_id":`,
		"unknown field":     `{"composition_id":"x","chunk_frames":1,"manifest":{"scenes":[{"text":"a"}]},"extra":true}`,
		"no composition":    `{"chunk_frames":1,"manifest":{"scenes":[{"text":"a"}]}}`,
		"zero chunk frames": `{"composition_id":"x","chunk_frames":0,"manifest":{"scenes":[{"text":"a"}]}}`,
		"no scenes":         `{"composition_id":"x","chunk_frames":1,"manifest":{"scenes":[]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			rec := do(t, f.server(nil), http.MethodPost, "/v1/renders", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			assertErrorBody(t, rec, "validation_error")
			if f.materializer.calls != 0 {
				t.Fatalf("expected no materialize call, got %d", f.materializer.calls)
			}
		})
	}
}

func TestCreateRenderBodyTooLarge(t *testing.T) {
	f := newFixture()
	s := NewServer(log.New(io.Discard, "", 0), Dependencies{
		Materializer: f.materializer,
		Dispatcher:   f.dispatcher,
		RenderStore:  f.store,
	})
	s.maxBodyBytes = 128

	rec := do(t, s.Handler(), http.MethodPost, "/v1/renders", createBody)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	body := assertErrorBody(t, rec, "request_too_large")
	if !strings.Contains(body.Detail, "128 bytes") {
		t.Fatalf("expected limit in detail, got %q", body.Detail)
	}
	if f.materializer.calls != 0 || f.dispatcher.calls != 0 {
		t.Fatalf("expected no pipeline calls, got %d/%d", f.materializer.calls, f.dispatcher.calls)
	}
}

func TestGetRender(t *testing.T) {
	f := newFixture()
	srv := f.server(nil)
	if rec := do(t, srv, http.MethodPost, "/v1/renders", createBody); rec.Code != http.StatusAccepted {
		t.Fatalf("seed render: %d", rec.Code)
	}

	rec := do(t, srv, http.MethodGet, "/v1/renders/render-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var record domain.RenderRecord
	if err := json.NewDecoder(rec.Body).Decode(&record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.Job.ID != "render-1" || record.Job.CompositionID != "story-video" {
		t.Fatalf("unexpected record %+v", record)
	}

	rec = do(t, srv, http.MethodGet, "/v1/renders/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	assertErrorBody(t, rec, "not_found")
}

func TestRenderProgressRelaysObservation(t *testing.T) {
	f := newFixture()
	f.progress.obs = render.Observation{Progress: 0.42}
	srv := f.server(nil)

	rec := do(t, srv, http.MethodGet, "/v1/renders/render-9/progress?storage_location=other-bucket", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp progressResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if resp.JobID != "render-9" || resp.Progress != 0.42 || resp.Done {
		t.Fatalf("unexpected relay %+v", resp)
	}
	if f.progress.jobID != "render-9" || f.progress.location != "other-bucket" {
		t.Fatalf("unexpected poll target %s/%s", f.progress.jobID, f.progress.location)
	}
}

func TestRenderProgressFallsBackToStoredLocation(t *testing.T) {
	f := newFixture()
	srv := f.server(nil)
	if rec := do(t, srv, http.MethodPost, "/v1/renders", createBody); rec.Code != http.StatusAccepted {
		t.Fatalf("seed render: %d", rec.Code)
	}

	if rec := do(t, srv, http.MethodGet, "/v1/renders/render-1/progress", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.progress.location != "renders-bucket" {
		t.Fatalf("expected stored storage location, got %q", f.progress.location)
	}
}

func TestRenderProgressUpstreamFailure(t *testing.T) {
	f := newFixture()
	f.progress.err = &domain.ProviderError{Provider: "render_service", Op: "poll", StatusCode: http.StatusServiceUnavailable, Message: "upstream down"}

	rec := do(t, f.server(nil), http.MethodGet, "/v1/renders/render-1/progress", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if body := assertErrorBody(t, rec, "provider_error"); body.Detail != "upstream down" {
		t.Fatalf("unexpected detail %q", body.Detail)
	}
}

func TestRateLimitRejectsAfterLimit(t *testing.T) {
	limiter, err := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	f := newFixture()
	srv := f.server(limiter)

	for i := range 2 {
		rec := do(t, srv, http.MethodGet, "/v1/renders/missing", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("request %d: expected 404, got %d", i, rec.Code)
		}
	}

	rec := do(t, srv, http.MethodPost, "/v1/renders", createBody)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("missing rate limit headers: %v", rec.Header())
	}
	assertErrorBody(t, rec, "rate_limited")
	if f.materializer.calls != 0 {
		t.Fatal("expected rejected request to do no work")
	}

	if rec := do(t, srv, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected health check to bypass the limiter, got %d", rec.Code)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	f := newFixture()
	srv := f.server(brokenLimiter{})
	if rec := do(t, srv, http.MethodGet, "/v1/renders/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected request to pass through, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/renders", nil)
	r.RemoteAddr = "10.0.0.7:52100"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := clientIP(r, false); got != "10.0.0.7" {
		t.Fatalf("expected remote address, got %q", got)
	}
	if got := clientIP(r, true); got != "203.0.113.9" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}

	r.RemoteAddr = "pipe"
	r.Header.Del("X-Forwarded-For")
	if got := clientIP(r, true); got != "pipe" {
		t.Fatalf("expected raw remote address, got %q", got)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/renders":              "/v1/renders",
		"/v1/renders/abc":          "/v1/renders/{id}",
		"/v1/renders/abc/progress": "/v1/renders/{id}/progress",
		"/healthz":                 "/healthz",
		"/wp-login.php":            "unmatched",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

type fixture struct {
	materializer *fakeMaterializer
	dispatcher   *fakeDispatcher
	progress     *fakeProgress
	enqueuer     *fakeEnqueuer
	store        *store.MemoryRenderStore
}

func newFixture() *fixture {
	return &fixture{
		materializer: &fakeMaterializer{},
		dispatcher:   &fakeDispatcher{job: domain.RenderJob{ID: "render-1", StorageLocation: "renders-bucket"}},
		progress:     &fakeProgress{},
		enqueuer:     &fakeEnqueuer{},
		store:        store.NewMemoryRenderStore(),
	}
}

func (f *fixture) server(limiter RateLimiter) http.Handler {
	return NewServer(log.New(io.Discard, "", 0), Dependencies{
		Materializer: f.materializer,
		Dispatcher:   f.dispatcher,
		Progress:     f.progress,
		RenderStore:  f.store,
		QueueClient:  f.enqueuer,
		RateLimiter:  limiter,
	}).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func assertErrorBody(t *testing.T, rec *httptest.ResponseRecorder, category string) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error != category {
		t.Fatalf("expected error %q, got %q (%s)", category, body.Error, body.Detail)
	}
	return body
}

type fakeMaterializer struct {
	calls int
	err   error
}

func (f *fakeMaterializer) Materialize(_ context.Context, manifest domain.AssetManifest) (domain.AssetManifest, error) {
	f.calls++
	if f.err != nil {
		return domain.AssetManifest{}, f.err
	}
	out := manifest.Clone()
	for i := range out.Scenes {
		if out.Scenes[i].Asset != nil && out.Scenes[i].Asset.IsInline() {
			out.Scenes[i].Asset.Source = fmt.Sprintf("https://signed.example/scene-%d", i)
		}
	}
	if out.Narration != nil && out.Narration.IsInline() {
		out.Narration.Source = "https://signed.example/narration"
	}
	return out, nil
}

type fakeDispatcher struct {
	job           domain.RenderJob
	err           error
	calls         int
	manifest      domain.AssetManifest
	compositionID string
	chunkFrames   int
}

func (f *fakeDispatcher) Dispatch(_ context.Context, manifest domain.AssetManifest, compositionID string, chunkFrames int) (domain.RenderJob, error) {
	f.calls++
	f.manifest = manifest
	f.compositionID = compositionID
	f.chunkFrames = chunkFrames
	if f.err != nil {
		return domain.RenderJob{}, f.err
	}
	job := f.job
	job.CompositionID = compositionID
	job.ChunkFrames = chunkFrames
	return job, nil
}

type fakeProgress struct {
	obs      render.Observation
	err      error
	jobID    string
	location string
}

func (f *fakeProgress) PollJob(_ context.Context, jobID, storageLocation string) (render.Observation, error) {
	f.jobID = jobID
	f.location = storageLocation
	return f.obs, f.err
}

type fakeEnqueuer struct {
	payloads []queue.WatchRenderPayload
}

func (f *fakeEnqueuer) EnqueueWatchRender(_ context.Context, payload queue.WatchRenderPayload) (*asynq.TaskInfo, error) {
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{ID: "watch:" + payload.JobID, Queue: "default"}, nil
}

type brokenLimiter struct{}

func (brokenLimiter) Check(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis unavailable")
}
