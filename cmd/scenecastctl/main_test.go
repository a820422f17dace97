package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dunamismax/scenecast/internal/domain"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSubmitInlinesLocalFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "scene.png"), []byte("\x89PNG\r\n\x1a\n"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	requestPath := filepath.Join(dir, "request.json")
	if err := os.WriteFile(requestPath, []byte(`{
		"composition_id": "story-video",
		"chunk_frames": 450,
		"manifest": {"scenes": [{"text": "Scene 1", "asset": {"role": "image", "source": "file:scene.png"}}]}
	}`), 0o644); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var got domain.CreateRenderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":"render-1","storage_location":"renders-bucket","watch":"not_requested"}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "--api", srv.URL, "submit", requestPath, "--chunk-frames", "900")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, "render-1") {
		t.Fatalf("expected job id in output, got %q", out)
	}
	if got.ChunkFrames != 900 {
		t.Fatalf("expected chunk frames override, got %d", got.ChunkFrames)
	}
	source := got.Manifest.Scenes[0].Asset.Source
	if !strings.HasPrefix(source, "data:image/png;base64,") || !domain.IsInlinePayload(source) {
		t.Fatalf("expected inline png payload, got %q", source)
	}
}

func TestSubmitRejectsInvalidRequestLocally(t *testing.T) {
	requestPath := filepath.Join(t.TempDir(), "request.json")
	if err := os.WriteFile(requestPath, []byte(`{"composition_id":"x","chunk_frames":1,"manifest":{"scenes":[]}}`), 0o644); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if _, err := runCLI(t, "--api", "http://127.0.0.1:1", "submit", requestPath); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestShowRendersRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/renders/render-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"job":{"job_id":"render-1","composition_id":"story-video","chunk_frames":450},"status":{"state":"succeeded","progress":1,"output_location":"s3://out.mp4"}}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "--api", srv.URL, "show", "render-1")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"render-1", "story-video", "succeeded s3://out.mp4"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestWatchStopsAtTerminalStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			_, _ = w.Write([]byte(`{"progress":0.5}`))
			return
		}
		_, _ = w.Write([]byte(`{"fatal_error":true,"message":"lambda timed out"}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "--api", srv.URL, "watch", "render-1", "--interval", "1ms")
	if err == nil || !strings.Contains(err.Error(), "lambda timed out") {
		t.Fatalf("expected failure with upstream reason, got %v", err)
	}
	if !strings.Contains(out, "rendering  50.0%") {
		t.Fatalf("expected progress line, got %q", out)
	}
	if calls != 2 {
		t.Fatalf("expected 2 polls, got %d", calls)
	}
}
