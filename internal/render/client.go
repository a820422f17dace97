package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
)

const providerName = "render_service"

type SubmitRequest struct {
	CompositionID string
	Manifest      domain.AssetManifest
	ChunkFrames   int
	Codec         string
	Privacy       string
}

type SubmitResponse struct {
	JobID           string
	StorageLocation string
}

// Observation is one answer from the rendering service about a job.
type Observation struct {
	Done           bool    `json:"done"`
	Progress       float64 `json:"progress"`
	OutputLocation string  `json:"output_location,omitempty"`
	FatalError     bool    `json:"fatal_error"`
	Message        string  `json:"message,omitempty"`
}

type Submitter interface {
	Configured() bool
	SubmitJob(ctx context.Context, req SubmitRequest) (SubmitResponse, error)
}

type ProgressSource interface {
	PollJob(ctx context.Context, jobID, storageLocation string) (Observation, error)
}

type ClientConfig struct {
	BaseURL      string
	APIToken     string
	FunctionName string
	Region       string
	Bucket       string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Client talks JSON over HTTP to the managed rendering service.
type Client struct {
	baseURL      string
	apiToken     string
	functionName string
	region       string
	bucket       string
	httpClient   *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiToken:     strings.TrimSpace(cfg.APIToken),
		functionName: strings.TrimSpace(cfg.FunctionName),
		region:       strings.TrimSpace(cfg.Region),
		bucket:       strings.TrimSpace(cfg.Bucket),
		httpClient:   httpClient,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.apiToken != "" && c.functionName != ""
}

type submitBody struct {
	CompositionID  string     `json:"composition_id"`
	FunctionName   string     `json:"function_name"`
	Region         string     `json:"region,omitempty"`
	Bucket         string     `json:"bucket,omitempty"`
	InputProps     inputProps `json:"input_props"`
	FramesPerChunk int        `json:"frames_per_chunk"`
	Codec          string     `json:"codec"`
	Privacy        string     `json:"privacy"`
}

type inputProps struct {
	Scenes           []domain.Scene     `json:"scenes"`
	Narration        *domain.MediaAsset `json:"narration,omitempty"`
	DurationInFrames int                `json:"duration_in_frames"`
}

type submitReply struct {
	RenderID   string `json:"render_id"`
	BucketName string `json:"bucket_name"`
}

type progressReply struct {
	Done                  bool    `json:"done"`
	OverallProgress       float64 `json:"overall_progress"`
	OutputFile            string  `json:"output_file"`
	FatalErrorEncountered bool    `json:"fatal_error_encountered"`
	Errors                []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) SubmitJob(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if !c.Configured() {
		return SubmitResponse{}, fmt.Errorf("%w: rendering service credentials are not set", domain.ErrConfiguration)
	}

	body := submitBody{
		CompositionID: req.CompositionID,
		FunctionName:  c.functionName,
		Region:        c.region,
		Bucket:        c.bucket,
		InputProps: inputProps{
			Scenes:           req.Manifest.Scenes,
			Narration:        req.Manifest.Narration,
			DurationInFrames: req.Manifest.DurationInFrames,
		},
		FramesPerChunk: req.ChunkFrames,
		Codec:          req.Codec,
		Privacy:        req.Privacy,
	}

	var reply submitReply
	if err := c.do(ctx, "submit", http.MethodPost, "/v1/renders", body, &reply); err != nil {
		return SubmitResponse{}, err
	}
	if strings.TrimSpace(reply.RenderID) == "" {
		return SubmitResponse{}, &domain.ProviderError{Provider: providerName, Op: "submit", Message: "response is missing render_id"}
	}

	location := reply.BucketName
	if location == "" {
		location = c.bucket
	}
	return SubmitResponse{JobID: reply.RenderID, StorageLocation: location}, nil
}

func (c *Client) PollJob(ctx context.Context, jobID, storageLocation string) (Observation, error) {
	if !c.Configured() {
		return Observation{}, fmt.Errorf("%w: rendering service credentials are not set", domain.ErrConfiguration)
	}

	endpoint := "/v1/renders/" + url.PathEscape(jobID) + "/progress"
	if storageLocation != "" {
		endpoint += "?" + url.Values{"bucket": []string{storageLocation}}.Encode()
	}

	var reply progressReply
	if err := c.do(ctx, "poll", http.MethodGet, endpoint, nil, &reply); err != nil {
		return Observation{}, err
	}

	obs := Observation{
		Done:           reply.Done,
		Progress:       reply.OverallProgress,
		OutputLocation: reply.OutputFile,
		FatalError:     reply.FatalErrorEncountered,
	}
	if reply.FatalErrorEncountered {
		for _, e := range reply.Errors {
			if strings.TrimSpace(e.Message) != "" {
				obs.Message = e.Message
				break
			}
		}
	}
	return obs, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.ProviderError{Provider: providerName, Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &domain.ProviderError{Provider: providerName, Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.ProviderError{
			Provider:   providerName,
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    upstreamMessage(raw, resp.Status),
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &domain.ProviderError{Provider: providerName, Op: op, StatusCode: resp.StatusCode, Message: "invalid response body", Err: err}
	}
	return nil
}

func upstreamMessage(raw []byte, status string) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return status
	}
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}

// IsTransient reports whether a poll error is worth repeating.
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrTransient)
}
