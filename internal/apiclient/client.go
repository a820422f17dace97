// Package apiclient calls the scenecast HTTP API. Its PollJob makes the API's
// stateless progress relay usable as a render.ProgressSource, so a local
// Poller can watch a job without talking to the rendering service directly.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
	"github.com/dunamismax/scenecast/internal/render"
)

const providerName = "scenecast_api"

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Submission is the API's acknowledgement of an accepted render.
type Submission struct {
	JobID           string           `json:"job_id"`
	StorageLocation string           `json:"storage_location"`
	Status          domain.JobStatus `json:"status"`
	StatusURL       string           `json:"status_url"`
	ProgressURL     string           `json:"progress_url"`
	Watch           string           `json:"watch"`
}

func (s Submission) Job() domain.RenderJob {
	return domain.RenderJob{ID: s.JobID, StorageLocation: s.StorageLocation}
}

func (c *Client) SubmitRender(ctx context.Context, req domain.CreateRenderRequest) (Submission, error) {
	var out Submission
	if err := c.do(ctx, "submit", http.MethodPost, "/v1/renders", req, &out); err != nil {
		return Submission{}, err
	}
	return out, nil
}

func (c *Client) GetRender(ctx context.Context, jobID string) (domain.RenderRecord, error) {
	var out domain.RenderRecord
	if err := c.do(ctx, "get", http.MethodGet, "/v1/renders/"+url.PathEscape(jobID), nil, &out); err != nil {
		return domain.RenderRecord{}, err
	}
	return out, nil
}

func (c *Client) PollJob(ctx context.Context, jobID, storageLocation string) (render.Observation, error) {
	endpoint := "/v1/renders/" + url.PathEscape(jobID) + "/progress"
	if storageLocation != "" {
		endpoint += "?" + url.Values{"storage_location": []string{storageLocation}}.Encode()
	}

	var out render.Observation
	if err := c.do(ctx, "progress", http.MethodGet, endpoint, nil, &out); err != nil {
		return render.Observation{}, err
	}
	return out, nil
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: api url is not set", domain.ErrConfiguration)
	}

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
		return decodeError(op, resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &domain.ProviderError{Provider: providerName, Op: op, StatusCode: resp.StatusCode, Message: "invalid response body", Err: err}
	}
	return nil
}

// decodeError maps the API's error categories back onto the domain sentinels.
// Relayed upstream failures stay ProviderErrors so the poller can classify
// them as transient or permanent by status.
func decodeError(op string, status int, raw []byte) error {
	var body errorBody
	_ = json.Unmarshal(raw, &body)
	detail := body.Detail
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}

	switch body.Error {
	case "configuration_error":
		return fmt.Errorf("%s: %w: %s", op, domain.ErrConfiguration, detail)
	case "validation_error":
		return fmt.Errorf("%s: %w: %s", op, domain.ErrValidation, detail)
	case "not_found":
		return fmt.Errorf("%s: %w: %s", op, domain.ErrNotFound, detail)
	default:
		return &domain.ProviderError{Provider: providerName, Op: op, StatusCode: status, Message: detail}
	}
}
