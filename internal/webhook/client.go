package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
)

const (
	HeaderSignature = "X-Scenecast-Signature"
	HeaderTimestamp = "X-Scenecast-Timestamp"
	HeaderEvent     = "X-Scenecast-Event"
)

const (
	EventRenderSucceeded = "render.succeeded"
	EventRenderFailed    = "render.failed"
)

// RenderEvent is the body delivered when a watched render reaches a terminal
// status.
type RenderEvent struct {
	JobID           string    `json:"job_id"`
	CompositionID   string    `json:"composition_id"`
	StorageLocation string    `json:"storage_location"`
	State           string    `json:"state"`
	OutputLocation  string    `json:"output_location,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	RequestedAt     time.Time `json:"requested_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	now            func() time.Time
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}

	return &Client{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		now:            time.Now,
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    max(1, cfg.MaxAttempts),
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     max(cfg.MaxBackoff, cfg.InitialBackoff),
	}
}

// Send posts payload as JSON to endpoint. Network failures, 429 and 5xx
// responses are retried with exponential backoff; any other rejection is
// returned at once. Failures are *domain.ProviderError so callers can test
// them against domain.ErrTransient. An empty endpoint is a no-op.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	timestamp := strconv.FormatInt(c.now().UTC().Unix(), 10)
	signature := Sign(c.signingSecret, timestamp, body)

	backoff := c.initialBackoff
	for attempt := 1; ; attempt++ {
		err := c.deliver(ctx, endpoint, event, timestamp, signature, body)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, domain.ErrTransient) {
			return fmt.Errorf("webhook %s rejected: %w", event, err)
		}
		if attempt >= c.maxAttempts {
			return fmt.Errorf("webhook %s failed after %d attempts: %w", event, attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

func (c *Client) deliver(ctx context.Context, endpoint, event, timestamp, signature string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, event)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.ProviderError{Provider: "webhook", Op: "deliver", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &domain.ProviderError{
		Provider:   "webhook",
		Op:         "deliver",
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
	}
}

// Sign computes the signature header value over "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
