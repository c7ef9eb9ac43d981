package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/callwise/copilot/pkg/callstate"
	"github.com/callwise/copilot/pkg/errorsx"
	"github.com/callwise/copilot/pkg/logging"
	"github.com/callwise/copilot/pkg/resilience"
)

const userAgent = "copilotd/1.0"

// AnalysisRequest is the wire format sent to the analysis endpoint.
type AnalysisRequest struct {
	SubjectID  string            `json:"subject_id"`
	Transcript []callstate.Entry `json:"transcript"`
}

// Client posts accumulated transcripts to the external analysis
// endpoint. The response payload is opaque beyond being valid,
// non-empty JSON.
type Client struct {
	cfg     CopilotConfig
	http    *http.Client
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

func NewClient(cfg CopilotConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
		logger:  logging.NewComponentLogger(slog.Default(), "copilot_client"),
	}
}

// Analyze sends the ordered transcript and returns the raw suggestion
// payload. Entries are sent exactly in buffer order, never reordered
// or deduplicated.
func (c *Client) Analyze(ctx context.Context, subjectID string, entries []callstate.Entry) (json.RawMessage, error) {
	if !c.breaker.Allow() {
		return nil, errorsx.Wrap(fmt.Errorf("copilot circuit open"), errorsx.ReasonCopilotRateLimit)
	}

	body, err := json.Marshal(AnalysisRequest{SubjectID: subjectID, Transcript: entries})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonCopilotRequest)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonCopilotRequest)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("ngrok-skip-browser-warning", "true")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.OnError(err)
		return nil, errorsx.Wrap(err, errorsx.ReasonCopilotRequest)
	}
	defer resp.Body.Close()

	elapsed := time.Since(started)

	if resp.StatusCode == http.StatusTooManyRequests {
		err := resilience.RateLimitError{Provider: "copilot"}
		c.breaker.OnError(err)
		return nil, errorsx.Wrap(err, errorsx.ReasonCopilotRateLimit)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Warn("copilot_non_success_status",
			slog.Int("status", resp.StatusCode),
			slog.Duration("elapsed", elapsed))
		return nil, errorsx.Wrap(fmt.Errorf("copilot status %d", resp.StatusCode), errorsx.ReasonCopilotStatus)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonCopilotRequest)
	}

	// Typed envelope check at the boundary: the payload must be valid
	// non-empty JSON; its fields stay opaque to the core.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil || len(probe) == 0 {
		return nil, errorsx.Wrap(fmt.Errorf("empty or malformed copilot payload"), errorsx.ReasonCopilotEmpty)
	}

	c.breaker.OnSuccess()
	c.logger.Info("copilot_response_received",
		slog.Int("status", resp.StatusCode),
		slog.Int("payload_bytes", len(payload)),
		slog.Duration("elapsed", elapsed))

	return json.RawMessage(payload), nil
}

// SubjectID returns the configured stable subject identifier.
func (c *Client) SubjectID() string { return c.cfg.SubjectID }

// URL returns the configured analysis endpoint.
func (c *Client) URL() string { return c.cfg.URL }
