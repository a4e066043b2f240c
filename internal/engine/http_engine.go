package engine

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

	"github.com/rs/zerolog"
)

const maxPayloadSize = 1 << 20

// StatusError is returned for non-2xx engine responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis engine returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int {
	return e.Code
}

type httpEngine struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

type submitRequest struct {
	Text string `json:"text"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// NewHTTPEngine talks to an analysis engine exposing
// POST /api/v1/checks and GET /api/v1/checks/{id}.
func NewHTTPEngine(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) Engine {
	return &httpEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (e *httpEngine) Submit(ctx context.Context, text string) (Handle, error) {
	body, err := json.Marshal(submitRequest{Text: text})
	if err != nil {
		return "", fmt.Errorf("failed to encode submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/v1/checks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	e.authorize(req)

	payload, err := e.do(req)
	if err != nil {
		return "", err
	}

	var resp submitResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}
	if resp.JobID == "" {
		return "", malformed("submit response has no job_id", nil).With("missing", []string{"job_id"})
	}

	e.logger.Debug().Str("engine_job_id", resp.JobID).Msg("Text submitted to analysis engine")
	return Handle(resp.JobID), nil
}

func (e *httpEngine) Poll(ctx context.Context, h Handle) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/api/v1/checks/%s", e.baseURL, url.PathEscape(string(h)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	e.authorize(req)

	return e.do(req)
}

func (e *httpEngine) authorize(req *http.Request) {
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
}

func (e *httpEngine) do(req *http.Request) ([]byte, error) {
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis engine request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read engine response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
