// Package engine abstracts the external similarity analysis engine behind a
// submit/poll contract and parses the result payload it produces.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/apperror"
)

// Handle identifies a job inside the engine.
type Handle string

// Engine is the narrow contract the coordinator depends on. Implementations
// must not retry internally; every call is a single attempt.
type Engine interface {
	Submit(ctx context.Context, text string) (Handle, error)
	// Poll returns the raw result payload for h.
	Poll(ctx context.Context, h Handle) ([]byte, error)
}

// Releaser is implemented by engines that hold per-job resources until the
// result is collected. Release stops any work still running for h and drops
// what is held for it; it is called once the coordinator stops polling h.
type Releaser interface {
	Release(h Handle)
}

// Status is the engine-side status marker carried in a result payload.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// InProgress reports whether the engine is still working on the job.
func (s Status) InProgress() bool {
	return s == StatusQueued || s == StatusPending || s == StatusRunning
}

// Result is a parsed result payload. Score is set only for StatusCompleted.
type Result struct {
	Status Status
	Score  *float64
	Reason string
}

type resultPayload struct {
	Status          *string          `json:"status"`
	SimilarityScore *json.RawMessage `json:"similarity_score"`
	Error           string           `json:"error,omitempty"`
}

// ParseResult decodes a result payload. Missing or malformed fields yield a
// Validation error, which is never retried.
func ParseResult(payload []byte) (Result, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Result{}, malformed("empty result payload", nil)
	}

	var p resultPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Result{}, malformed("result payload is not valid JSON", err)
	}

	if p.Status == nil || strings.TrimSpace(*p.Status) == "" {
		return Result{}, malformed("result payload has no status", nil).With("missing", []string{"status"})
	}

	status := Status(strings.ToLower(strings.TrimSpace(*p.Status)))
	switch {
	case status.InProgress():
		return Result{Status: status}, nil
	case status == StatusFailed:
		return Result{Status: status, Reason: p.Error}, nil
	case status != StatusCompleted:
		return Result{}, malformed(fmt.Sprintf("unknown status marker %q", status), nil).With("status", string(status))
	}

	if p.SimilarityScore == nil || string(*p.SimilarityScore) == "null" {
		return Result{}, malformed("completed result has no similarity_score", nil).With("missing", []string{"similarity_score"})
	}

	var score float64
	if err := json.Unmarshal(*p.SimilarityScore, &score); err != nil {
		return Result{}, malformed("similarity_score is not a number", err)
	}
	if score < 0 || score > 100 {
		return Result{}, malformed("similarity_score out of range", nil).With("similarity_score", score)
	}

	return Result{Status: StatusCompleted, Score: &score}, nil
}

func malformed(msg string, cause error) *apperror.AppError {
	return apperror.Wrap(apperror.CategoryValidation, apperror.CodeMalformedPayload, msg, cause)
}
