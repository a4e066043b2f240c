package models

import (
	"time"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/apperror"
)

type PlagiarismJob struct {
	ID              string             `json:"id"`
	ManuscriptID    string             `json:"manuscript_id"`
	Status          JobStatus          `json:"status"`
	Attempt         int                `json:"attempt"`
	EngineHandle    string             `json:"engine_handle,omitempty"`
	SimilarityScore *float64           `json:"similarity_score,omitempty"`
	Verdict         Verdict            `json:"verdict"`
	ErrorDetail     *apperror.AppError `json:"error_detail,omitempty"`
	Superseded      bool               `json:"superseded"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimedOut  JobStatus = "timed_out"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsActive reports whether a job in this status still owns its manuscript's
// screening slot.
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// ActiveJobStatuses lists the statuses that count against the one-active-job limit.
var ActiveJobStatuses = []JobStatus{JobStatusQueued, JobStatusRunning}

type Verdict string

const (
	VerdictNone Verdict = "none"
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// VerdictFor maps a similarity score onto pass/fail. Scores at or above the
// threshold fail.
func VerdictFor(score, threshold float64) Verdict {
	if score >= threshold {
		return VerdictFail
	}
	return VerdictPass
}

func (j *PlagiarismJob) Clone() *PlagiarismJob {
	if j == nil {
		return nil
	}
	cp := *j
	if j.SimilarityScore != nil {
		s := *j.SimilarityScore
		cp.SimilarityScore = &s
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.ErrorDetail != nil {
		e := *j.ErrorDetail
		if j.ErrorDetail.Context != nil {
			e.Context = make(map[string]any, len(j.ErrorDetail.Context))
			for k, v := range j.ErrorDetail.Context {
				e.Context[k] = v
			}
		}
		cp.ErrorDetail = &e
	}
	return &cp
}

// JobSummary is the externally visible shape of a freshly created job.
type JobSummary struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
}

func (j *PlagiarismJob) Summary() JobSummary {
	return JobSummary{ID: j.ID, Status: j.Status}
}
