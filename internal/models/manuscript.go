package models

import (
	"time"
)

type Manuscript struct {
	ID              string             `json:"id"`
	Title           string             `json:"title,omitempty"`
	AuthorID        string             `json:"author_id"`
	Status          ManuscriptStatus   `json:"status"`
	Revision        int                `json:"revision"`
	TextKey         string             `json:"text_key,omitempty"`
	PlagiarismJobID *string            `json:"plagiarism_job_id,omitempty"`
	Reviews         []Review           `json:"reviews"`
	History         []TransitionRecord `json:"history"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// TransitionRecord is one applied state change, kept for audit.
type TransitionRecord struct {
	From       ManuscriptStatus `json:"from"`
	To         ManuscriptStatus `json:"to"`
	Transition string           `json:"transition"`
	ActorID    string           `json:"actor_id"`
	ActorRole  string           `json:"actor_role"`
	Note       string           `json:"note,omitempty"`
	At         time.Time        `json:"at"`
}

type ManuscriptStatus string

const (
	ManuscriptStatusSubmitted         ManuscriptStatus = "submitted"
	ManuscriptStatusPlagiarismPending ManuscriptStatus = "plagiarism_pending"
	ManuscriptStatusUnderReview       ManuscriptStatus = "under_review"
	ManuscriptStatusPlagiarismFailed  ManuscriptStatus = "plagiarism_failed"
	ManuscriptStatusReviewedAccept    ManuscriptStatus = "reviewed_accept"
	ManuscriptStatusReviewedReject    ManuscriptStatus = "reviewed_reject"
	ManuscriptStatusPublished         ManuscriptStatus = "published"
	ManuscriptStatusRejected          ManuscriptStatus = "rejected"
)

func (s ManuscriptStatus) String() string {
	return string(s)
}

func IsValidManuscriptStatus(status string) bool {
	switch ManuscriptStatus(status) {
	case ManuscriptStatusSubmitted, ManuscriptStatusPlagiarismPending, ManuscriptStatusUnderReview,
		ManuscriptStatusPlagiarismFailed, ManuscriptStatusReviewedAccept, ManuscriptStatusReviewedReject,
		ManuscriptStatusPublished, ManuscriptStatusRejected:
		return true
	default:
		return false
	}
}

// edges is the manuscript transition graph. Forced editorial decisions may
// leave any non-initial status, so they appear as edges from every status
// after screening started.
var edges = map[ManuscriptStatus][]ManuscriptStatus{
	ManuscriptStatusSubmitted: {
		ManuscriptStatusPlagiarismPending,
	},
	ManuscriptStatusPlagiarismPending: {
		ManuscriptStatusUnderReview,
		ManuscriptStatusPlagiarismFailed,
		ManuscriptStatusPublished,
		ManuscriptStatusRejected,
	},
	ManuscriptStatusUnderReview: {
		ManuscriptStatusReviewedAccept,
		ManuscriptStatusReviewedReject,
		ManuscriptStatusPublished,
		ManuscriptStatusRejected,
	},
	ManuscriptStatusPlagiarismFailed: {
		ManuscriptStatusPlagiarismPending,
		ManuscriptStatusPublished,
		ManuscriptStatusRejected,
	},
	ManuscriptStatusReviewedAccept: {
		ManuscriptStatusPublished,
		ManuscriptStatusRejected,
	},
	ManuscriptStatusReviewedReject: {
		ManuscriptStatusRejected,
		ManuscriptStatusPublished,
	},
	ManuscriptStatusPublished: {
		ManuscriptStatusRejected,
	},
	ManuscriptStatusRejected: {
		ManuscriptStatusPlagiarismPending,
		ManuscriptStatusPublished,
	},
}

// CanTransition reports whether from → to is an edge of the lifecycle graph.
func CanTransition(from, to ManuscriptStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand across store boundaries.
func (m *Manuscript) Clone() *Manuscript {
	if m == nil {
		return nil
	}
	cp := *m
	if m.PlagiarismJobID != nil {
		id := *m.PlagiarismJobID
		cp.PlagiarismJobID = &id
	}
	cp.Reviews = make([]Review, len(m.Reviews))
	for i, r := range m.Reviews {
		cp.Reviews[i] = r.Clone()
	}
	cp.History = append([]TransitionRecord(nil), m.History...)
	return &cp
}

// ReviewBy returns the review recorded by reviewerID, if any.
func (m *Manuscript) ReviewBy(reviewerID string) (Review, bool) {
	for _, r := range m.Reviews {
		if r.ReviewerID == reviewerID {
			return r, true
		}
	}
	return Review{}, false
}
