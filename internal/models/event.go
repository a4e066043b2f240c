package models

import (
	"time"
)

// ManuscriptSubmittedEvent is consumed from the submission queue.
type ManuscriptSubmittedEvent struct {
	ManuscriptID string `json:"manuscript_id"`
	AuthorID     string `json:"author_id"`
	Title        string `json:"title"`
	Text         string `json:"text"`
	ContentType  string `json:"content_type,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

type ManuscriptTransitionedEvent struct {
	ManuscriptID string           `json:"manuscript_id"`
	From         ManuscriptStatus `json:"from"`
	To           ManuscriptStatus `json:"to"`
	Transition   string           `json:"transition"`
	ActorID      string           `json:"actor_id"`
	ActorRole    string           `json:"actor_role"`
	Revision     int              `json:"revision"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

type PlagiarismCompletedEvent struct {
	JobID           string    `json:"job_id"`
	ManuscriptID    string    `json:"manuscript_id"`
	Status          JobStatus `json:"status"`
	Verdict         Verdict   `json:"verdict"`
	SimilarityScore *float64  `json:"similarity_score,omitempty"`
	ErrorCategory   string    `json:"error_category,omitempty"`
	Attempts        int       `json:"attempts"`
	CompletedAt     time.Time `json:"completed_at"`
}
