package models

// Data Transfer Objects

type SubmitManuscriptRequest struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	ContentType string `json:"content_type,omitempty"`
}

type SubmitManuscriptResponse struct {
	Manuscript *Manuscript `json:"manuscript"`
	Job        JobSummary  `json:"job"`
}

type ResubmitRequest struct {
	Text        string `json:"text"`
	ContentType string `json:"content_type,omitempty"`
}

type ForceDecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ListManuscriptsResponse struct {
	Manuscripts []*Manuscript `json:"manuscripts"`
	Total       int           `json:"total"`
}

type ListJobsResponse struct {
	Jobs  []*PlagiarismJob `json:"jobs"`
	Total int              `json:"total"`
}

// ManuscriptFilter narrows List queries. Zero values match everything.
type ManuscriptFilter struct {
	Status   ManuscriptStatus
	AuthorID string
	Limit    int
	Offset   int
}

type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
	Version string            `json:"version"`
}
