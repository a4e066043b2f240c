// Package repository holds the keyed document stores for manuscripts,
// plagiarism jobs and manuscript text. Records cross-reference each other by
// id only.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrAlreadyExists   = errors.New("record already exists")
	ErrActiveJobExists = errors.New("manuscript already has an active plagiarism job")
	// ErrJobNotActive is returned by UpdateIfActive when the stored job has
	// already reached a terminal status.
	ErrJobNotActive = errors.New("plagiarism job is no longer active")
)

type ManuscriptRepository interface {
	Create(ctx context.Context, m *models.Manuscript) error
	Get(ctx context.Context, id string) (*models.Manuscript, error)
	Update(ctx context.Context, m *models.Manuscript) error
	List(ctx context.Context, filter models.ManuscriptFilter) ([]*models.Manuscript, int, error)
}

type JobRepository interface {
	// CreateIfNoActive stores job unless the manuscript already has a queued
	// or running job, in which case it returns ErrActiveJobExists. The check
	// and the insert are atomic per manuscript.
	CreateIfNoActive(ctx context.Context, job *models.PlagiarismJob) error
	Get(ctx context.Context, id string) (*models.PlagiarismJob, error)
	ActiveForManuscript(ctx context.Context, manuscriptID string) (*models.PlagiarismJob, error)
	// UpdateIfActive replaces job only while the stored copy is still active.
	UpdateIfActive(ctx context.Context, job *models.PlagiarismJob) error
	ListByManuscript(ctx context.Context, manuscriptID string) ([]*models.PlagiarismJob, error)
	// ListActive returns queued or running jobs last updated before cutoff.
	ListActive(ctx context.Context, cutoff time.Time) ([]*models.PlagiarismJob, error)
}

// TextRepository stores manuscript text revisions by key.
type TextRepository interface {
	Put(ctx context.Context, key, text string) error
	Get(ctx context.Context, key string) (string, error)
}
