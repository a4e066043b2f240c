package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
)

type memoryManuscriptRepository struct {
	mu    sync.RWMutex
	items map[string]*models.Manuscript
}

func NewMemoryManuscriptRepository() ManuscriptRepository {
	return &memoryManuscriptRepository{items: make(map[string]*models.Manuscript)}
}

func (r *memoryManuscriptRepository) Create(ctx context.Context, m *models.Manuscript) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[m.ID]; ok {
		return ErrAlreadyExists
	}
	r.items[m.ID] = m.Clone()
	return nil
}

func (r *memoryManuscriptRepository) Get(ctx context.Context, id string) (*models.Manuscript, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (r *memoryManuscriptRepository) Update(ctx context.Context, m *models.Manuscript) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[m.ID]; !ok {
		return ErrNotFound
	}
	r.items[m.ID] = m.Clone()
	return nil
}

func (r *memoryManuscriptRepository) List(ctx context.Context, filter models.ManuscriptFilter) ([]*models.Manuscript, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*models.Manuscript, 0, len(r.items))
	for _, m := range r.items {
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		if filter.AuthorID != "" && m.AuthorID != filter.AuthorID {
			continue
		}
		matched = append(matched, m)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	matched = page(matched, filter.Limit, filter.Offset)

	out := make([]*models.Manuscript, len(matched))
	for i, m := range matched {
		out[i] = m.Clone()
	}
	return out, total, nil
}

type memoryJobRepository struct {
	mu    sync.RWMutex
	items map[string]*models.PlagiarismJob
}

func NewMemoryJobRepository() JobRepository {
	return &memoryJobRepository{items: make(map[string]*models.PlagiarismJob)}
}

func (r *memoryJobRepository) CreateIfNoActive(ctx context.Context, job *models.PlagiarismJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[job.ID]; ok {
		return ErrAlreadyExists
	}
	if r.activeLocked(job.ManuscriptID) != nil {
		return ErrActiveJobExists
	}
	r.items[job.ID] = job.Clone()
	return nil
}

func (r *memoryJobRepository) Get(ctx context.Context, id string) (*models.PlagiarismJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (r *memoryJobRepository) ActiveForManuscript(ctx context.Context, manuscriptID string) (*models.PlagiarismJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job := r.activeLocked(manuscriptID)
	if job == nil {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (r *memoryJobRepository) activeLocked(manuscriptID string) *models.PlagiarismJob {
	for _, job := range r.items {
		if job.ManuscriptID == manuscriptID && job.Status.IsActive() {
			return job
		}
	}
	return nil
}

func (r *memoryJobRepository) UpdateIfActive(ctx context.Context, job *models.PlagiarismJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.items[job.ID]
	if !ok {
		return ErrNotFound
	}
	if !stored.Status.IsActive() {
		return ErrJobNotActive
	}
	r.items[job.ID] = job.Clone()
	return nil
}

func (r *memoryJobRepository) ListByManuscript(ctx context.Context, manuscriptID string) ([]*models.PlagiarismJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.PlagiarismJob
	for _, job := range r.items {
		if job.ManuscriptID == manuscriptID {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *memoryJobRepository) ListActive(ctx context.Context, cutoff time.Time) ([]*models.PlagiarismJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.PlagiarismJob
	for _, job := range r.items {
		if job.Status.IsActive() && job.UpdatedAt.Before(cutoff) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

type memoryTextRepository struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryTextRepository() TextRepository {
	return &memoryTextRepository{items: make(map[string]string)}
}

func (r *memoryTextRepository) Put(ctx context.Context, key, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[key] = text
	return nil
}

func (r *memoryTextRepository) Get(ctx context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	text, ok := r.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return text, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
