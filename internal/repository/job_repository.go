package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
)

// activeJobIndex is the partial unique index enforcing one queued or running
// job per manuscript.
const activeJobIndex = "plagiarism_jobs_one_active_per_manuscript"

type jobRepository struct {
	*PostgresRepository
}

func NewJobRepository(db *sqlx.DB, logger zerolog.Logger) JobRepository {
	return &jobRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

func activeStatuses() []string {
	out := make([]string, len(models.ActiveJobStatuses))
	for i, s := range models.ActiveJobStatuses {
		out[i] = string(s)
	}
	return out
}

func (r *jobRepository) CreateIfNoActive(ctx context.Context, job *models.PlagiarismJob) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	query, args, err := r.psql.
		Insert("plagiarism_jobs").
		Columns("id", "manuscript_id", "status", "document", "created_at", "updated_at").
		Values(job.ID, job.ManuscriptID, string(job.Status), doc, job.CreatedAt, job.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if pqErr.Constraint == activeJobIndex {
				return ErrActiveJobExists
			}
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (r *jobRepository) Get(ctx context.Context, id string) (*models.PlagiarismJob, error) {
	return r.getOne(ctx, sq.Eq{"id": id})
}

func (r *jobRepository) ActiveForManuscript(ctx context.Context, manuscriptID string) (*models.PlagiarismJob, error) {
	return r.getOne(ctx, sq.Eq{"manuscript_id": manuscriptID, "status": activeStatuses()})
}

func (r *jobRepository) getOne(ctx context.Context, where sq.Sqlizer) (*models.PlagiarismJob, error) {
	query, args, err := r.psql.
		Select("document").
		From("plagiarism_jobs").
		Where(where).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var row documentRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return decodeJob(row.Document)
}

func (r *jobRepository) UpdateIfActive(ctx context.Context, job *models.PlagiarismJob) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	query, args, err := r.psql.
		Update("plagiarism_jobs").
		Set("status", string(job.Status)).
		Set("document", doc).
		Set("updated_at", job.UpdatedAt).
		Where(sq.Eq{"id": job.ID, "status": activeStatuses()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := r.Get(ctx, job.ID); err != nil {
		return err
	}
	return ErrJobNotActive
}

func (r *jobRepository) ListByManuscript(ctx context.Context, manuscriptID string) ([]*models.PlagiarismJob, error) {
	query, args, err := r.psql.
		Select("document").
		From("plagiarism_jobs").
		Where(sq.Eq{"manuscript_id": manuscriptID}).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []documentRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	out := make([]*models.PlagiarismJob, 0, len(rows))
	for _, row := range rows {
		job, err := decodeJob(row.Document)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (r *jobRepository) ListActive(ctx context.Context, cutoff time.Time) ([]*models.PlagiarismJob, error) {
	query, args, err := r.psql.
		Select("document").
		From("plagiarism_jobs").
		Where(sq.Eq{"status": activeStatuses()}).
		Where(sq.Lt{"updated_at": cutoff}).
		OrderBy("updated_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []documentRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	out := make([]*models.PlagiarismJob, 0, len(rows))
	for _, row := range rows {
		job, err := decodeJob(row.Document)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func decodeJob(doc []byte) (*models.PlagiarismJob, error) {
	var job models.PlagiarismJob
	if err := json.Unmarshal(doc, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job document: %w", err)
	}
	return &job, nil
}
