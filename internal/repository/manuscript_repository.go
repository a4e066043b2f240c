package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
)

type manuscriptRepository struct {
	*PostgresRepository
}

type documentRow struct {
	Document []byte `db:"document"`
}

func NewManuscriptRepository(db *sqlx.DB, logger zerolog.Logger) ManuscriptRepository {
	return &manuscriptRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

func (r *manuscriptRepository) Create(ctx context.Context, m *models.Manuscript) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manuscript: %w", err)
	}

	query, args, err := r.psql.
		Insert("manuscripts").
		Columns("id", "author_id", "status", "revision", "document", "created_at", "updated_at").
		Values(m.ID, m.AuthorID, string(m.Status), m.Revision, doc, m.CreatedAt, m.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert manuscript: %w", err)
	}
	return nil
}

func (r *manuscriptRepository) Get(ctx context.Context, id string) (*models.Manuscript, error) {
	query, args, err := r.psql.
		Select("document").
		From("manuscripts").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var row documentRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get manuscript: %w", err)
	}

	return decodeManuscript(row.Document)
}

func (r *manuscriptRepository) Update(ctx context.Context, m *models.Manuscript) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manuscript: %w", err)
	}

	query, args, err := r.psql.
		Update("manuscripts").
		Set("status", string(m.Status)).
		Set("revision", m.Revision).
		Set("document", doc).
		Set("updated_at", m.UpdatedAt).
		Where(sq.Eq{"id": m.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update manuscript: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *manuscriptRepository) List(ctx context.Context, filter models.ManuscriptFilter) ([]*models.Manuscript, int, error) {
	where := sq.And{}
	if filter.Status != "" {
		where = append(where, sq.Eq{"status": string(filter.Status)})
	}
	if filter.AuthorID != "" {
		where = append(where, sq.Eq{"author_id": filter.AuthorID})
	}

	countBuilder := r.psql.Select("COUNT(*)").From("manuscripts")
	builder := r.psql.
		Select("document").
		From("manuscripts").
		OrderBy("created_at DESC", "id")
	if len(where) > 0 {
		countBuilder = countBuilder.Where(where)
		builder = builder.Where(where)
	}

	countQuery, countArgs, err := countBuilder.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build query: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("failed to count manuscripts: %w", err)
	}

	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		builder = builder.Offset(uint64(filter.Offset))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []documentRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list manuscripts: %w", err)
	}

	out := make([]*models.Manuscript, 0, len(rows))
	for _, row := range rows {
		m, err := decodeManuscript(row.Document)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, nil
}

func decodeManuscript(doc []byte) (*models.Manuscript, error) {
	var m models.Manuscript
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manuscript document: %w", err)
	}
	return &m, nil
}
