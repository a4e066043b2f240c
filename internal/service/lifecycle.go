package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/apperror"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/capability"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/lock"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/metrics"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/repository"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/textextract"
)

// Actor is the authenticated caller of a lifecycle operation.
type Actor struct {
	ID   string
	Role capability.Role
}

// SystemActor performs automatic transitions.
var SystemActor = Actor{ID: "system", Role: capability.RoleSystem}

// Screening is the part of the coordinator the lifecycle drives.
type Screening interface {
	Submit(ctx context.Context, manuscriptID, text string) (*models.PlagiarismJob, error)
	Supersede(ctx context.Context, manuscriptID string) error
}

type LifecycleConfig struct {
	Quorum       int
	AutoFinalize bool
}

// Lifecycle is the manuscript state machine. Every transition for a
// manuscript runs under that manuscript's lock and is checked against the
// capability gate and the transition graph before it is stored.
type Lifecycle struct {
	manuscripts repository.ManuscriptRepository
	texts       repository.TextRepository
	screening   Screening
	locker      lock.Locker
	events      EventPublisher
	cfg         LifecycleConfig
	logger      zerolog.Logger
	now         func() time.Time
}

func NewLifecycle(
	manuscripts repository.ManuscriptRepository,
	texts repository.TextRepository,
	screening Screening,
	locker lock.Locker,
	events EventPublisher,
	cfg LifecycleConfig,
	logger zerolog.Logger,
) *Lifecycle {
	if events == nil {
		events = NopPublisher()
	}
	if cfg.Quorum < 1 {
		cfg.Quorum = 1
	}
	return &Lifecycle{
		manuscripts: manuscripts,
		texts:       texts,
		screening:   screening,
		locker:      locker,
		events:      events,
		cfg:         cfg,
		logger:      logger.With().Str("component", "lifecycle").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// change is a transition applied in memory and not yet persisted.
type change struct {
	from, to   models.ManuscriptStatus
	transition capability.Transition
	actor      Actor
}

func authorize(actor Actor, t capability.Transition) error {
	if capability.Authorize(actor.Role, t) == capability.Allow {
		return nil
	}
	metrics.AuthorizationDenials.WithLabelValues(string(actor.Role), string(t)).Inc()
	return apperror.Permission(fmt.Sprintf("role %q may not perform %s", actor.Role, t)).
		With("role", string(actor.Role)).
		With("transition", string(t))
}

func textKey(id string, revision int) string {
	return fmt.Sprintf("manuscripts/%s/r%d.txt", id, revision)
}

func normalizeText(contentType, body string) (string, error) {
	text, err := textextract.Normalize(contentType, body)
	if err != nil {
		return "", apperror.Wrap(apperror.CategoryValidation, apperror.CodeNone, err.Error(), err).
			With("content_type", contentType)
	}
	return text, nil
}

func missingText() *apperror.AppError {
	return apperror.Validation(apperror.CodeMissingFields, "manuscript text is required").
		With("missing", []string{"text"})
}

func invalidTransition(from, to models.ManuscriptStatus) *apperror.AppError {
	return apperror.Validation(apperror.CodeInvalidTransition, fmt.Sprintf("cannot move manuscript from %s to %s", from, to)).
		With("from", string(from)).
		With("to", string(to))
}

func (l *Lifecycle) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := l.locker.Lock(ctx, id)
	if err != nil {
		return nil, apperror.Classify("manuscripts.lock", err)
	}
	return unlock, nil
}

func (l *Lifecycle) load(ctx context.Context, id string) (*models.Manuscript, error) {
	m, err := l.manuscripts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.NotFound("manuscript", id)
		}
		return nil, apperror.Classify("manuscripts.get", err)
	}
	return m, nil
}

// apply moves m to the next status in memory.
func (l *Lifecycle) apply(m *models.Manuscript, to models.ManuscriptStatus, t capability.Transition, actor Actor, note string) (change, error) {
	from := m.Status
	if !models.CanTransition(from, to) {
		return change{}, invalidTransition(from, to)
	}

	now := l.now()
	m.Status = to
	m.UpdatedAt = now
	m.History = append(m.History, models.TransitionRecord{
		From:       from,
		To:         to,
		Transition: string(t),
		ActorID:    actor.ID,
		ActorRole:  string(actor.Role),
		Note:       note,
		At:         now,
	})
	metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()

	return change{from: from, to: to, transition: t, actor: actor}, nil
}

func (l *Lifecycle) save(ctx context.Context, m *models.Manuscript, changes ...change) error {
	if err := l.manuscripts.Update(ctx, m); err != nil {
		return apperror.Classify("manuscripts.update", err)
	}
	l.announce(ctx, m, changes...)
	return nil
}

func (l *Lifecycle) announce(ctx context.Context, m *models.Manuscript, changes ...change) {
	for _, c := range changes {
		l.logger.Info().
			Str("manuscript_id", m.ID).
			Str("from", string(c.from)).
			Str("to", string(c.to)).
			Str("transition", string(c.transition)).
			Str("actor_id", c.actor.ID).
			Msg("Manuscript transitioned")

		event := models.ManuscriptTransitionedEvent{
			ManuscriptID: m.ID,
			From:         c.from,
			To:           c.to,
			Transition:   string(c.transition),
			ActorID:      c.actor.ID,
			ActorRole:    string(c.actor.Role),
			Revision:     m.Revision,
			OccurredAt:   m.UpdatedAt,
		}
		if err := l.events.PublishTransition(ctx, event); err != nil {
			l.logger.Warn().Err(err).Str("manuscript_id", m.ID).Msg("Failed to publish transition event")
		}
	}
}

// Submit creates a manuscript and immediately starts its screening. An
// existing id is accepted only from its author: a manuscript stuck in
// Submitted is advanced again, a failed or rejected one is resubmitted, and
// one already being screened is refused as a conflict.
func (l *Lifecycle) Submit(ctx context.Context, actor Actor, req models.SubmitManuscriptRequest) (*models.SubmitManuscriptResponse, error) {
	if err := authorize(actor, capability.TransitionSubmit); err != nil {
		return nil, err
	}

	text, err := normalizeText(req.ContentType, req.Text)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, missingText()
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.New().String()
	}

	unlock, err := l.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := l.manuscripts.Get(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		m, err = l.create(ctx, actor, id, req.Title, text)
		if err != nil {
			return nil, err
		}
		return l.advance(ctx, actor, m, text)
	case err != nil:
		return nil, apperror.Classify("manuscripts.get", err)
	}

	if m.AuthorID != actor.ID {
		return nil, apperror.Permission("only the author may resubmit this manuscript").With("manuscript_id", id)
	}

	switch m.Status {
	case models.ManuscriptStatusSubmitted:
		if err := l.putText(ctx, m.TextKey, text); err != nil {
			return nil, err
		}
		return l.advance(ctx, actor, m, text)
	case models.ManuscriptStatusPlagiarismPending:
		return nil, apperror.New(apperror.CategoryValidation, apperror.CodeJobAlreadyActive, "job already active").
			With("manuscript_id", id)
	case models.ManuscriptStatusPlagiarismFailed, models.ManuscriptStatusRejected:
		if strings.TrimSpace(req.Title) != "" {
			m.Title = req.Title
		}
		return l.resubmit(ctx, actor, m, text, true)
	default:
		return nil, invalidTransition(m.Status, models.ManuscriptStatusPlagiarismPending)
	}
}

func (l *Lifecycle) create(ctx context.Context, actor Actor, id, title, text string) (*models.Manuscript, error) {
	now := l.now()
	m := &models.Manuscript{
		ID:        id,
		Title:     title,
		AuthorID:  actor.ID,
		Status:    models.ManuscriptStatusSubmitted,
		Revision:  1,
		TextKey:   textKey(id, 1),
		Reviews:   []models.Review{},
		CreatedAt: now,
		UpdatedAt: now,
		History: []models.TransitionRecord{{
			To:         models.ManuscriptStatusSubmitted,
			Transition: string(capability.TransitionSubmit),
			ActorID:    actor.ID,
			ActorRole:  string(actor.Role),
			At:         now,
		}},
	}

	if err := l.putText(ctx, m.TextKey, text); err != nil {
		return nil, err
	}
	if err := l.manuscripts.Create(ctx, m); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, apperror.New(apperror.CategoryValidation, apperror.CodeJobAlreadyActive, "manuscript is already being submitted").
				With("manuscript_id", id)
		}
		return nil, apperror.Classify("manuscripts.create", err)
	}

	l.logger.Info().Str("manuscript_id", id).Str("author_id", actor.ID).Msg("Manuscript submitted")
	return m, nil
}

func (l *Lifecycle) putText(ctx context.Context, key, text string) error {
	if err := l.texts.Put(ctx, key, text); err != nil {
		return apperror.Classify("texts.put", err)
	}
	return nil
}

// advance starts screening and moves a Submitted manuscript to
// PlagiarismPending. If the job cannot be created the manuscript stays in
// Submitted so the submission can be retried.
func (l *Lifecycle) advance(ctx context.Context, actor Actor, m *models.Manuscript, text string) (*models.SubmitManuscriptResponse, error) {
	job, err := l.screening.Submit(ctx, m.ID, text)
	if err != nil {
		return nil, err
	}

	c, err := l.apply(m, models.ManuscriptStatusPlagiarismPending, capability.TransitionSubmit, actor, "")
	if err != nil {
		return nil, err
	}
	m.PlagiarismJobID = &job.ID

	if err := l.save(ctx, m, c); err != nil {
		l.abandon(ctx, m.ID)
		return nil, err
	}

	return &models.SubmitManuscriptResponse{Manuscript: m, Job: job.Summary()}, nil
}

// abandon retires a job whose manuscript update could not be stored.
func (l *Lifecycle) abandon(ctx context.Context, manuscriptID string) {
	if err := l.screening.Supersede(context.WithoutCancel(ctx), manuscriptID); err != nil {
		l.logger.Error().Err(err).Str("manuscript_id", manuscriptID).Msg("Failed to retire orphaned plagiarism job")
	}
}

// Resubmit sends a failed or rejected manuscript through screening again.
// Editors and admins may omit the text to re-screen the stored revision.
func (l *Lifecycle) Resubmit(ctx context.Context, actor Actor, id string, req models.ResubmitRequest) (*models.SubmitManuscriptResponse, error) {
	if err := authorize(actor, capability.TransitionResubmit); err != nil {
		return nil, err
	}

	text, err := normalizeText(req.ContentType, req.Text)
	if err != nil {
		return nil, err
	}
	if text == "" && actor.Role == capability.RoleAuthor {
		return nil, missingText()
	}

	unlock, err := l.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if actor.Role == capability.RoleAuthor && m.AuthorID != actor.ID {
		return nil, apperror.Permission("only the author may resubmit this manuscript").With("manuscript_id", id)
	}

	newText := text != ""
	if !newText {
		text, err = l.texts.Get(ctx, m.TextKey)
		if err != nil {
			return nil, apperror.Classify("texts.get", err)
		}
	}

	return l.resubmit(ctx, actor, m, text, newText)
}

func (l *Lifecycle) resubmit(ctx context.Context, actor Actor, m *models.Manuscript, text string, newText bool) (*models.SubmitManuscriptResponse, error) {
	if m.Status != models.ManuscriptStatusPlagiarismFailed && m.Status != models.ManuscriptStatusRejected {
		return nil, invalidTransition(m.Status, models.ManuscriptStatusPlagiarismPending)
	}

	if err := l.screening.Supersede(ctx, m.ID); err != nil {
		return nil, err
	}

	revision := m.Revision + 1
	key := m.TextKey
	if newText {
		key = textKey(m.ID, revision)
		if err := l.putText(ctx, key, text); err != nil {
			return nil, err
		}
	}

	job, err := l.screening.Submit(ctx, m.ID, text)
	if err != nil {
		return nil, err
	}

	c, err := l.apply(m, models.ManuscriptStatusPlagiarismPending, capability.TransitionResubmit, actor, fmt.Sprintf("revision %d", revision))
	if err != nil {
		return nil, err
	}
	m.Revision = revision
	m.TextKey = key
	m.Reviews = []models.Review{}
	m.PlagiarismJobID = &job.ID

	if err := l.save(ctx, m, c); err != nil {
		l.abandon(ctx, m.ID)
		return nil, err
	}

	return &models.SubmitManuscriptResponse{Manuscript: m, Job: job.Summary()}, nil
}

// RecordReview appends a review and, once the quorum is met with a strict
// majority, moves the manuscript to ReviewedAccept or ReviewedReject.
func (l *Lifecycle) RecordReview(ctx context.Context, actor Actor, id string, sub models.ReviewSubmission) (*models.Manuscript, error) {
	if err := authorize(actor, capability.TransitionSubmitReview); err != nil {
		return nil, err
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	unlock, err := l.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if m.Status != models.ManuscriptStatusUnderReview {
		return nil, apperror.Validation(apperror.CodeInvalidTransition, "reviews are accepted only while the manuscript is under review").
			With("status", string(m.Status))
	}
	if m.AuthorID == actor.ID {
		return nil, apperror.Permission("authors may not review their own manuscript")
	}
	if _, ok := m.ReviewBy(actor.ID); ok {
		return nil, apperror.Validation(apperror.CodeDuplicateReview, "reviewer already submitted a review").
			With("reviewer_id", actor.ID)
	}

	now := l.now()
	m.Reviews = append(m.Reviews, models.Review{
		ID:             uuid.New().String(),
		ManuscriptID:   m.ID,
		ReviewerID:     actor.ID,
		Ratings:        sub.Ratings,
		Recommendation: models.Recommendation(*sub.Recommendation),
		Comments:       strings.TrimSpace(*sub.Comments),
		SubmittedAt:    now,
	})
	m.UpdatedAt = now

	var changes []change
	if to, ok := decide(m.Reviews, l.cfg.Quorum); ok {
		c, err := l.apply(m, to, capability.TransitionSubmitReview, actor, "")
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)

		if l.cfg.AutoFinalize {
			c, err := l.finalize(m)
			if err != nil {
				return nil, err
			}
			changes = append(changes, c)
		}
	}

	if err := l.save(ctx, m, changes...); err != nil {
		return nil, err
	}
	return m, nil
}

// decide aggregates recommendations once quorum is met. A recommendation
// wins only with a strict majority; ties and a revise majority keep the
// manuscript under review.
func decide(reviews []models.Review, quorum int) (models.ManuscriptStatus, bool) {
	if len(reviews) < quorum {
		return "", false
	}

	counts := make(map[models.Recommendation]int, 3)
	for _, r := range reviews {
		counts[r.Recommendation]++
	}

	n := len(reviews)
	switch {
	case counts[models.RecommendationAccept]*2 > n:
		return models.ManuscriptStatusReviewedAccept, true
	case counts[models.RecommendationReject]*2 > n:
		return models.ManuscriptStatusReviewedReject, true
	default:
		return "", false
	}
}

func (l *Lifecycle) finalize(m *models.Manuscript) (change, error) {
	if err := authorize(SystemActor, capability.TransitionFinalize); err != nil {
		return change{}, err
	}

	to := models.ManuscriptStatusPublished
	if m.Status == models.ManuscriptStatusReviewedReject {
		to = models.ManuscriptStatusRejected
	}
	return l.apply(m, to, capability.TransitionFinalize, SystemActor, "")
}

func (l *Lifecycle) ForcePublish(ctx context.Context, actor Actor, id, reason string) (*models.Manuscript, error) {
	return l.force(ctx, actor, id, reason, capability.TransitionForcePublish, models.ManuscriptStatusPublished)
}

func (l *Lifecycle) ForceReject(ctx context.Context, actor Actor, id, reason string) (*models.Manuscript, error) {
	return l.force(ctx, actor, id, reason, capability.TransitionForceReject, models.ManuscriptStatusRejected)
}

func (l *Lifecycle) force(ctx context.Context, actor Actor, id, reason string, t capability.Transition, to models.ManuscriptStatus) (*models.Manuscript, error) {
	if err := authorize(actor, t); err != nil {
		return nil, err
	}

	unlock, err := l.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if !models.CanTransition(m.Status, to) {
		return nil, invalidTransition(m.Status, to)
	}

	if m.Status == models.ManuscriptStatusPlagiarismPending {
		if err := l.screening.Supersede(ctx, m.ID); err != nil {
			return nil, err
		}
	}

	c, err := l.apply(m, to, t, actor, reason)
	if err != nil {
		return nil, err
	}
	if err := l.save(ctx, m, c); err != nil {
		return nil, err
	}
	return m, nil
}

// OnVerdict applies a screening outcome. Outcomes for a job the manuscript no
// longer waits on are ignored.
func (l *Lifecycle) OnVerdict(ctx context.Context, o Outcome) error {
	if err := authorize(SystemActor, capability.TransitionAdvanceAfterPlagiarism); err != nil {
		return err
	}

	unlock, err := l.lock(ctx, o.ManuscriptID)
	if err != nil {
		return err
	}
	defer unlock()

	m, err := l.load(ctx, o.ManuscriptID)
	if err != nil {
		return err
	}

	if m.Status != models.ManuscriptStatusPlagiarismPending || m.PlagiarismJobID == nil || *m.PlagiarismJobID != o.JobID {
		l.logger.Debug().
			Str("manuscript_id", m.ID).
			Str("job_id", o.JobID).
			Str("status", string(m.Status)).
			Msg("Ignoring stale plagiarism outcome")
		return nil
	}

	to := models.ManuscriptStatusPlagiarismFailed
	if o.Status == models.JobStatusSucceeded && o.Verdict == models.VerdictPass {
		to = models.ManuscriptStatusUnderReview
	}

	c, err := l.apply(m, to, capability.TransitionAdvanceAfterPlagiarism, SystemActor, outcomeNote(o))
	if err != nil {
		return err
	}
	return l.save(ctx, m, c)
}

func outcomeNote(o Outcome) string {
	switch {
	case o.Score != nil:
		return fmt.Sprintf("similarity %.1f%%, verdict %s", *o.Score, o.Verdict)
	case o.Err != nil:
		return fmt.Sprintf("job %s: %s", o.Status, o.Err.Error())
	default:
		return fmt.Sprintf("job %s", o.Status)
	}
}

func (l *Lifecycle) Get(ctx context.Context, id string) (*models.Manuscript, error) {
	return l.load(ctx, id)
}

func (l *Lifecycle) List(ctx context.Context, filter models.ManuscriptFilter) ([]*models.Manuscript, int, error) {
	if filter.Status != "" && !models.IsValidManuscriptStatus(string(filter.Status)) {
		return nil, 0, apperror.Validation(apperror.CodeNone, "unknown manuscript status").
			With("status", string(filter.Status))
	}
	items, total, err := l.manuscripts.List(ctx, filter)
	if err != nil {
		return nil, 0, apperror.Classify("manuscripts.list", err)
	}
	return items, total, nil
}
