package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/apperror"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/engine"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/metrics"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/repository"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/retry"
)

const outcomeTimeout = 30 * time.Second

type CoordinatorConfig struct {
	PollInterval        time.Duration
	PollBudget          time.Duration
	SimilarityThreshold float64
}

// Outcome is what a finished job reports to the review lifecycle. Verdict is
// none when the job failed without a usable result.
type Outcome struct {
	JobID        string
	ManuscriptID string
	Status       models.JobStatus
	Verdict      models.Verdict
	Score        *float64
	Err          *apperror.AppError
}

type VerdictSink func(ctx context.Context, outcome Outcome) error

// Coordinator owns plagiarism jobs: it creates them, drives dispatch and
// polling against the engine, and reports each terminal result once.
type Coordinator struct {
	jobs     repository.JobRepository
	engine   engine.Engine
	executor *retry.Executor
	events   EventPublisher
	cfg      CoordinatorConfig
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	sink  VerdictSink
	tasks map[string]context.CancelFunc

	wg        sync.WaitGroup
	baseCtx   context.Context
	cancelAll context.CancelFunc
}

func NewCoordinator(
	jobs repository.JobRepository,
	eng engine.Engine,
	executor *retry.Executor,
	events EventPublisher,
	cfg CoordinatorConfig,
	logger zerolog.Logger,
) *Coordinator {
	if events == nil {
		events = NopPublisher()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		jobs:      jobs,
		engine:    eng,
		executor:  executor,
		events:    events,
		cfg:       cfg,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		tasks:     make(map[string]context.CancelFunc),
		baseCtx:   baseCtx,
		cancelAll: cancel,
	}
}

func (c *Coordinator) SetVerdictSink(sink VerdictSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Submit creates a queued job for the manuscript and starts screening it in
// the background. A second submission while a job is queued or running is
// rejected rather than queued.
func (c *Coordinator) Submit(ctx context.Context, manuscriptID, text string) (*models.PlagiarismJob, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperror.Validation(apperror.CodeMissingFields, "manuscript text is empty").
			With("missing", []string{"text"})
	}

	now := c.now()
	job := &models.PlagiarismJob{
		ID:           uuid.New().String(),
		ManuscriptID: manuscriptID,
		Status:       models.JobStatusQueued,
		Verdict:      models.VerdictNone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := c.jobs.CreateIfNoActive(ctx, job); err != nil {
		if errors.Is(err, repository.ErrActiveJobExists) {
			return nil, apperror.New(apperror.CategoryValidation, apperror.CodeJobAlreadyActive, "job already active").
				With("manuscript_id", manuscriptID)
		}
		return nil, apperror.Classify("jobs.create", err)
	}

	metrics.ActiveScreeningJobs.Inc()

	taskCtx, cancel := context.WithCancel(c.baseCtx)
	c.mu.Lock()
	c.tasks[job.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(taskCtx, job.Clone(), text)

	c.logger.Info().
		Str("job_id", job.ID).
		Str("manuscript_id", manuscriptID).
		Msg("Plagiarism job queued")

	return job, nil
}

// Supersede retires the manuscript's active job, if any, and stops its task.
// The task will not write or report anything afterwards.
func (c *Coordinator) Supersede(ctx context.Context, manuscriptID string) error {
	job, err := c.jobs.ActiveForManuscript(ctx, manuscriptID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return apperror.Classify("jobs.active", err)
	}

	now := c.now()
	job.Status = models.JobStatusFailed
	job.Superseded = true
	job.ErrorDetail = apperror.Validation(apperror.CodeSuperseded, "job superseded").
		WithOperation("coordinator.supersede")
	job.UpdatedAt = now
	job.CompletedAt = &now

	if err := c.jobs.UpdateIfActive(ctx, job); err != nil {
		if errors.Is(err, repository.ErrJobNotActive) {
			return nil
		}
		return apperror.Classify("jobs.update", err)
	}

	c.finished(job)
	c.cancelTask(job.ID)

	c.logger.Info().
		Str("job_id", job.ID).
		Str("manuscript_id", manuscriptID).
		Msg("Plagiarism job superseded")

	return nil
}

func (c *Coordinator) GetJob(ctx context.Context, id string) (*models.PlagiarismJob, error) {
	job, err := c.jobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.NotFound("plagiarism job", id)
		}
		return nil, apperror.Classify("jobs.get", err)
	}
	return job, nil
}

func (c *Coordinator) ListJobs(ctx context.Context, manuscriptID string) ([]*models.PlagiarismJob, error) {
	jobs, err := c.jobs.ListByManuscript(ctx, manuscriptID)
	if err != nil {
		return nil, apperror.Classify("jobs.list", err)
	}
	return jobs, nil
}

// Wait blocks until every running task, and the reconciler if started, has
// returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown cancels outstanding tasks and waits for them to record their
// final state.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancelAll()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator shutdown: %w", ctx.Err())
	}
}

func (c *Coordinator) cancelTask(jobID string) {
	c.mu.Lock()
	cancel, ok := c.tasks[jobID]
	delete(c.tasks, jobID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Coordinator) run(ctx context.Context, job *models.PlagiarismJob, text string) {
	defer c.wg.Done()
	defer c.cancelTask(job.ID)

	log := c.logger.With().Str("job_id", job.ID).Str("manuscript_id", job.ManuscriptID).Logger()

	handle, err := retry.Do(ctx, c.executor, "engine.submit", func(ctx context.Context, attempt int) (engine.Handle, error) {
		job.Attempt = attempt
		return c.engine.Submit(ctx, text)
	})
	if err != nil {
		c.fail(ctx, job, err, log)
		return
	}

	defer c.release(handle)

	job.EngineHandle = string(handle)
	job.Status = models.JobStatusRunning
	job.UpdatedAt = c.now()
	if !c.store(ctx, job, log) {
		return
	}
	log.Info().Str("engine_job_id", job.EngineHandle).Msg("Plagiarism job dispatched")

	budgetCtx, cancel := context.WithTimeout(ctx, c.cfg.PollBudget)
	defer cancel()

	for {
		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-budgetCtx.Done():
			timer.Stop()
			c.endPolling(ctx, budgetCtx, job, nil, log)
			return
		case <-timer.C:
		}

		result, err := retry.Do(budgetCtx, c.executor, "engine.poll", func(ctx context.Context, attempt int) (engine.Result, error) {
			job.Attempt = attempt
			payload, err := c.engine.Poll(ctx, handle)
			if err != nil {
				return engine.Result{}, err
			}
			return engine.ParseResult(payload)
		})
		if err != nil {
			c.endPolling(ctx, budgetCtx, job, err, log)
			return
		}

		switch {
		case result.Status.InProgress():
			log.Debug().Str("engine_status", string(result.Status)).Msg("Plagiarism job still running")
			continue
		case result.Status == engine.StatusFailed:
			reason := result.Reason
			if reason == "" {
				reason = "analysis engine reported failure"
			}
			appErr := apperror.New(apperror.CategoryExternalService, apperror.CodeEngineFailed, reason).
				WithOperation("engine.poll")
			c.fail(ctx, job, appErr, log)
			return
		default:
			c.succeed(ctx, job, *result.Score, log)
			return
		}
	}
}

// endPolling settles a poll loop that stopped without a result: the budget
// running out means TimedOut, anything else is a failure.
func (c *Coordinator) endPolling(ctx, budgetCtx context.Context, job *models.PlagiarismJob, err error, log zerolog.Logger) {
	if ctx.Err() == nil && errors.Is(budgetCtx.Err(), context.DeadlineExceeded) {
		c.timeout(ctx, job, log)
		return
	}
	if err == nil {
		err = apperror.Classify("engine.poll", ctx.Err())
	}
	c.fail(ctx, job, err, log)
}

func (c *Coordinator) succeed(ctx context.Context, job *models.PlagiarismJob, score float64, log zerolog.Logger) {
	now := c.now()
	job.Status = models.JobStatusSucceeded
	job.SimilarityScore = &score
	job.Verdict = models.VerdictFor(score, c.cfg.SimilarityThreshold)
	job.UpdatedAt = now
	job.CompletedAt = &now

	if !c.store(ctx, job, log) {
		return
	}
	metrics.SimilarityScores.Observe(score)

	log.Info().
		Float64("similarity_score", score).
		Str("verdict", string(job.Verdict)).
		Int("attempt", job.Attempt).
		Msg("Plagiarism job completed")

	c.report(ctx, job, log)
}

func (c *Coordinator) timeout(ctx context.Context, job *models.PlagiarismJob, log zerolog.Logger) {
	now := c.now()
	job.Status = models.JobStatusTimedOut
	job.Verdict = models.VerdictFail
	job.ErrorDetail = apperror.New(apperror.CategoryTimeout, apperror.CodeBudgetExceeded, "poll budget exceeded").
		WithOperation("engine.poll").
		With("poll_budget", c.cfg.PollBudget.String())
	job.UpdatedAt = now
	job.CompletedAt = &now

	if !c.store(ctx, job, log) {
		return
	}

	log.Warn().Dur("poll_budget", c.cfg.PollBudget).Msg("Plagiarism job timed out")
	c.report(ctx, job, log)
}

func (c *Coordinator) fail(ctx context.Context, job *models.PlagiarismJob, err error, log zerolog.Logger) {
	appErr, ok := apperror.From(err)
	if !ok {
		appErr = apperror.Classify("coordinator", err)
	}

	now := c.now()
	job.Status = models.JobStatusFailed
	job.Verdict = models.VerdictNone
	job.ErrorDetail = appErr
	job.UpdatedAt = now
	job.CompletedAt = &now

	if !c.store(ctx, job, log) {
		return
	}

	event := log.Error()
	if appErr.Category != apperror.CategoryUnknown {
		event = log.Warn()
	}
	event.
		Str("category", appErr.Category.String()).
		Str("code", string(appErr.Code)).
		Int("attempt", job.Attempt).
		Err(appErr).
		Msg("Plagiarism job failed; manual review required")

	c.report(ctx, job, log)
}

// store persists job while it is still active. It reports false when the job
// was superseded in the meantime, in which case the task must stop silently,
// or when the write kept failing, in which case the failure is reported in
// place of the result.
func (c *Coordinator) store(ctx context.Context, job *models.PlagiarismJob, log zerolog.Logger) bool {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()

	_, err := retry.Do(writeCtx, c.executor, "jobs.update", func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, c.jobs.UpdateIfActive(ctx, job)
	})
	switch {
	case err == nil:
		if !job.Status.IsActive() {
			c.finished(job)
		}
		return true
	case errors.Is(err, repository.ErrJobNotActive):
		log.Info().Msg("Plagiarism job superseded; dropping result")
		return false
	default:
		log.Error().Err(err).Str("status", string(job.Status)).Msg("Failed to persist plagiarism job")
		c.reportUnrecorded(ctx, job, err, log)
		return false
	}
}

// reportUnrecorded fails the manuscript's screening when the job's state could
// not be stored. The stored job stays active until a resubmission supersedes
// it or the reconciler retires it.
func (c *Coordinator) reportUnrecorded(ctx context.Context, job *models.PlagiarismJob, err error, log zerolog.Logger) {
	appErr, ok := apperror.From(err)
	if !ok {
		appErr = apperror.Classify("jobs.update", err)
	}

	failed := job.Clone()
	failed.Status = models.JobStatusFailed
	failed.Verdict = models.VerdictNone
	failed.SimilarityScore = nil
	failed.ErrorDetail = appErr.With("unrecorded_status", string(job.Status))
	failed.UpdatedAt = c.now()

	c.report(ctx, failed, log)
}

// Reconcile fails queued or running jobs that no task in this process owns
// and that have not changed for olderThan, such as those left behind by a
// crash. Each one is reported so its manuscript can be resubmitted.
func (c *Coordinator) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := c.jobs.ListActive(ctx, c.now().Add(-olderThan))
	if err != nil {
		return 0, apperror.Classify("jobs.list_active", err)
	}

	retired := 0
	for _, job := range stale {
		c.mu.Lock()
		_, owned := c.tasks[job.ID]
		c.mu.Unlock()
		if owned {
			continue
		}

		log := c.logger.With().Str("job_id", job.ID).Str("manuscript_id", job.ManuscriptID).Logger()

		now := c.now()
		previous := job.Status
		job.Status = models.JobStatusFailed
		job.Verdict = models.VerdictNone
		job.ErrorDetail = apperror.New(apperror.CategoryUnknown, apperror.CodeOrphaned, "screening task lost before completion").
			WithOperation("coordinator.reconcile").
			With("previous_status", string(previous))
		job.UpdatedAt = now
		job.CompletedAt = &now

		if err := c.jobs.UpdateIfActive(ctx, job); err != nil {
			if errors.Is(err, repository.ErrJobNotActive) {
				continue
			}
			return retired, apperror.Classify("jobs.update", err)
		}
		metrics.ScreeningJobs.WithLabelValues(string(job.Status)).Inc()

		log.Warn().Str("previous_status", string(previous)).Msg("Orphaned plagiarism job failed")
		c.report(ctx, job, log)
		retired++
	}
	return retired, nil
}

// StartReconciler runs Reconcile every interval until Shutdown.
func (c *Coordinator) StartReconciler(interval, olderThan time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.baseCtx.Done():
				return
			case <-ticker.C:
			}

			n, err := c.Reconcile(c.baseCtx, olderThan)
			if err != nil && c.baseCtx.Err() == nil {
				c.logger.Error().Err(err).Msg("Failed to reconcile plagiarism jobs")
			}
			if n > 0 {
				c.logger.Warn().Int("jobs", n).Msg("Retired orphaned plagiarism jobs")
			}
		}
	}()
}

func (c *Coordinator) release(h engine.Handle) {
	if r, ok := c.engine.(engine.Releaser); ok {
		r.Release(h)
	}
}

func (c *Coordinator) finished(job *models.PlagiarismJob) {
	metrics.ActiveScreeningJobs.Dec()
	metrics.ScreeningJobs.WithLabelValues(string(job.Status)).Inc()
	metrics.ScreeningDuration.Observe(job.UpdatedAt.Sub(job.CreatedAt).Seconds())
}

func (c *Coordinator) report(ctx context.Context, job *models.PlagiarismJob, log zerolog.Logger) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()

	outcome := Outcome{
		JobID:        job.ID,
		ManuscriptID: job.ManuscriptID,
		Status:       job.Status,
		Verdict:      job.Verdict,
		Score:        job.SimilarityScore,
		Err:          job.ErrorDetail,
	}

	event := models.PlagiarismCompletedEvent{
		JobID:           job.ID,
		ManuscriptID:    job.ManuscriptID,
		Status:          job.Status,
		Verdict:         job.Verdict,
		SimilarityScore: job.SimilarityScore,
		Attempts:        job.Attempt,
		CompletedAt:     job.UpdatedAt,
	}
	if job.ErrorDetail != nil {
		event.ErrorCategory = job.ErrorDetail.Category.String()
	}
	if err := c.events.PublishVerdict(reportCtx, event); err != nil {
		log.Warn().Err(err).Msg("Failed to publish plagiarism completed event")
	}

	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink(reportCtx, outcome); err != nil {
		log.Error().Err(err).Msg("Failed to apply plagiarism outcome")
	}
}
