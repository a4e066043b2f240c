package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/apperror"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/capability"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/service"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/worker/queue"
)

// messageTimeout bounds one submission. Submissions run detached from the
// consumer's context so shutdown does not abort a write midway.
const messageTimeout = 30 * time.Second

// Submitter accepts manuscripts on behalf of their authors.
type Submitter interface {
	Submit(ctx context.Context, actor service.Actor, req models.SubmitManuscriptRequest) (*models.SubmitManuscriptResponse, error)
}

type WorkerStats struct {
	Processed int `json:"processed"`
	Rejected  int `json:"rejected"`
	Requeued  int `json:"requeued"`
	Busy      int `json:"busy_workers"`
	Queued    int `json:"queued_tasks"`
	Backlog   int `json:"queue_backlog"`
}

// SubmissionWorker turns manuscript.submitted messages into lifecycle
// submissions. Messages that can never succeed are acked and dropped;
// transient failures are requeued.
type SubmissionWorker struct {
	pool      *WorkerPool
	source    queue.SubmissionSource
	submitter Submitter
	logger    zerolog.Logger

	statsMu sync.Mutex
	stats   WorkerStats
	done    chan struct{}
}

func NewSubmissionWorker(pool *WorkerPool, source queue.SubmissionSource, submitter Submitter, logger zerolog.Logger) *SubmissionWorker {
	return &SubmissionWorker{
		pool:      pool,
		source:    source,
		submitter: submitter,
		logger:    logger.With().Str("component", "submission_worker").Logger(),
		done:      make(chan struct{}),
	}
}

func (w *SubmissionWorker) Start(ctx context.Context) error {
	w.logger.Info().Msg("Starting submission worker...")

	subs, err := w.source.Submissions(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consuming messages: %w", err)
	}

	w.pool.Start()
	go w.processMessages(ctx, subs)

	w.logger.Info().Msg("Submission worker started successfully")
	return nil
}

// Stop waits for the dispatch loop to end, drains the pool and cancels the
// consumer. The context passed to Start must already be cancelled or the
// message channel closed.
func (w *SubmissionWorker) Stop() error {
	w.logger.Info().Msg("Stopping submission worker...")

	<-w.done
	w.pool.Stop()

	if err := w.source.Close(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to close queue consumer")
	}

	stats := w.Stats()
	w.logger.Info().
		Int("processed", stats.Processed).
		Int("rejected", stats.Rejected).
		Int("requeued", stats.Requeued).
		Msg("Submission worker stopped")
	return nil
}

func (w *SubmissionWorker) Stats() WorkerStats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()

	stats := w.stats
	stats.Busy = w.pool.BusyWorkers()
	stats.Queued = w.pool.QueueLength()
	if backlog, err := w.source.Backlog(); err == nil {
		stats.Backlog = backlog
	}
	return stats
}

// Backlog reports submissions still waiting in the queue.
func (w *SubmissionWorker) Backlog() (int, error) {
	return w.source.Backlog()
}

func (w *SubmissionWorker) processMessages(ctx context.Context, subs <-chan queue.Submission) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Stopping message processing")
			return
		case sub, ok := <-subs:
			if !ok {
				w.logger.Warn().Msg("Message channel closed")
				return
			}

			err := w.pool.Submit(func() {
				w.settle(sub, w.processMessage(ctx, sub))
			})
			if err != nil {
				w.requeue(sub)
			}
		}
	}
}

func (w *SubmissionWorker) settle(sub queue.Submission, err error) {
	log := w.logger.With().Str("message_id", sub.MessageID).Bool("redelivered", sub.Redelivered).Logger()

	switch {
	case err == nil:
		if ackErr := sub.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("Failed to ack message")
		}
		w.count(func(s *WorkerStats) { s.Processed++ })
	case isPermanentError(err):
		log.Warn().Err(err).Msg("Dropping submission message")
		if ackErr := sub.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("Failed to ack message")
		}
		w.count(func(s *WorkerStats) { s.Rejected++ })
	default:
		log.Error().Err(err).Msg("Failed to process message")
		w.requeue(sub)
	}
}

func (w *SubmissionWorker) requeue(sub queue.Submission) {
	if nackErr := sub.Requeue(); nackErr != nil {
		w.logger.Error().Err(nackErr).Str("message_id", sub.MessageID).Msg("Failed to nack message")
	}
	w.count(func(s *WorkerStats) { s.Requeued++ })
}

func (w *SubmissionWorker) count(fn func(*WorkerStats)) {
	w.statsMu.Lock()
	fn(&w.stats)
	w.statsMu.Unlock()
}

func (w *SubmissionWorker) processMessage(ctx context.Context, sub queue.Submission) error {
	if sub.Err != nil {
		return permanent(sub.Err)
	}
	event := sub.Event

	w.logger.Info().
		Str("message_id", sub.MessageID).
		Bool("redelivered", sub.Redelivered).
		Str("manuscript_id", event.ManuscriptID).
		Str("author_id", event.AuthorID).
		Dur("queued_for", time.Since(sub.ReceivedAt)).
		Msg("Processing manuscript submission")

	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), messageTimeout)
	defer cancel()

	actor := service.Actor{ID: event.AuthorID, Role: capability.RoleAuthor}
	_, err := w.submitter.Submit(submitCtx, actor, models.SubmitManuscriptRequest{
		ID:          event.ManuscriptID,
		Title:       event.Title,
		Text:        event.Text,
		ContentType: event.ContentType,
	})
	if err == nil {
		return nil
	}

	// A redelivered message for a manuscript already being screened is done.
	if apperror.HasCode(err, apperror.CodeJobAlreadyActive) {
		w.logger.Info().Str("manuscript_id", event.ManuscriptID).Msg("Manuscript already in screening")
		return nil
	}
	// An interrupted submission says nothing about the message itself.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if appErr, ok := apperror.From(err); ok && !appErr.Retryable {
		return permanent(err)
	}
	return err
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return permanentError{err: err}
}

func isPermanentError(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
