package service

import (
	"context"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
)

// EventPublisher announces lifecycle changes to other services. Publishing is
// best effort: failures are logged by the caller and never undo a transition.
type EventPublisher interface {
	PublishTransition(ctx context.Context, event models.ManuscriptTransitionedEvent) error
	PublishVerdict(ctx context.Context, event models.PlagiarismCompletedEvent) error
}

type nopPublisher struct{}

// NopPublisher discards every event.
func NopPublisher() EventPublisher {
	return nopPublisher{}
}

func (nopPublisher) PublishTransition(context.Context, models.ManuscriptTransitionedEvent) error {
	return nil
}

func (nopPublisher) PublishVerdict(context.Context, models.PlagiarismCompletedEvent) error {
	return nil
}
