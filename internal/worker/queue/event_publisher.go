package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
)

// Publisher sends a raw message to an exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

type Routing struct {
	Exchange   string
	Transition string
	Verdict    string
}

// EventPublisher announces lifecycle and screening events on the broker.
type EventPublisher struct {
	publisher Publisher
	routing   Routing
	logger    zerolog.Logger
}

func NewEventPublisher(publisher Publisher, routing Routing, logger zerolog.Logger) *EventPublisher {
	return &EventPublisher{
		publisher: publisher,
		routing:   routing,
		logger:    logger,
	}
}

func (p *EventPublisher) PublishTransition(ctx context.Context, event models.ManuscriptTransitionedEvent) error {
	if err := p.publish(ctx, p.routing.Transition, event); err != nil {
		return err
	}

	p.logger.Debug().
		Str("manuscript_id", event.ManuscriptID).
		Str("to", string(event.To)).
		Msg("Manuscript transitioned event published")
	return nil
}

func (p *EventPublisher) PublishVerdict(ctx context.Context, event models.PlagiarismCompletedEvent) error {
	if err := p.publish(ctx, p.routing.Verdict, event); err != nil {
		return err
	}

	p.logger.Debug().
		Str("job_id", event.JobID).
		Str("verdict", string(event.Verdict)).
		Msg("Plagiarism completed event published")
	return nil
}

func (p *EventPublisher) publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.publisher.Publish(ctx, p.routing.Exchange, routingKey, body)
}
