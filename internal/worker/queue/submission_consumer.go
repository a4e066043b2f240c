package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/metrics"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
)

// Submission is one delivery from the submission queue. Err is set when the
// body is not a usable manuscript.submitted event; such a delivery can never
// succeed and Event must not be used.
type Submission struct {
	MessageID   string
	Redelivered bool
	ReceivedAt  time.Time
	Event       models.ManuscriptSubmittedEvent
	Err         error

	// Ack settles the delivery; Requeue hands it back to the broker.
	Ack     func() error
	Requeue func() error
}

// SubmissionSource delivers manuscript submissions.
type SubmissionSource interface {
	Submissions(ctx context.Context) (<-chan Submission, error)
	// Backlog is the number of submissions waiting in the queue.
	Backlog() (int, error)
	Close() error
}

// DecodeSubmission parses a manuscript.submitted body and checks the fields
// a submission cannot be attributed without.
func DecodeSubmission(body []byte) (models.ManuscriptSubmittedEvent, error) {
	var event models.ManuscriptSubmittedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal submission: %w", err)
	}

	var missing []string
	if strings.TrimSpace(event.ManuscriptID) == "" {
		missing = append(missing, "manuscript_id")
	}
	if strings.TrimSpace(event.AuthorID) == "" {
		missing = append(missing, "author_id")
	}
	if len(missing) > 0 {
		return event, fmt.Errorf("submission is missing %s", strings.Join(missing, ", "))
	}
	return event, nil
}

// SubmissionConsumer reads the submission queue with manual acks and a
// bounded number of unacknowledged deliveries.
type SubmissionConsumer struct {
	channel  *amqp.Channel
	queue    string
	tag      string
	prefetch int
	logger   zerolog.Logger
}

func NewSubmissionConsumer(channel *amqp.Channel, queue, tag string, prefetch int, logger zerolog.Logger) *SubmissionConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	return &SubmissionConsumer{
		channel:  channel,
		queue:    queue,
		tag:      tag,
		prefetch: prefetch,
		logger:   logger.With().Str("component", "submission_consumer").Str("queue", queue).Logger(),
	}
}

// Submissions starts consuming. The returned channel is closed when ctx ends
// or the broker stops delivering; a delivery not yet handed over when ctx
// ends is requeued.
func (c *SubmissionConsumer) Submissions(ctx context.Context) (<-chan Submission, error) {
	if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch on %s: %w", c.queue, err)
	}

	deliveries, err := c.channel.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", c.queue, err)
	}

	out := make(chan Submission)
	go c.forward(ctx, deliveries, out)

	c.logger.Info().Str("consumer_tag", c.tag).Int("prefetch", c.prefetch).Msg("Consuming manuscript submissions")
	return out, nil
}

func (c *SubmissionConsumer) forward(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- Submission) {
	defer close(out)

	for {
		var d amqp.Delivery
		select {
		case <-ctx.Done():
			return
		case next, ok := <-deliveries:
			if !ok {
				c.logger.Warn().Msg("Broker closed the submission delivery channel")
				return
			}
			d = next
		}

		s := submissionFrom(d)
		if s.Err != nil {
			c.logger.Warn().Err(s.Err).Str("message_id", s.MessageID).Msg("Undecodable submission")
		}

		select {
		case out <- s:
		case <-ctx.Done():
			if err := s.Requeue(); err != nil {
				c.logger.Error().Err(err).Str("message_id", s.MessageID).Msg("Failed to requeue submission")
			}
			return
		}
	}
}

func submissionFrom(d amqp.Delivery) Submission {
	id := d.MessageId
	if id == "" {
		id = "tag-" + strconv.FormatUint(d.DeliveryTag, 10)
	}
	received := d.Timestamp
	if received.IsZero() {
		received = time.Now()
	}

	event, err := DecodeSubmission(d.Body)
	return Submission{
		MessageID:   id,
		Redelivered: d.Redelivered,
		ReceivedAt:  received,
		Event:       event,
		Err:         err,
		Ack:         func() error { return d.Ack(false) },
		Requeue:     func() error { return d.Nack(false, true) },
	}
}

// Backlog reports the ready messages in the submission queue and records the
// number on the backlog gauge.
func (c *SubmissionConsumer) Backlog() (int, error) {
	q, err := c.channel.QueueDeclarePassive(c.queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect %s: %w", c.queue, err)
	}
	metrics.SubmissionBacklog.Set(float64(q.Messages))
	return q.Messages, nil
}

// Close cancels the consumer; deliveries not yet acked return to the queue.
func (c *SubmissionConsumer) Close() error {
	if err := c.channel.Cancel(c.tag, false); err != nil {
		return fmt.Errorf("failed to cancel consumer %s: %w", c.tag, err)
	}
	c.logger.Info().Msg("Submission consumer closed")
	return nil
}
