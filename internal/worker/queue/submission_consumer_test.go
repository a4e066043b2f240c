package queue

import (
	"strings"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestDecodeSubmission(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "complete", body: `{"manuscript_id":"m-1","author_id":"a-1","title":"T","text":"body"}`},
		{name: "not json", body: `{`, wantErr: "unmarshal"},
		{name: "no author", body: `{"manuscript_id":"m-1","text":"body"}`, wantErr: "author_id"},
		{name: "blank ids", body: `{"manuscript_id":"  ","author_id":""}`, wantErr: "manuscript_id, author_id"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			event, err := DecodeSubmission([]byte(tc.body))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("DecodeSubmission() error = %v", err)
				}
				if event.ManuscriptID != "m-1" || event.AuthorID != "a-1" || event.Text != "body" {
					t.Fatalf("event = %+v", event)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("DecodeSubmission() error = %v, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

type recordingAcknowledger struct {
	acked    []uint64
	requeued []uint64
}

func (a *recordingAcknowledger) Ack(tag uint64, _ bool) error {
	a.acked = append(a.acked, tag)
	return nil
}

func (a *recordingAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	if requeue {
		a.requeued = append(a.requeued, tag)
	}
	return nil
}

func (a *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func TestSubmissionFromDelivery(t *testing.T) {
	t.Parallel()

	ack := &recordingAcknowledger{}
	s := submissionFrom(amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  7,
		MessageId:    "msg-42",
		Redelivered:  true,
		Body:         []byte(`{"manuscript_id":"m-1","author_id":"a-1","text":"body"}`),
	})

	if s.Err != nil {
		t.Fatalf("Err = %v", s.Err)
	}
	if s.MessageID != "msg-42" || !s.Redelivered || s.Event.ManuscriptID != "m-1" {
		t.Fatalf("submission = %+v", s)
	}
	if s.ReceivedAt.IsZero() {
		t.Fatal("ReceivedAt not set")
	}

	if err := s.Ack(); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if err := s.Requeue(); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if len(ack.acked) != 1 || ack.acked[0] != 7 || len(ack.requeued) != 1 || ack.requeued[0] != 7 {
		t.Fatalf("acked = %v requeued = %v", ack.acked, ack.requeued)
	}
}

func TestSubmissionFromUndecodableDelivery(t *testing.T) {
	t.Parallel()

	s := submissionFrom(amqp.Delivery{
		Acknowledger: &recordingAcknowledger{},
		DeliveryTag:  3,
		Body:         []byte("nope"),
	})
	if s.Err == nil {
		t.Fatal("expected decode error")
	}
	if s.MessageID != "tag-3" {
		t.Fatalf("MessageID = %q, want delivery tag fallback", s.MessageID)
	}
}
