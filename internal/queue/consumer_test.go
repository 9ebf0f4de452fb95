package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/outboundhq/sequence-engine/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type fakeAcknowledger struct {
	acked    bool
	nacked   bool
	rejected bool
	requeue  bool
}

func (a *fakeAcknowledger) Ack(_ uint64, _ bool) error { a.acked = true; return nil }

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	a.rejected = true
	a.requeue = requeue
	return nil
}

func validJobBody(t *testing.T) []byte {
	t.Helper()

	body, err := json.Marshal(JobMessage{
		JobID:      "job-1",
		CampaignID: "camp-1",
		Priority:   domain.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("marshal job message: %v", err)
	}
	return body
}

func TestHandleDeliveryAcksOnSuccess(t *testing.T) {
	t.Parallel()

	c := NewRabbitMQConsumer(nil, 1, zap.NewNop())
	ack := &fakeAcknowledger{}
	d := amqp.Delivery{Acknowledger: ack, Body: validJobBody(t)}

	var handled JobMessage
	err := c.handleDelivery(context.Background(), d, func(_ context.Context, msg JobMessage) error {
		handled = msg
		return nil
	})
	if err != nil {
		t.Fatalf("handleDelivery() error = %v", err)
	}
	if !ack.acked || ack.nacked || ack.rejected {
		t.Fatalf("expected ack only, got %+v", ack)
	}
	if handled.JobID != "job-1" {
		t.Errorf("handled jobId = %s, want job-1", handled.JobID)
	}
}

func TestHandleDeliveryRequeuesFirstFailure(t *testing.T) {
	t.Parallel()

	c := NewRabbitMQConsumer(nil, 1, zap.NewNop())
	ack := &fakeAcknowledger{}
	d := amqp.Delivery{Acknowledger: ack, Body: validJobBody(t)}

	err := c.handleDelivery(context.Background(), d, func(context.Context, JobMessage) error {
		return errors.New("transient handler failure")
	})
	if err != nil {
		t.Fatalf("handleDelivery() error = %v", err)
	}
	if !ack.nacked || !ack.requeue {
		t.Fatalf("first failure must requeue, got %+v", ack)
	}
}

func TestHandleDeliveryDeadLettersRedeliveredFailure(t *testing.T) {
	t.Parallel()

	c := NewRabbitMQConsumer(nil, 1, zap.NewNop())
	ack := &fakeAcknowledger{}
	d := amqp.Delivery{Acknowledger: ack, Body: validJobBody(t), Redelivered: true}

	err := c.handleDelivery(context.Background(), d, func(context.Context, JobMessage) error {
		return errors.New("still failing")
	})
	if err != nil {
		t.Fatalf("handleDelivery() error = %v", err)
	}
	// A second failure goes to the DLQ; the poller re-publishes the job from
	// the jobs table if it is still pending.
	if !ack.nacked || ack.requeue {
		t.Fatalf("redelivered failure must dead-letter, got %+v", ack)
	}
}

func TestHandleDeliveryRejectsMalformedPayloads(t *testing.T) {
	t.Parallel()

	invalidPayload, err := json.Marshal(JobMessage{CampaignID: "camp-1", Priority: domain.PriorityNormal})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	tests := []struct {
		name string
		body []byte
	}{
		{"invalid json", []byte("{not json")},
		{"missing job id", invalidPayload},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewRabbitMQConsumer(nil, 1, zap.NewNop())
			ack := &fakeAcknowledger{}
			d := amqp.Delivery{Acknowledger: ack, Body: tt.body}

			err := c.handleDelivery(context.Background(), d, func(context.Context, JobMessage) error {
				t.Fatal("handler must not run for malformed payloads")
				return nil
			})
			if err != nil {
				t.Fatalf("handleDelivery() error = %v", err)
			}
			if !ack.rejected || ack.requeue {
				t.Fatalf("malformed payload must be dead-lettered, got %+v", ack)
			}
		})
	}
}
