package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
)

type fakeSource struct {
	pending   []Record
	published []Record
}

func (f *fakeSource) PublishBatch(_ context.Context, limit int, fn func([]Record) error) error {
	n := len(f.pending)
	if n > limit {
		n = limit
	}
	batch := f.pending[:n]
	if len(batch) == 0 {
		return nil
	}
	if err := fn(batch); err != nil {
		return err
	}
	f.published = append(f.published, batch...)
	f.pending = f.pending[n:]
	return nil
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishOnceWritesBatchWithHeaders(t *testing.T) {
	src := &fakeSource{pending: []Record{
		{ID: 1, EventID: "e-1", AggregateID: "7", EventType: AppointmentEventType(EventCreated), Payload: []byte(`{}`)},
		{ID: 2, EventID: "e-2", AggregateID: "8", EventType: AppointmentEventType(EventCancelled), Payload: []byte(`{}`)},
		{ID: 3, EventID: "e-3", AggregateID: "9", EventType: AppointmentEventType(EventAccepted), Payload: []byte(`{}`)},
	}}
	p := NewPublisher(src, testLogger(), PublisherConfig{TopicPrefix: "test", BatchSize: 2})
	w := &fakeWriter{}

	if err := p.PublishOnce(context.Background(), w); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 2 || len(src.published) != 2 || len(src.pending) != 1 {
		t.Fatalf("expected a batch of 2, got msgs=%d published=%d pending=%d", len(w.msgs), len(src.published), len(src.pending))
	}
	msg := w.msgs[0]
	if msg.Topic != "test.dispatch.appointment.created.v1" || string(msg.Key) != "7" {
		t.Fatalf("unexpected message topic=%q key=%q", msg.Topic, msg.Key)
	}
	var sawID bool
	for _, h := range msg.Headers {
		if h.Key == "event_id" && string(h.Value) == "e-1" {
			sawID = true
		}
	}
	if !sawID {
		t.Fatalf("missing event_id header: %#v", msg.Headers)
	}
}

func TestPublishOnceKeepsRecordsOnWriteFailure(t *testing.T) {
	src := &fakeSource{pending: []Record{{ID: 1, EventID: "e-1", EventType: "x"}}}
	p := NewPublisher(src, testLogger(), PublisherConfig{})
	w := &fakeWriter{err: errors.New("broker down")}

	if err := p.PublishOnce(context.Background(), w); err == nil {
		t.Fatal("expected error")
	}
	if len(src.pending) != 1 || len(src.published) != 0 {
		t.Fatal("records must stay unpublished when the write fails")
	}
}

func TestRunWithoutBrokersReturns(t *testing.T) {
	p := NewPublisher(&fakeSource{}, testLogger(), PublisherConfig{})
	p.Run(context.Background())
}

func TestNewAppointmentEvent(t *testing.T) {
	user := int64(42)
	evt, err := NewAppointmentEvent(EventAccepted, AppointmentPayload{AppointmentID: 5, Status: "accepted", AssignedTo: &user})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if evt.EventType != "dispatch.appointment.accepted.v1" || evt.AggregateID != "5" || evt.AggregateType != AggregateAppointment {
		t.Fatalf("unexpected envelope %+v", evt)
	}
	var body map[string]any
	if err := json.Unmarshal(evt.Payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body["assigned_to"].(float64) != 42 {
		t.Fatalf("unexpected payload %s", evt.Payload)
	}
}
