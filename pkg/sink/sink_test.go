package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elonfeng/pulseradar/pkg/gate"
	"github.com/elonfeng/pulseradar/pkg/stream"
)

type recordingSink struct {
	name    string
	err     error
	updates int
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, _ *Update) error {
	s.updates++
	return s.err
}

func TestBroadcastReachesEverySink(t *testing.T) {
	m := NewManager()
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	m.Register(a)
	m.Register(b)

	if err := m.Broadcast(context.Background(), &Update{Tick: 1}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if a.updates != 1 || b.updates != 1 {
		t.Errorf("deliveries = %d, %d, want 1 each", a.updates, b.updates)
	}
}

func TestBroadcastContinuesPastFailures(t *testing.T) {
	m := NewManager()
	failing := &recordingSink{name: "bad", err: errors.New("boom")}
	healthy := &recordingSink{name: "good"}
	m.Register(failing)
	m.Register(healthy)

	err := m.Broadcast(context.Background(), &Update{Tick: 1})
	if err == nil {
		t.Fatal("failing sink's error swallowed")
	}
	if healthy.updates != 1 {
		t.Error("failure stopped delivery to later sinks")
	}
}

type memRecorder struct {
	alerts []gate.Alert
}

func (r *memRecorder) RecordAlert(_ context.Context, a gate.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

func TestRecorderSinkPersistsAlerts(t *testing.T) {
	rec := &memRecorder{}
	s := NewRecorderSink(rec)

	u := &Update{
		Tick: 1,
		At:   time.Now(),
		Alerts: []gate.Alert{
			{ID: "al-1", Key: stream.EventKey("ev-1")},
			{ID: "al-2", Key: stream.EventKey("ev-2")},
		},
	}
	if err := s.Publish(context.Background(), u); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(rec.alerts) != 2 {
		t.Errorf("recorded %d alerts, want 2", len(rec.alerts))
	}
}
