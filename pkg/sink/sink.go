// Package sink fans each completed pipeline tick out to downstream
// consumers. Sinks receive a read-only update and must not block the tick
// loop for long; a failing sink never stops the others.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/pulseradar/internal/logger"
	"github.com/elonfeng/pulseradar/pkg/cluster"
	"github.com/elonfeng/pulseradar/pkg/correlate"
	"github.com/elonfeng/pulseradar/pkg/gate"
	"github.com/elonfeng/pulseradar/pkg/velocity"
)

// Update is one tick's published output.
type Update struct {
	Tick     uint64
	At       time.Time
	Events   []cluster.Event
	Metrics  map[string][]velocity.Metrics
	Signals  []correlate.Signal
	Alerts   []gate.Alert
	Retired  []cluster.Event
}

// Sink consumes tick updates.
type Sink interface {
	Name() string
	Publish(ctx context.Context, u *Update) error
}

// Manager fans updates out to every registered sink.
type Manager struct {
	sinks []Sink
}

// NewManager creates an empty sink manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a sink.
func (m *Manager) Register(s Sink) {
	m.sinks = append(m.sinks, s)
}

// Broadcast delivers the update to every sink and joins their errors. A sink
// failure is reported but does not prevent delivery to the rest.
func (m *Manager) Broadcast(ctx context.Context, u *Update) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes a one-line summary per tick, plus one line per alert.
type LogSink struct{}

// Name implements Sink.
func (LogSink) Name() string { return "log" }

// Publish implements Sink.
func (LogSink) Publish(_ context.Context, u *Update) error {
	if len(u.Alerts) == 0 && len(u.Signals) == 0 {
		logger.Debug("tick %d: %d events, no alerts", u.Tick, len(u.Events))
		return nil
	}
	logger.Info("tick %d: %d events, %d signals, %d alerts",
		u.Tick, len(u.Events), len(u.Signals), len(u.Alerts))
	for _, a := range u.Alerts {
		logger.Info("alert %s key=%s z=%.2f confidence=%.2f confirmations=%d",
			a.ID, a.Key, a.VelocityZ, a.Confidence, len(a.Confirmations))
	}
	for _, s := range u.Signals {
		logger.Info("signal %s %s %s lag=%s strength=%.2f",
			s.StreamA, s.Pattern, s.StreamB, s.Lag, s.Strength)
	}
	return nil
}

// AlertRecorder persists fired alerts.
type AlertRecorder interface {
	RecordAlert(ctx context.Context, a gate.Alert) error
}

// RecorderSink writes every fired alert through an AlertRecorder.
type RecorderSink struct {
	rec AlertRecorder
}

// NewRecorderSink wraps a recorder as a sink.
func NewRecorderSink(rec AlertRecorder) *RecorderSink {
	return &RecorderSink{rec: rec}
}

// Name implements Sink.
func (*RecorderSink) Name() string { return "recorder" }

// Publish implements Sink.
func (r *RecorderSink) Publish(ctx context.Context, u *Update) error {
	var errs []error
	for _, a := range u.Alerts {
		if err := r.rec.RecordAlert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
