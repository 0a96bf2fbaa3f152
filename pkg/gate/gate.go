// Package gate decides which anomalies become alerts. Velocity alone arms a
// key; firing requires at least one independent confirmation, and each fired
// key is suppressed for a cooldown window so sustained activity cannot
// restate the same alert every tick.
package gate

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/elonfeng/pulseradar/pkg/stream"
	"github.com/elonfeng/pulseradar/pkg/velocity"
)

// State is the gating state of one tracked key.
type State int

const (
	// Idle: no active anomaly.
	Idle State = iota
	// Armed: velocity anomaly present, no confirmation yet.
	Armed
	// Fired: an alert was emitted this tick.
	Fired
	// Cooldown: an alert fired recently; further alerts are suppressed.
	Cooldown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Fired:
		return "fired"
	case Cooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// ConfirmationKind names an independent evidence channel.
type ConfirmationKind string

const (
	ConfirmSentimentShift  ConfirmationKind = "sentiment-shift"
	ConfirmSourceDiversity ConfirmationKind = "source-diversity"
	ConfirmTierOneSource   ConfirmationKind = "tier-one-source"
	ConfirmCorrelation     ConfirmationKind = "correlation"
)

// Confirmation is one piece of corroborating evidence for a key.
type Confirmation struct {
	Kind     ConfirmationKind `json:"kind"`
	Strength float64          `json:"strength"`
	Detail   string           `json:"detail"`
}

// Evidence is everything the gate knows about one key at evaluation time.
type Evidence struct {
	Key             stream.Key
	Title           string
	VelocityAnomaly bool
	Velocity        velocity.Metrics
	BaselineZ       float64
	BaselineOK      bool
	Confirmations   []Confirmation
}

// Alert is an emitted signal. Alerts are immutable once created.
type Alert struct {
	ID              string           `json:"id"`
	Key             stream.Key       `json:"key"`
	Title           string           `json:"title"`
	VelocityZ       float64          `json:"velocity_z"`
	Window          time.Duration    `json:"window"`
	Confirmations   []Confirmation   `json:"confirmations"`
	Confidence      float64          `json:"confidence"`
	CreatedAt       time.Time        `json:"created_at"`
	SuppressedUntil time.Time        `json:"suppressed_until"`
}

type keyState struct {
	state      State
	firedAt    time.Time
	suppressed time.Time
}

// Gate applies the confirmation requirement and per-key cooldown.
type Gate struct {
	cooldown time.Duration
	states   map[string]*keyState
}

// New creates a gate with the given per-key cooldown window.
func New(cooldown time.Duration) *Gate {
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	return &Gate{
		cooldown: cooldown,
		states:   make(map[string]*keyState),
	}
}

// Evaluate runs one gating pass over the tick's evidence and returns the
// alerts fired. Keys absent from the evidence keep their state; expired
// cooldowns return to idle lazily.
func (g *Gate) Evaluate(now time.Time, evidence []Evidence) []Alert {
	sorted := make([]Evidence, len(evidence))
	copy(sorted, evidence)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key.String() < sorted[j].Key.String()
	})

	var alerts []Alert
	for _, ev := range sorted {
		ks := ev.Key.String()
		st, ok := g.states[ks]
		if !ok {
			st = &keyState{state: Idle}
			g.states[ks] = st
		}

		if st.state == Cooldown && !now.Before(st.suppressed) {
			st.state = Idle
		}
		if st.state == Cooldown {
			continue
		}

		if !ev.VelocityAnomaly {
			st.state = Idle
			continue
		}
		if len(ev.Confirmations) == 0 {
			st.state = Armed
			continue
		}

		a := Alert{
			ID:              uuid.NewString(),
			Key:             ev.Key,
			Title:           ev.Title,
			VelocityZ:       ev.Velocity.Z,
			Window:          ev.Velocity.Window,
			Confirmations:   append([]Confirmation(nil), ev.Confirmations...),
			Confidence:      confidence(ev),
			CreatedAt:       now,
			SuppressedUntil: now.Add(g.cooldown),
		}
		alerts = append(alerts, a)

		st.state = Cooldown
		st.firedAt = now
		st.suppressed = a.SuppressedUntil
	}
	return alerts
}

// Forget drops a key's gating state. Retired keys never re-arm, so their
// state has nothing left to suppress.
func (g *Gate) Forget(key stream.Key) {
	delete(g.states, key.String())
}

// StateOf returns the current gating state of a key, resolving expired
// cooldowns against now.
func (g *Gate) StateOf(key stream.Key, now time.Time) State {
	st, ok := g.states[key.String()]
	if !ok {
		return Idle
	}
	if st.state == Cooldown && !now.Before(st.suppressed) {
		return Idle
	}
	if st.state == Cooldown && st.firedAt.Equal(now) {
		return Fired
	}
	return st.state
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// confidence maps accumulated evidence into (0, 1). Each confirmation adds
// weight scaled by its strength, a confirmed baseline deviation adds a
// smaller amount, and the total saturates so confidence only grows as
// evidence grows.
func confidence(ev Evidence) float64 {
	var total float64
	for _, c := range ev.Confirmations {
		total += 0.5 + 0.5*clamp01(c.Strength)
	}
	if ev.BaselineOK {
		total += 0.25 * clamp01(ev.BaselineZ/4)
	}
	return 1 - 0.5*math.Exp(-total)
}
