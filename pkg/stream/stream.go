// Package stream defines the normalized data model shared by every pipeline
// stage: raw news items, numeric stream samples, and the keys that identify
// tracked time series.
package stream

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformed marks an input record missing required fields. Malformed
// records are skipped, never fatal.
var ErrMalformed = errors.New("malformed input")

// Kind identifies which stream an item or sample came from.
type Kind string

const (
	KindNews   Kind = "news"
	KindMarket Kind = "market"
	KindPrice  Kind = "price"
)

// RawItem is a normalized news item. Immutable once ingested.
type RawItem struct {
	ID          string    `json:"id"`
	SourceName  string    `json:"source_name"`
	Tier        int       `json:"tier"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Stream      Kind      `json:"stream"`
}

// Validate reports whether the item carries the fields every stage depends on.
func (it RawItem) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("%w: item missing id", ErrMalformed)
	}
	if it.Title == "" {
		return fmt.Errorf("%w: item %s missing title", ErrMalformed, it.ID)
	}
	if it.PublishedAt.IsZero() {
		return fmt.Errorf("%w: item %s missing published_at", ErrMalformed, it.ID)
	}
	return nil
}

// Sample is one observation of a numeric stream (prediction-market
// probability, price). Immutable, append-only per instrument.
type Sample struct {
	Stream       Kind      `json:"stream"`
	InstrumentID string    `json:"instrument_id"`
	Timestamp    time.Time `json:"timestamp"`
	Value        float64   `json:"value"`
}

// Validate reports whether the sample is usable.
func (s Sample) Validate() error {
	if s.InstrumentID == "" {
		return fmt.Errorf("%w: sample missing instrument_id", ErrMalformed)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: sample %s missing timestamp", ErrMalformed, s.InstrumentID)
	}
	return nil
}

// KeyKind classifies a tracked time series.
type KeyKind string

const (
	KeyEvent      KeyKind = "event"
	KeyHotspot    KeyKind = "hotspot"
	KeyCategory   KeyKind = "category"
	KeyMonitor    KeyKind = "monitor"
	KeyInstrument KeyKind = "market-instrument"
)

// Key identifies a tracked quantity across the velocity, correlation, and
// gating stages.
type Key struct {
	Kind KeyKind `json:"kind"`
	ID   string  `json:"id"`
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.ID
}

// EventKey returns the series key for a clustered event.
func EventKey(eventID string) Key { return Key{Kind: KeyEvent, ID: eventID} }

// InstrumentKey returns the series key for a market instrument or price series.
func InstrumentKey(instrumentID string) Key { return Key{Kind: KeyInstrument, ID: instrumentID} }

// MonitorKey returns the series key for a custom monitor.
func MonitorKey(name string) Key { return Key{Kind: KeyMonitor, ID: name} }

// CategoryKey returns the series key for a category aggregate.
func CategoryKey(name string) Key { return Key{Kind: KeyCategory, ID: name} }

// Point is a pre-keyed observation for custom monitors and category
// aggregates that bypass clustering.
type Point struct {
	Key       Key       `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Batch is one tick's worth of input.
type Batch struct {
	Items   []RawItem
	Samples []Sample
	Points  []Point
}

// Empty reports whether the batch carries no input.
func (b Batch) Empty() bool {
	return len(b.Items) == 0 && len(b.Samples) == 0 && len(b.Points) == 0
}

func (b *Batch) merge(other Batch) {
	b.Items = append(b.Items, other.Items...)
	b.Samples = append(b.Samples, other.Samples...)
	b.Points = append(b.Points, other.Points...)
}
