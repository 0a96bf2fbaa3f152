package stream

import "sync"

// Intake buffers incoming batches between ticks. Overlapping submissions from
// any number of adapters are serialized here, so each tick processes a single
// consolidated input set.
type Intake struct {
	mu      sync.Mutex
	pending Batch
}

// NewIntake creates an empty intake buffer.
func NewIntake() *Intake {
	return &Intake{}
}

// Add appends a batch to the pending input set.
func (in *Intake) Add(b Batch) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.pending.merge(b)
}

// AddItems appends news items to the pending input set.
func (in *Intake) AddItems(items ...RawItem) {
	in.Add(Batch{Items: items})
}

// AddSamples appends stream samples to the pending input set.
func (in *Intake) AddSamples(samples ...Sample) {
	in.Add(Batch{Samples: samples})
}

// AddPoints appends pre-keyed monitor observations to the pending input set.
func (in *Intake) AddPoints(points ...Point) {
	in.Add(Batch{Points: points})
}

// Drain returns the pending input set and resets the buffer.
func (in *Intake) Drain() Batch {
	in.mu.Lock()
	defer in.mu.Unlock()
	b := in.pending
	in.pending = Batch{}
	return b
}

// Requeue returns a drained batch to the front of the buffer. Used when a
// tick is abandoned before processing so no input is lost.
func (in *Intake) Requeue(b Batch) {
	in.mu.Lock()
	defer in.mu.Unlock()
	merged := b
	merged.merge(in.pending)
	in.pending = merged
}
