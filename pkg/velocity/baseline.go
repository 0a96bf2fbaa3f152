package velocity

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/elonfeng/pulseradar/pkg/stream"
)

// ErrInsufficientHistory marks a key whose baseline has too few observations
// to judge deviation. It is a distinguishable state, not a failure.
var ErrInsufficientHistory = errors.New("insufficient history for baseline")

// ErrNoSignal marks a baseline whose standard deviation is zero, where a
// z-score is undefined.
var ErrNoSignal = errors.New("baseline deviation undefined")

// Record is the persistable baseline state for one key.
type Record struct {
	Key            stream.Key `json:"key"`
	SevenDayMean   float64    `json:"seven_day_mean"`
	SevenDayStdDev float64    `json:"seven_day_stddev"`
	ThirtyDayMean  float64    `json:"thirty_day_mean"`
	ThirtyDayStdDev float64   `json:"thirty_day_stddev"`
	Samples        int        `json:"samples"`
	LowConfidence  bool       `json:"low_confidence"`
	LastUpdated    time.Time  `json:"last_updated"`
}

type baselineState struct {
	key  stream.Key
	m7   float64
	v7   float64
	m30  float64
	v30  float64
	n    int
	last time.Time
}

// Baselines maintains exponentially-weighted 7-day and 30-day activity
// statistics per key, updated at most once per fixed interval. They are never
// rebuilt by replaying raw history.
type Baselines struct {
	interval   time.Duration
	minSamples int
	primary    string // "7d" or "30d"
	alpha7     float64
	alpha30    float64
	recs       map[string]*baselineState
}

// NewBaselines creates the baseline set. minSamples is the observation count
// below which deviation reports insufficient history; primary selects which
// window ("7d" or "30d") drives DeviationOf.
func NewBaselines(interval time.Duration, minSamples int, primary string) *Baselines {
	if interval <= 0 {
		interval = time.Hour
	}
	if minSamples <= 0 {
		minSamples = 12
	}
	if primary != "30d" {
		primary = "7d"
	}
	return &Baselines{
		interval:   interval,
		minSamples: minSamples,
		primary:    primary,
		alpha7:     clampAlpha(float64(interval) / float64(7*24*time.Hour)),
		alpha30:    clampAlpha(float64(interval) / float64(30*24*time.Hour)),
		recs:       make(map[string]*baselineState),
	}
}

func clampAlpha(a float64) float64 {
	if a <= 0 {
		return 0.001
	}
	if a > 1 {
		return 1
	}
	return a
}

// Observe folds one activity reading into a key's baselines. Readings closer
// together than the update interval are dropped, keeping the baselines
// decoupled from tick frequency. Returns whether the reading was applied.
func (b *Baselines) Observe(key stream.Key, now time.Time, activity float64) bool {
	ks := key.String()
	st, ok := b.recs[ks]
	if !ok {
		b.recs[ks] = &baselineState{key: key, m7: activity, m30: activity, n: 1, last: now}
		return true
	}
	if now.Sub(st.last) < b.interval {
		return false
	}

	d7 := activity - st.m7
	st.m7 += b.alpha7 * d7
	st.v7 = (1 - b.alpha7) * (st.v7 + b.alpha7*d7*d7)

	d30 := activity - st.m30
	st.m30 += b.alpha30 * d30
	st.v30 = (1 - b.alpha30) * (st.v30 + b.alpha30*d30*d30)

	st.n++
	st.last = now
	return true
}

// DeviationOf returns the z-score of current activity against the primary
// baseline window. Keys with too little history return
// ErrInsufficientHistory; a zero-variance baseline returns ErrNoSignal.
func (b *Baselines) DeviationOf(key stream.Key, current float64) (float64, error) {
	st, ok := b.recs[key.String()]
	if !ok || st.n < b.minSamples {
		return 0, ErrInsufficientHistory
	}

	mean, variance := st.m7, st.v7
	if b.primary == "30d" {
		mean, variance = st.m30, st.v30
	}
	sd := math.Sqrt(variance)
	if sd == 0 {
		return 0, ErrNoSignal
	}
	return (current - mean) / sd, nil
}

// RecordOf returns the persistable record for one key.
func (b *Baselines) RecordOf(key stream.Key) (Record, bool) {
	st, ok := b.recs[key.String()]
	if !ok {
		return Record{}, false
	}
	return st.record(b.minSamples), true
}

// Records returns all baseline records in deterministic key order.
func (b *Baselines) Records() []Record {
	ks := make([]string, 0, len(b.recs))
	for k := range b.recs {
		ks = append(ks, k)
	}
	sort.Strings(ks)

	out := make([]Record, 0, len(ks))
	for _, k := range ks {
		out = append(out, b.recs[k].record(b.minSamples))
	}
	return out
}

// Forget drops a key's in-memory baseline state. Rows already persisted for
// the key are unaffected.
func (b *Baselines) Forget(key stream.Key) {
	delete(b.recs, key.String())
}

// Restore loads previously persisted records, replacing any in-memory state
// for the same keys. Used at startup for continuity across restarts.
func (b *Baselines) Restore(records []Record) {
	for _, r := range records {
		b.recs[r.Key.String()] = &baselineState{
			key:  r.Key,
			m7:   r.SevenDayMean,
			v7:   r.SevenDayStdDev * r.SevenDayStdDev,
			m30:  r.ThirtyDayMean,
			v30:  r.ThirtyDayStdDev * r.ThirtyDayStdDev,
			n:    r.Samples,
			last: r.LastUpdated,
		}
	}
}

func (st *baselineState) record(minSamples int) Record {
	return Record{
		Key:             st.key,
		SevenDayMean:    st.m7,
		SevenDayStdDev:  math.Sqrt(st.v7),
		ThirtyDayMean:   st.m30,
		ThirtyDayStdDev: math.Sqrt(st.v30),
		Samples:         st.n,
		LowConfidence:   st.n < minSamples,
		LastUpdated:     st.last,
	}
}
