// Package velocity turns per-key activity into windowed counts, rolling
// z-scores, and slow-moving historical baselines.
//
// Each tracked key keeps one time-bucketed counter per configured window
// size. The open bucket accumulates incoming values; when the window rolls
// over, the completed count is pushed into a fixed-length history ring from
// which the rolling mean and standard deviation derive. Updates are O(1)
// amortized per sample and never rescan raw history.
package velocity

import (
	"math"
	"sort"
	"time"

	"github.com/elonfeng/pulseradar/pkg/stream"
)

// minHistory is the number of completed windows required before a window
// reports a z-score or an anomaly. Below this, deviation is no-signal.
const minHistory = 3

// Metrics is the rolling state of one window for one key.
type Metrics struct {
	Window    time.Duration `json:"window"`
	Count     float64       `json:"count"`
	Mean      float64       `json:"rolling_mean"`
	StdDev    float64       `json:"rolling_stddev"`
	Z         float64       `json:"z_score"`
	HasSignal bool          `json:"has_signal"`
}

// series holds one window's bucket and completed-count history for a key.
type series struct {
	size    time.Duration
	start   time.Time
	current float64

	hist  []float64
	head  int
	n     int
	sum   float64
	sumSq float64
}

func newSeries(size time.Duration, histLen int) *series {
	return &series{size: size, hist: make([]float64, histLen)}
}

// roll pushes completed windows up to the one containing ts. Long gaps push
// at most len(hist) zero counts before realigning.
func (s *series) roll(ts time.Time) {
	if s.start.IsZero() {
		s.start = ts.Truncate(s.size)
		return
	}
	if ts.Before(s.start.Add(s.size)) {
		return
	}

	steps := int(ts.Sub(s.start) / s.size)
	if steps > len(s.hist) {
		s.push(s.current)
		for i := 1; i < len(s.hist); i++ {
			s.push(0)
		}
		s.current = 0
		s.start = ts.Truncate(s.size)
		return
	}
	for i := 0; i < steps; i++ {
		s.push(s.current)
		s.current = 0
		s.start = s.start.Add(s.size)
	}
}

func (s *series) push(v float64) {
	if s.n == len(s.hist) {
		old := s.hist[s.head]
		s.sum -= old
		s.sumSq -= old * old
	} else {
		s.n++
	}
	s.hist[s.head] = v
	s.head = (s.head + 1) % len(s.hist)
	s.sum += v
	s.sumSq += v * v
}

func (s *series) mean() float64 {
	if s.n == 0 {
		return 0
	}
	return s.sum / float64(s.n)
}

// stddev is the population standard deviation of the completed counts.
func (s *series) stddev() float64 {
	if s.n == 0 {
		return 0
	}
	m := s.mean()
	v := s.sumSq/float64(s.n) - m*m
	if v < 0 {
		v = 0 // float drift
	}
	return math.Sqrt(v)
}

// prev returns the most recently completed window count.
func (s *series) prev() (float64, bool) {
	if s.n == 0 {
		return 0, false
	}
	idx := (s.head - 1 + len(s.hist)) % len(s.hist)
	return s.hist[idx], true
}

func (s *series) metrics() Metrics {
	m := Metrics{
		Window: s.size,
		Count:  s.current,
		Mean:   s.mean(),
		StdDev: s.stddev(),
	}
	if s.n >= minHistory && m.StdDev > 0 {
		m.Z = (m.Count - m.Mean) / m.StdDev
		m.HasSignal = true
	}
	return m
}

// Tracker maintains windowed series for every tracked key.
type Tracker struct {
	windows []time.Duration
	histLen int
	series  map[string]map[time.Duration]*series
	keys    map[string]stream.Key
}

// NewTracker creates a tracker for the given window sizes, keeping histLen
// completed counts per window for the rolling statistics.
func NewTracker(windows []time.Duration, histLen int) *Tracker {
	if len(windows) == 0 {
		windows = []time.Duration{15 * time.Minute, time.Hour, 6 * time.Hour, 24 * time.Hour}
	}
	if histLen < minHistory {
		histLen = 30
	}
	return &Tracker{
		windows: windows,
		histLen: histLen,
		series:  make(map[string]map[time.Duration]*series),
		keys:    make(map[string]stream.Key),
	}
}

func (t *Tracker) forKey(key stream.Key) map[time.Duration]*series {
	ks := key.String()
	m, ok := t.series[ks]
	if !ok {
		m = make(map[time.Duration]*series, len(t.windows))
		for _, w := range t.windows {
			m[w] = newSeries(w, t.histLen)
		}
		t.series[ks] = m
		t.keys[ks] = key
	}
	return m
}

// Update adds a sample to every window of a key and returns the refreshed
// metrics. Samples older than the open window are counted into it rather
// than rewriting history.
func (t *Tracker) Update(key stream.Key, ts time.Time, value float64) []Metrics {
	m := t.forKey(key)
	out := make([]Metrics, 0, len(t.windows))
	for _, w := range t.windows {
		s := m[w]
		s.roll(ts)
		s.current += value
		out = append(out, s.metrics())
	}
	return out
}

// Advance rolls every series forward to now so quiet keys decay without new
// samples. Called once per tick.
func (t *Tracker) Advance(now time.Time) {
	for _, m := range t.series {
		for _, s := range m {
			s.roll(now)
		}
	}
}

// MetricsOf returns current metrics for all windows of a key, smallest
// window first. ok is false for untracked keys.
func (t *Tracker) MetricsOf(key stream.Key) ([]Metrics, bool) {
	m, ok := t.series[key.String()]
	if !ok {
		return nil, false
	}
	out := make([]Metrics, 0, len(m))
	for _, w := range t.windows {
		out = append(out, m[w].metrics())
	}
	return out, true
}

// Anomaly reports whether any window of the key satisfies
// count > mean + sigma*stddev, returning the metrics of the first (smallest)
// window that does. Windows with insufficient history or a flat history
// never qualify.
func (t *Tracker) Anomaly(key stream.Key, sigma float64) (Metrics, bool) {
	m, ok := t.series[key.String()]
	if !ok {
		return Metrics{}, false
	}
	for _, w := range t.windows {
		met := m[w].metrics()
		if !met.HasSignal {
			continue
		}
		if met.Count > met.Mean+sigma*met.StdDev {
			return met, true
		}
	}
	return Metrics{}, false
}

// WindowValues returns the open and most recently completed counts for one
// window of a key. Used for sentiment shift detection.
func (t *Tracker) WindowValues(key stream.Key, window time.Duration) (current, previous float64, ok bool) {
	m, exists := t.series[key.String()]
	if !exists {
		return 0, 0, false
	}
	s, exists := m[window]
	if !exists {
		return 0, 0, false
	}
	prev, has := s.prev()
	if !has {
		return s.current, 0, false
	}
	return s.current, prev, true
}

// Keys returns all tracked keys in deterministic order.
func (t *Tracker) Keys() []stream.Key {
	ks := make([]string, 0, len(t.keys))
	for k := range t.keys {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	out := make([]stream.Key, len(ks))
	for i, k := range ks {
		out[i] = t.keys[k]
	}
	return out
}

// Windows returns the configured window sizes.
func (t *Tracker) Windows() []time.Duration {
	return t.windows
}

// Forget drops every series for a key. Called when the key's owner retires so
// tracked state follows the active set.
func (t *Tracker) Forget(key stream.Key) {
	ks := key.String()
	delete(t.series, ks)
	delete(t.keys, ks)
}
