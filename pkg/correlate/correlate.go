// Package correlate detects lead/lag relationships between independent
// activity streams with a sliding, z-normalized cross-correlation over a
// bounded lag range, plus a silent-divergence check for streams that spike
// while their counterpart stays flat.
package correlate

import (
	"math"
	"sort"
	"time"

	"github.com/elonfeng/pulseradar/pkg/stream"
)

// Pattern classifies a detected relationship.
type Pattern string

const (
	// PatternLeads: stream A's movement precedes stream B's by the lag.
	PatternLeads Pattern = "leads"
	// PatternLags: stream A trails stream B by the lag.
	PatternLags Pattern = "lags"
	// PatternDiverges: one stream moved significantly, the other did not
	// within the lag window.
	PatternDiverges Pattern = "diverges"
)

// Signal is a detected cross-stream relationship. Signals are derived each
// pass, never persisted as ground truth.
type Signal struct {
	StreamA    stream.Key    `json:"stream_a"`
	StreamB    stream.Key    `json:"stream_b"`
	Lag        time.Duration `json:"lag_estimate"`
	Strength   float64       `json:"strength"`
	Pattern    Pattern       `json:"pattern"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Config bounds the correlation search.
type Config struct {
	Granularity time.Duration // series bucket size
	LagRange    time.Duration // maximum lead/lag searched
	Retention   time.Duration // history kept per instrument
	Strength    float64       // minimum |r| to emit a signal
	MinPoints   int           // minimum overlapping buckets per lag
	SpikeSigma  float64       // z threshold for the divergence check
}

func (c Config) withDefaults() Config {
	if c.Granularity <= 0 {
		c.Granularity = 15 * time.Minute
	}
	if c.LagRange <= 0 {
		c.LagRange = 6 * time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 48 * time.Hour
	}
	if c.Strength <= 0 {
		c.Strength = 0.7
	}
	if c.MinPoints <= 0 {
		c.MinPoints = 8
	}
	if c.SpikeSigma <= 0 {
		c.SpikeSigma = 2.0
	}
	return c
}

type bucketSeries struct {
	key     stream.Key
	buckets map[int64]float64
	minIdx  int64
	maxIdx  int64
}

// Engine accumulates bucketed series per instrument and re-evaluates only
// pairs touched since the last pass.
type Engine struct {
	cfg    Config
	series map[string]*bucketSeries
	dirty  map[string]bool
}

// New creates a correlation engine.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		series: make(map[string]*bucketSeries),
		dirty:  make(map[string]bool),
	}
}

// Observe folds one observation into a key's bucketed series and marks the
// key for re-evaluation.
func (e *Engine) Observe(key stream.Key, ts time.Time, value float64) {
	ks := key.String()
	s, ok := e.series[ks]
	if !ok {
		s = &bucketSeries{key: key, buckets: make(map[int64]float64)}
		e.series[ks] = s
	}

	idx := ts.UnixNano() / int64(e.cfg.Granularity)
	if len(s.buckets) == 0 {
		s.minIdx, s.maxIdx = idx, idx
	}
	s.buckets[idx] += value
	if idx < s.minIdx {
		s.minIdx = idx
	}
	if idx > s.maxIdx {
		s.maxIdx = idx
	}
	e.dirty[ks] = true

	// Bounded retention: drop buckets beyond the configured history.
	keep := int64(e.cfg.Retention / e.cfg.Granularity)
	for s.maxIdx-s.minIdx > keep {
		delete(s.buckets, s.minIdx)
		s.minIdx++
	}
}

// Forget drops a key's series and any pending re-evaluation mark.
func (e *Engine) Forget(key stream.Key) {
	ks := key.String()
	delete(e.series, ks)
	delete(e.dirty, ks)
}

// Detect evaluates every pair with at least one member updated since the
// last pass and returns the signals found. The dirty set is cleared.
func (e *Engine) Detect(now time.Time) []Signal {
	if len(e.dirty) == 0 {
		return nil
	}

	keys := make([]string, 0, len(e.series))
	for k := range e.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var signals []Signal
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if !e.dirty[keys[i]] && !e.dirty[keys[j]] {
				continue
			}
			if sig, ok := e.evaluatePair(e.series[keys[i]], e.series[keys[j]], now); ok {
				signals = append(signals, sig)
			}
		}
	}

	e.dirty = make(map[string]bool)
	return signals
}

func (e *Engine) evaluatePair(a, b *bucketSeries, now time.Time) (Signal, bool) {
	start := a.minIdx
	if b.minIdx > start {
		start = b.minIdx
	}
	end := a.maxIdx
	if b.maxIdx < end {
		end = b.maxIdx
	}
	if end-start+1 < int64(e.cfg.MinPoints) {
		return Signal{}, false
	}

	va := materialize(a, start, end)
	vb := materialize(b, start, end)
	za, okA := zscore(va)
	zb, okB := zscore(vb)

	maxLag := int(e.cfg.LagRange / e.cfg.Granularity)

	if okA && okB {
		lag, r := bestLag(za, zb, maxLag, e.cfg.MinPoints)
		// Zero lag is simultaneous movement; neither stream leads, so only
		// offset peaks qualify as a lead/lag signal.
		if lag != 0 && math.Abs(r) >= e.cfg.Strength {
			pattern := PatternLeads
			if lag < 0 {
				pattern = PatternLags
			}
			return Signal{
				StreamA:    a.key,
				StreamB:    b.key,
				Lag:        time.Duration(lag) * e.cfg.Granularity,
				Strength:   r,
				Pattern:    pattern,
				DetectedAt: now,
			}, true
		}
	}

	// Silent divergence: a significant move on one side with nothing on the
	// other anywhere in the lag window. Checked even when correlation is low
	// or one series is flat, since divergence is defined by absence.
	if okA {
		if idx, peak := maxAbsPeak(za); peak >= e.cfg.SpikeSigma && flatAround(zb, okB, idx, maxLag) {
			return Signal{
				StreamA:    a.key,
				StreamB:    b.key,
				Strength:   peak,
				Pattern:    PatternDiverges,
				DetectedAt: now,
			}, true
		}
	}
	if okB {
		if idx, peak := maxAbsPeak(zb); peak >= e.cfg.SpikeSigma && flatAround(za, okA, idx, maxLag) {
			return Signal{
				StreamA:    b.key,
				StreamB:    a.key,
				Strength:   peak,
				Pattern:    PatternDiverges,
				DetectedAt: now,
			}, true
		}
	}

	return Signal{}, false
}

func materialize(s *bucketSeries, start, end int64) []float64 {
	out := make([]float64, end-start+1)
	for i := start; i <= end; i++ {
		out[i-start] = s.buckets[i]
	}
	return out
}

// zscore normalizes a series in place against its own mean and population
// standard deviation. ok is false for flat series.
func zscore(v []float64) ([]float64, bool) {
	if len(v) == 0 {
		return v, false
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	mean := sum / float64(len(v))

	var ss float64
	for _, x := range v {
		d := x - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(v)))
	if sd == 0 {
		return v, false
	}

	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = (x - mean) / sd
	}
	return out, true
}

// bestLag returns the lag in [-maxLag, maxLag] with the strongest mean
// cross-product of the z-scored series, i.e. the lag-normalized Pearson
// estimate. Positive lag means a precedes b.
func bestLag(za, zb []float64, maxLag, minPoints int) (int, float64) {
	bestR := 0.0
	bestL := 0
	for lag := -maxLag; lag <= maxLag; lag++ {
		var sum float64
		n := 0
		for t := 0; t < len(za); t++ {
			u := t + lag
			if u < 0 || u >= len(zb) {
				continue
			}
			sum += za[t] * zb[u]
			n++
		}
		if n < minPoints {
			continue
		}
		r := sum / float64(n)
		if math.Abs(r) > math.Abs(bestR) {
			bestR = r
			bestL = lag
		}
	}
	return bestL, bestR
}

func maxAbsPeak(z []float64) (int, float64) {
	idx, peak := 0, 0.0
	for i, x := range z {
		if a := math.Abs(x); a > peak {
			peak = a
			idx = i
		}
	}
	return idx, peak
}

// flatAround reports whether z shows no significant movement (|z| < 1)
// within maxLag buckets of index i. A flat (un-normalizable) series is flat
// by definition.
func flatAround(z []float64, ok bool, i, maxLag int) bool {
	if !ok {
		return true
	}
	lo := i - maxLag
	if lo < 0 {
		lo = 0
	}
	hi := i + maxLag
	if hi > len(z)-1 {
		hi = len(z) - 1
	}
	for t := lo; t <= hi; t++ {
		if math.Abs(z[t]) >= 1 {
			return false
		}
	}
	return true
}
