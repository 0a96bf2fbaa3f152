package velocity

import (
	"math"
	"testing"
	"time"

	"github.com/elonfeng/pulseradar/pkg/stream"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func hourlyTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker([]time.Duration{time.Hour}, 10)
}

// feedHourly pushes one completed hourly count per value, leaving the last
// value in the open window.
func feedHourly(tr *Tracker, key stream.Key, values []float64) time.Time {
	ts := testNow
	for i, v := range values {
		ts = testNow.Add(time.Duration(i) * time.Hour)
		tr.Update(key, ts, v)
	}
	return ts
}

func TestRollingZScore(t *testing.T) {
	tr := hourlyTracker(t)
	key := stream.EventKey("ev1")

	// Completed counts 8,16,8,16: mean 12, population stddev 4.
	feedHourly(tr, key, []float64{8, 16, 8, 16, 24})

	ms, ok := tr.MetricsOf(key)
	if !ok || len(ms) != 1 {
		t.Fatalf("MetricsOf: ok=%v len=%d", ok, len(ms))
	}
	m := ms[0]
	if m.Mean != 12 || m.StdDev != 4 {
		t.Fatalf("mean=%v stddev=%v, want 12 and 4", m.Mean, m.StdDev)
	}
	if !m.HasSignal || m.Z != 3.0 {
		t.Errorf("z=%v hasSignal=%v, want exactly 3.0 with signal", m.Z, m.HasSignal)
	}

	met, anomalous := tr.Anomaly(key, 2.0)
	if !anomalous {
		t.Fatal("count 3 sigma above mean not reported as anomaly")
	}
	if met.Count != 24 {
		t.Errorf("anomaly count = %v, want 24", met.Count)
	}
}

func TestFlatHistoryHasNoSignal(t *testing.T) {
	tr := hourlyTracker(t)
	key := stream.EventKey("ev1")

	// Identical completed counts: stddev 0, z-score undefined.
	feedHourly(tr, key, []float64{5, 5, 5, 5, 50})

	ms, _ := tr.MetricsOf(key)
	if ms[0].HasSignal {
		t.Error("flat history reported a signal")
	}
	if _, anomalous := tr.Anomaly(key, 2.0); anomalous {
		t.Error("flat history reported an anomaly")
	}
}

func TestShortHistoryHasNoSignal(t *testing.T) {
	tr := hourlyTracker(t)
	key := stream.EventKey("ev1")

	feedHourly(tr, key, []float64{3, 9, 100})

	ms, _ := tr.MetricsOf(key)
	if ms[0].HasSignal {
		t.Errorf("signal reported with only %d completed windows", minHistory-1)
	}
}

func TestAdvanceDecaysQuietKeys(t *testing.T) {
	tr := hourlyTracker(t)
	key := stream.EventKey("ev1")

	last := feedHourly(tr, key, []float64{4, 4, 4, 4})
	tr.Advance(last.Add(2 * time.Hour))

	cur, prev, ok := tr.WindowValues(key, time.Hour)
	if !ok {
		t.Fatal("WindowValues not ok after advance")
	}
	if cur != 0 || prev != 0 {
		t.Errorf("cur=%v prev=%v after quiet hours, want zeros", cur, prev)
	}
}

func TestForgetDropsKey(t *testing.T) {
	tr := hourlyTracker(t)
	key := stream.EventKey("ev1")

	feedHourly(tr, key, []float64{4, 4})
	tr.Forget(key)

	if _, ok := tr.MetricsOf(key); ok {
		t.Error("metrics survived Forget")
	}
	if got := len(tr.Keys()); got != 0 {
		t.Errorf("tracker still lists %d keys after Forget", got)
	}
}

func TestWindowValues(t *testing.T) {
	tr := hourlyTracker(t)
	key := stream.EventKey("ev1")

	feedHourly(tr, key, []float64{2, 7})

	cur, prev, ok := tr.WindowValues(key, time.Hour)
	if !ok || cur != 7 || prev != 2 {
		t.Errorf("cur=%v prev=%v ok=%v, want 7, 2, true", cur, prev, ok)
	}
}

func TestLongGapRealignsWindow(t *testing.T) {
	tr := hourlyTracker(t)
	key := stream.EventKey("ev1")

	tr.Update(key, testNow, 10)
	// A gap far longer than the history ring must not loop per missed hour.
	tr.Update(key, testNow.Add(1000*time.Hour), 1)

	ms, _ := tr.MetricsOf(key)
	if ms[0].Count != 1 {
		t.Errorf("open count after gap = %v, want 1", ms[0].Count)
	}
}

func TestSentimentScore(t *testing.T) {
	rules := NewRuleTable(map[string]float64{
		"escalate":  1.0,
		"ceasefire": -1.0,
		"sanctions": 0.5,
	})

	cases := []struct {
		title string
		want  float64
	}{
		{"Tensions escalate along the border", 1.0},
		{"Ceasefire holds for a third day", -1.0},
		{"New sanctions as tensions escalate", 1.5},
		{"Markets quiet ahead of earnings", 0},
	}
	for _, tc := range cases {
		if got := rules.Score(tc.title); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Score(%q) = %v, want %v", tc.title, got, tc.want)
		}
	}
}

func TestSentimentShift(t *testing.T) {
	cases := []struct {
		prev, cur, delta float64
		want             bool
	}{
		{1.0, -0.5, 1.0, true},  // sign flip
		{0.2, 0.8, 1.0, false},  // small same-sign move
		{0.5, 2.0, 1.0, true},   // large same-sign move
		{-2.0, -2.0, 1.0, false},
	}
	for _, tc := range cases {
		if got := Shift(tc.prev, tc.cur, tc.delta); got != tc.want {
			t.Errorf("Shift(%v, %v, %v) = %v, want %v", tc.prev, tc.cur, tc.delta, got, tc.want)
		}
	}
}
