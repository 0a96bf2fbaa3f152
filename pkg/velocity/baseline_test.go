package velocity

import (
	"errors"
	"testing"
	"time"

	"github.com/elonfeng/pulseradar/pkg/stream"
)

func TestBaselineInsufficientHistory(t *testing.T) {
	b := NewBaselines(time.Hour, 3, "7d")
	key := stream.EventKey("ev1")

	b.Observe(key, testNow, 10)

	if _, err := b.DeviationOf(key, 50); !errors.Is(err, ErrInsufficientHistory) {
		t.Errorf("got %v, want ErrInsufficientHistory", err)
	}
	if _, err := b.DeviationOf(stream.EventKey("unknown"), 1); !errors.Is(err, ErrInsufficientHistory) {
		t.Errorf("unknown key: got %v, want ErrInsufficientHistory", err)
	}
}

func TestBaselineIntervalGuard(t *testing.T) {
	b := NewBaselines(time.Hour, 3, "7d")
	key := stream.EventKey("ev1")

	if !b.Observe(key, testNow, 10) {
		t.Fatal("first observation not applied")
	}
	if b.Observe(key, testNow.Add(30*time.Minute), 99) {
		t.Error("observation inside the update interval was applied")
	}
	if !b.Observe(key, testNow.Add(time.Hour), 12) {
		t.Error("observation after the interval was dropped")
	}

	r, ok := b.RecordOf(key)
	if !ok || r.Samples != 2 {
		t.Errorf("samples = %d, want 2", r.Samples)
	}
}

func TestBaselineNoSignalOnZeroVariance(t *testing.T) {
	b := NewBaselines(time.Hour, 3, "7d")
	key := stream.EventKey("ev1")

	for i := 0; i < 4; i++ {
		b.Observe(key, testNow.Add(time.Duration(i)*time.Hour), 10)
	}

	if _, err := b.DeviationOf(key, 10); !errors.Is(err, ErrNoSignal) {
		t.Errorf("got %v, want ErrNoSignal", err)
	}
}

func TestBaselineDeviation(t *testing.T) {
	b := NewBaselines(time.Hour, 3, "7d")
	key := stream.EventKey("ev1")

	values := []float64{10, 12, 8, 14, 9, 11}
	for i, v := range values {
		b.Observe(key, testNow.Add(time.Duration(i)*time.Hour), v)
	}

	z, err := b.DeviationOf(key, 100)
	if err != nil {
		t.Fatalf("DeviationOf: %v", err)
	}
	if z <= 0 {
		t.Errorf("z = %v for activity far above baseline, want positive", z)
	}

	low, err := b.DeviationOf(key, 0)
	if err != nil {
		t.Fatalf("DeviationOf: %v", err)
	}
	if low >= z {
		t.Errorf("deviation not monotone in activity: z(0)=%v >= z(100)=%v", low, z)
	}
}

func TestBaselineLowConfidenceFlag(t *testing.T) {
	b := NewBaselines(time.Hour, 5, "7d")
	key := stream.EventKey("ev1")

	b.Observe(key, testNow, 10)
	b.Observe(key, testNow.Add(time.Hour), 12)

	r, ok := b.RecordOf(key)
	if !ok {
		t.Fatal("no record")
	}
	if !r.LowConfidence {
		t.Error("record with 2 samples not flagged low confidence")
	}
}

func TestBaselineForgetDropsRecord(t *testing.T) {
	b := NewBaselines(time.Hour, 3, "7d")
	key := stream.EventKey("ev1")

	b.Observe(key, testNow, 10)
	b.Forget(key)

	if _, ok := b.RecordOf(key); ok {
		t.Error("record survived Forget")
	}
}

func TestBaselineRestoreRoundTrip(t *testing.T) {
	b := NewBaselines(time.Hour, 3, "7d")
	key := stream.EventKey("ev1")

	for i, v := range []float64{10, 12, 8, 14} {
		b.Observe(key, testNow.Add(time.Duration(i)*time.Hour), v)
	}
	records := b.Records()

	restored := NewBaselines(time.Hour, 3, "7d")
	restored.Restore(records)

	want, _ := b.DeviationOf(key, 42)
	got, err := restored.DeviationOf(key, 42)
	if err != nil {
		t.Fatalf("DeviationOf after restore: %v", err)
	}
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("deviation after restore = %v, want %v", got, want)
	}
}
