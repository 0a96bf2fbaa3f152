package stream

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestRawItemValidate(t *testing.T) {
	good := RawItem{ID: "a1", Title: "headline", PublishedAt: testNow}
	if err := good.Validate(); err != nil {
		t.Errorf("valid item rejected: %v", err)
	}

	bad := []RawItem{
		{Title: "headline", PublishedAt: testNow},
		{ID: "a1", PublishedAt: testNow},
		{ID: "a1", Title: "headline"},
	}
	for i, it := range bad {
		if err := it.Validate(); !errors.Is(err, ErrMalformed) {
			t.Errorf("case %d: got %v, want ErrMalformed", i, err)
		}
	}
}

func TestKeyString(t *testing.T) {
	if got := EventKey("ev1").String(); got != "event:ev1" {
		t.Errorf("EventKey string = %s", got)
	}
	if got := InstrumentKey("btc").String(); got != "market-instrument:btc" {
		t.Errorf("InstrumentKey string = %s", got)
	}
}

func TestIntakeDrainResets(t *testing.T) {
	in := NewIntake()
	in.AddItems(RawItem{ID: "a1", Title: "x", PublishedAt: testNow})
	in.AddSamples(Sample{InstrumentID: "btc", Timestamp: testNow, Value: 1})

	b := in.Drain()
	if len(b.Items) != 1 || len(b.Samples) != 1 {
		t.Fatalf("drained %d items, %d samples", len(b.Items), len(b.Samples))
	}
	if !in.Drain().Empty() {
		t.Error("second drain not empty")
	}
}

func TestIntakeRequeuePreservesOrder(t *testing.T) {
	in := NewIntake()
	in.AddItems(RawItem{ID: "first", Title: "x", PublishedAt: testNow})

	b := in.Drain()
	in.AddItems(RawItem{ID: "second", Title: "y", PublishedAt: testNow})
	in.Requeue(b)

	got := in.Drain()
	if len(got.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(got.Items))
	}
	if got.Items[0].ID != "first" || got.Items[1].ID != "second" {
		t.Errorf("requeued batch not at the front: %s, %s", got.Items[0].ID, got.Items[1].ID)
	}
}

func TestReadBatch(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"item","item":{"id":"a1","source_name":"reuters","title":"headline","published_at":"2026-03-10T12:00:00Z"}}`,
		`{"type":"sample","sample":{"stream":"market","instrument_id":"btc","timestamp":"2026-03-10T12:00:00Z","value":0.42}}`,
		`{"type":"point","point":{"key":{"kind":"monitor","id":"border"},"timestamp":"2026-03-10T12:00:00Z","value":3}}`,
		``,
		`not json at all`,
		`{"type":"item","item":{"id":"a2","title":""}}`,
		`{"type":"mystery"}`,
	}, "\n")

	batch, skipped, err := ReadBatch(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(batch.Items) != 1 || len(batch.Samples) != 1 || len(batch.Points) != 1 {
		t.Errorf("batch = %d items, %d samples, %d points, want 1 each",
			len(batch.Items), len(batch.Samples), len(batch.Points))
	}
	if skipped != 3 {
		t.Errorf("skipped = %d, want 3", skipped)
	}
	if batch.Items[0].ID != "a1" || batch.Samples[0].Value != 0.42 {
		t.Errorf("decoded values wrong: %+v, %+v", batch.Items[0], batch.Samples[0])
	}
}
