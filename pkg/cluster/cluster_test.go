package cluster

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/elonfeng/pulseradar/pkg/stream"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func item(id, source string, tier int, title string, offset time.Duration) stream.RawItem {
	return stream.RawItem{
		ID:          id,
		SourceName:  source,
		Tier:        tier,
		Title:       title,
		PublishedAt: testNow.Add(offset),
		Stream:      stream.KindNews,
	}
}

func strikeItems() []stream.RawItem {
	return []stream.RawItem{
		item("a1", "reuters", 1, "Iran launches strike on Natanz site", 0),
		item("a2", "bbc", 2, "Iran strikes Natanz site", time.Minute),
		item("a3", "blogger", 4, "Tehran attacks Natanz site", 2*time.Minute),
	}
}

func TestIngestMergesRelatedTitles(t *testing.T) {
	c := New(0.15, 24*time.Hour)

	as := c.Ingest(testNow, strikeItems())
	if len(as) != 3 {
		t.Fatalf("got %d assignments, want 3", len(as))
	}
	if c.ActiveCount() != 1 {
		t.Fatalf("got %d events, want 1 merged event", c.ActiveCount())
	}

	ev := as[2].Event
	if len(ev.MemberIDs) != 3 {
		t.Errorf("member count = %d, want 3", len(ev.MemberIDs))
	}
	if ev.PrimaryTitle != "Iran launches strike on Natanz site" {
		t.Errorf("primary title = %q, want the tier-1 title", ev.PrimaryTitle)
	}
	if ev.SourceCount != 3 {
		t.Errorf("source count = %d, want 3", ev.SourceCount)
	}
	if ev.TopSources[0].Name != "reuters" || ev.TopSources[0].Tier != 1 {
		t.Errorf("top source = %+v, want reuters tier 1", ev.TopSources[0])
	}
}

func TestIngestKeepsUnrelatedStoriesApart(t *testing.T) {
	c := New(0.15, 24*time.Hour)

	items := append(strikeItems(),
		item("b1", "bloomberg", 2, "Bitcoin rallies past 100000 as funds pile in", 0))
	c.Ingest(testNow, items)

	if c.ActiveCount() != 2 {
		t.Fatalf("got %d events, want 2", c.ActiveCount())
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	c := New(0.15, 24*time.Hour)
	items := strikeItems()

	first := c.Ingest(testNow, items)
	second := c.Ingest(testNow.Add(time.Minute), items)

	if len(first) != 3 {
		t.Fatalf("first pass: got %d assignments, want 3", len(first))
	}
	if len(second) != 0 {
		t.Fatalf("second pass: got %d assignments, want 0", len(second))
	}
	if c.ActiveCount() != 1 {
		t.Fatalf("got %d events after re-ingest, want 1", c.ActiveCount())
	}
}

func TestIngestIsOrderIndependent(t *testing.T) {
	items := strikeItems()
	items = append(items,
		item("b1", "bloomberg", 2, "Bitcoin rallies past 100000 as funds pile in", 0),
		item("b2", "cnbc", 3, "Bitcoin rallies as funds pile in", time.Minute))

	reference := New(0.15, 24*time.Hour)
	reference.Ingest(testNow, items)
	want := fingerprint(reference)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		shuffled := make([]stream.RawItem, len(items))
		copy(shuffled, items)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		c := New(0.15, 24*time.Hour)
		c.Ingest(testNow, shuffled)
		if got := fingerprint(c); got != want {
			t.Fatalf("trial %d: clustering depends on order\ngot  %s\nwant %s", trial, got, want)
		}
	}
}

// fingerprint summarizes the clustering independent of event IDs.
func fingerprint(c *Clusterer) string {
	out := ""
	for _, ev := range c.Events() {
		out += fmt.Sprintf("[%s:%v]", ev.PrimaryTitle, ev.MemberIDs)
	}
	return out
}

func TestIngestSkipsMalformedItems(t *testing.T) {
	c := New(0.15, 24*time.Hour)

	as := c.Ingest(testNow, []stream.RawItem{
		{ID: "", Title: "no id", PublishedAt: testNow},
		{ID: "x1", Title: "", PublishedAt: testNow},
		item("ok", "reuters", 1, "Valid headline about something", 0),
	})
	if len(as) != 1 || as[0].Item.ID != "ok" {
		t.Fatalf("got %d assignments, want only the valid item", len(as))
	}
}

func TestSweepRetiresInactiveEvents(t *testing.T) {
	c := New(0.15, 24*time.Hour)
	c.Ingest(testNow, strikeItems())

	if retired := c.Sweep(testNow.Add(time.Hour)); len(retired) != 0 {
		t.Fatalf("retired %d events before the window elapsed", len(retired))
	}

	retired := c.Sweep(testNow.Add(25 * time.Hour))
	if len(retired) != 1 {
		t.Fatalf("got %d retired events, want 1", len(retired))
	}
	if !retired[0].Retired {
		t.Error("retired snapshot not marked retired")
	}

	// A retired event is immutable: similar items open a fresh event.
	as := c.Ingest(testNow.Add(26*time.Hour), []stream.RawItem{
		item("a4", "afp", 1, "Iran strikes Natanz site again", 26*time.Hour),
	})
	if len(as) != 1 || !as[0].Created {
		t.Fatalf("item matched a retired event, want a new one")
	}
}

func TestSweepEvictsRetiredFromMatchPath(t *testing.T) {
	c := New(0.6, 24*time.Hour)

	// A month of daily batches, ten unrelated stories each, with a sweep per
	// day. Per-item matching cost must track the active set, so only the
	// newest day's events may stay resident.
	for day := 0; day < 30; day++ {
		ts := testNow.Add(time.Duration(day) * 24 * time.Hour)
		items := make([]stream.RawItem, 0, 10)
		for i := 0; i < 10; i++ {
			n := day*10 + i
			title := fmt.Sprintf("w%da w%db w%dc w%dd", n, n, n, n)
			items = append(items, item(fmt.Sprintf("it-%d", n), "reuters", 1, title,
				time.Duration(day)*24*time.Hour))
		}
		c.Ingest(ts, items)
		c.Sweep(ts)
	}

	if got := c.ActiveCount(); got != 10 {
		t.Fatalf("active events = %d, want 10", got)
	}
	if len(c.order) != 10 || len(c.events) != 10 {
		t.Errorf("match path holds %d/%d entries for 10 active events",
			len(c.order), len(c.events))
	}
	if len(c.byItem) != 10 {
		t.Errorf("item index holds %d entries for 10 active members", len(c.byItem))
	}
	if got := len(c.Events()); got != 10 {
		t.Errorf("Events() returned %d snapshots, want the active set only", got)
	}
	if _, ok := c.Lookup("it-0"); ok {
		t.Error("member of a retired event still resolvable")
	}
}

func TestTokenizeDropsStopwords(t *testing.T) {
	got := Tokenize("The army is on the move after the truce")
	for _, w := range []string{"the", "is", "on", "after"} {
		if _, ok := got[w]; ok {
			t.Errorf("stopword %q survived tokenization", w)
		}
	}
	for _, w := range []string{"army", "move", "truce"} {
		if _, ok := got[w]; !ok {
			t.Errorf("token %q missing", w)
		}
	}
}

func TestJaccard(t *testing.T) {
	a := Tokenize("alpha beta gamma")
	b := Tokenize("beta gamma delta")
	if got := Jaccard(a, b); got != 0.5 {
		t.Errorf("Jaccard = %v, want 0.5", got)
	}
	if got := Jaccard(a, Tokenize("")); got != 0 {
		t.Errorf("Jaccard with empty set = %v, want 0", got)
	}
}
