// Package cluster collapses duplicate reporting into canonical events using
// token-set Jaccard similarity over normalized titles.
package cluster

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/elonfeng/pulseradar/pkg/stream"
)

// SourceRef is one source contributing to an event.
type SourceRef struct {
	Name string `json:"name"`
	Tier int    `json:"tier"`
}

// Event is a read-only snapshot of a canonical event.
type Event struct {
	ID           string      `json:"id"`
	PrimaryTitle string      `json:"primary_title"`
	MemberIDs    []string    `json:"member_ids"`
	TopSources   []SourceRef `json:"top_sources"`
	SourceCount  int         `json:"source_count"`
	FirstSeen    time.Time   `json:"first_seen"`
	LastUpdated  time.Time   `json:"last_updated"`
	Retired      bool        `json:"retired"`
}

// Assignment records where one ingested item landed.
type Assignment struct {
	Event   Event
	Item    stream.RawItem
	Created bool
}

type member struct {
	id          string
	source      string
	tier        int
	title       string
	publishedAt time.Time
	arrival     int
}

type eventState struct {
	id          string
	members     []member
	memberIDs   map[string]struct{}
	primary     member
	tokens      map[string]struct{}
	firstSeen   time.Time
	lastUpdated time.Time
	retired     bool
}

// Clusterer owns the set of live canonical events. It is not safe for
// concurrent use; the pipeline serializes all access into its tick.
type Clusterer struct {
	threshold   float64
	retireAfter time.Duration

	events  map[string]*eventState
	order   []string // creation order, for deterministic matching
	byItem  map[string]string
	arrival int
}

// New creates a clusterer with the given merge threshold and inactivity
// window after which events retire.
func New(threshold float64, retireAfter time.Duration) *Clusterer {
	if threshold <= 0 {
		threshold = 0.6
	}
	if retireAfter <= 0 {
		retireAfter = 24 * time.Hour
	}
	return &Clusterer{
		threshold:   threshold,
		retireAfter: retireAfter,
		events:      make(map[string]*eventState),
		byItem:      make(map[string]string),
	}
}

// Ingest merges a batch of news items into the live event set and returns one
// assignment per accepted item, in processing order. Items already seen (by
// ID) and malformed items are skipped, so re-ingesting a batch is a no-op.
//
// The batch is sorted by (PublishedAt, ID) before greedy matching, which makes
// the resulting clustering independent of submission order.
func (c *Clusterer) Ingest(now time.Time, items []stream.RawItem) []Assignment {
	accepted := make([]stream.RawItem, 0, len(items))
	inBatch := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.Validate() != nil {
			continue
		}
		if _, dup := c.byItem[it.ID]; dup {
			continue
		}
		if _, dup := inBatch[it.ID]; dup {
			continue
		}
		inBatch[it.ID] = struct{}{}
		accepted = append(accepted, it)
	}

	sort.Slice(accepted, func(i, j int) bool {
		if !accepted[i].PublishedAt.Equal(accepted[j].PublishedAt) {
			return accepted[i].PublishedAt.Before(accepted[j].PublishedAt)
		}
		return accepted[i].ID < accepted[j].ID
	})

	assignments := make([]Assignment, 0, len(accepted))
	for _, it := range accepted {
		tokens := Tokenize(it.Title)

		var best *eventState
		bestScore := 0.0
		for _, id := range c.order {
			ev := c.events[id]
			if s := Jaccard(tokens, ev.tokens); s > bestScore {
				best = ev
				bestScore = s
			}
		}

		created := false
		var ev *eventState
		if best != nil && bestScore >= c.threshold {
			ev = best
			c.merge(ev, it, now)
		} else {
			ev = c.create(it, now)
			created = true
		}
		c.byItem[it.ID] = ev.id
		assignments = append(assignments, Assignment{
			Event:   c.snapshot(ev),
			Item:    it,
			Created: created,
		})
	}
	return assignments
}

func (c *Clusterer) create(it stream.RawItem, now time.Time) *eventState {
	m := member{
		id:          it.ID,
		source:      it.SourceName,
		tier:        it.Tier,
		title:       it.Title,
		publishedAt: it.PublishedAt,
		arrival:     c.arrival,
	}
	c.arrival++

	ev := &eventState{
		id:          uuid.NewString(),
		members:     []member{m},
		memberIDs:   map[string]struct{}{it.ID: {}},
		primary:     m,
		tokens:      Tokenize(it.Title),
		firstSeen:   now,
		lastUpdated: now,
	}
	c.events[ev.id] = ev
	c.order = append(c.order, ev.id)
	return ev
}

func (c *Clusterer) merge(ev *eventState, it stream.RawItem, now time.Time) {
	m := member{
		id:          it.ID,
		source:      it.SourceName,
		tier:        it.Tier,
		title:       it.Title,
		publishedAt: it.PublishedAt,
		arrival:     c.arrival,
	}
	c.arrival++

	ev.members = append(ev.members, m)
	ev.memberIDs[it.ID] = struct{}{}
	if now.After(ev.lastUpdated) {
		ev.lastUpdated = now
	}

	// Primary title comes from the highest-tier member; ties broken by
	// earliest publish time, then ID for determinism.
	if betterPrimary(m, ev.primary) {
		ev.primary = m
		ev.tokens = Tokenize(m.title)
	}
}

func betterPrimary(a, b member) bool {
	if a.tier != b.tier {
		return a.tier < b.tier
	}
	if !a.publishedAt.Equal(b.publishedAt) {
		return a.publishedAt.Before(b.publishedAt)
	}
	return a.id < b.id
}

// Sweep retires events whose last update is older than the inactivity window
// and returns their final snapshots. A retired event leaves the clusterer
// entirely: the snapshot returned here is its immutable record, and the match
// path shrinks back to the active set so per-item ingest cost stays bounded
// over a long-running session.
func (c *Clusterer) Sweep(now time.Time) []Event {
	var retired []Event
	live := c.order[:0]
	for _, id := range c.order {
		ev := c.events[id]
		if now.Sub(ev.lastUpdated) < c.retireAfter {
			live = append(live, id)
			continue
		}
		ev.retired = true
		retired = append(retired, c.snapshot(ev))
		for m := range ev.memberIDs {
			delete(c.byItem, m)
		}
		delete(c.events, id)
	}
	c.order = live
	return retired
}

// Events returns snapshots of all active events in creation order.
func (c *Clusterer) Events() []Event {
	out := make([]Event, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.snapshot(c.events[id]))
	}
	return out
}

// ActiveCount returns the number of active events.
func (c *Clusterer) ActiveCount() int {
	return len(c.events)
}

// Lookup returns the active event an item was assigned to, if any. Members
// of retired events are forgotten along with the event.
func (c *Clusterer) Lookup(itemID string) (Event, bool) {
	evID, ok := c.byItem[itemID]
	if !ok {
		return Event{}, false
	}
	return c.snapshot(c.events[evID]), true
}

func (c *Clusterer) snapshot(ev *eventState) Event {
	ids := make([]string, 0, len(ev.memberIDs))
	for id := range ev.memberIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sources := topSources(ev.members)
	return Event{
		ID:           ev.id,
		PrimaryTitle: ev.primary.title,
		MemberIDs:    ids,
		TopSources:   sources,
		SourceCount:  len(sources),
		FirstSeen:    ev.firstSeen,
		LastUpdated:  ev.lastUpdated,
		Retired:      ev.retired,
	}
}

// topSources lists each contributing source once, ordered by tier ascending,
// ties broken by first-seen order.
func topSources(members []member) []SourceRef {
	type sourceInfo struct {
		ref     SourceRef
		arrival int
	}
	seen := make(map[string]sourceInfo)
	for _, m := range members {
		if prev, ok := seen[m.source]; ok && prev.arrival <= m.arrival {
			continue
		}
		seen[m.source] = sourceInfo{ref: SourceRef{Name: m.source, Tier: m.tier}, arrival: m.arrival}
	}

	infos := make([]sourceInfo, 0, len(seen))
	for _, si := range seen {
		infos = append(infos, si)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ref.Tier != infos[j].ref.Tier {
			return infos[i].ref.Tier < infos[j].ref.Tier
		}
		return infos[i].arrival < infos[j].arrival
	})

	refs := make([]SourceRef, len(infos))
	for i, si := range infos {
		refs[i] = si.ref
	}
	return refs
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true,
	"this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true, "as": true, "after": true, "amid": true,
	"over": true, "into": true, "up": true, "out": true, "if": true,
	"so": true, "can": true, "all": true, "more": true, "than": true,
	"says": true, "say": true, "said": true, "new": true, "about": true,
}

// Tokenize normalizes a title into its significant token set: lowercased,
// split on non-alphanumeric runes, stopwords removed.
func Tokenize(title string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make(map[string]struct{}, len(words))
	for _, w := range words {
		if stopwords[w] {
			continue
		}
		tokens[w] = struct{}{}
	}
	return tokens
}

// Jaccard returns the Jaccard index of two token sets.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
