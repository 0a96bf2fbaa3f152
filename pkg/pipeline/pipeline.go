// Package pipeline runs the detection loop: drain buffered input, cluster
// news into events, update velocity and sentiment windows, refresh baselines,
// scan for cross-stream correlations, and gate the combined evidence into
// alerts. All engine state is owned by the tick goroutine; readers get
// immutable snapshots.
package pipeline

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/elonfeng/pulseradar/internal/logger"
	"github.com/elonfeng/pulseradar/internal/store"
	"github.com/elonfeng/pulseradar/pkg/cluster"
	"github.com/elonfeng/pulseradar/pkg/correlate"
	"github.com/elonfeng/pulseradar/pkg/gate"
	"github.com/elonfeng/pulseradar/pkg/sink"
	"github.com/elonfeng/pulseradar/pkg/stream"
	"github.com/elonfeng/pulseradar/pkg/velocity"
)

// Options wires the pipeline together. Zero-value fields get defaults.
type Options struct {
	Clusterer  *cluster.Clusterer
	Mentions   *velocity.Tracker
	Sentiments *velocity.Tracker
	Rules      velocity.RuleTable
	Baselines  *velocity.Baselines
	Correlator *correlate.Engine
	Gate       *gate.Gate

	Store store.Store // nil runs memory-only
	Sinks *sink.Manager

	TickInterval   time.Duration
	Sigma          float64
	MaxClockSkew   time.Duration
	ShiftDelta     float64
	BaselineWindow time.Duration // window feeding the slow baselines
	PersistEvery   time.Duration // minimum spacing between store flushes
}

// Snapshot is the published state after a completed tick.
type Snapshot struct {
	Tick    uint64
	At      time.Time
	Events  []cluster.Event
	Metrics map[string][]velocity.Metrics
	Signals []correlate.Signal
	Alerts  []gate.Alert
}

// Pipeline owns every detection stage and advances them once per tick.
type Pipeline struct {
	clusterer  *cluster.Clusterer
	mentions   *velocity.Tracker
	sentiments *velocity.Tracker
	rules      velocity.RuleTable
	baselines  *velocity.Baselines
	correlator *correlate.Engine
	gate       *gate.Gate

	store   store.Store
	sinks   *sink.Manager
	limiter *rate.Limiter

	intake *stream.Intake

	tickInterval   time.Duration
	sigma          float64
	maxSkew        time.Duration
	shiftDelta     float64
	baselineWindow time.Duration

	lastValue map[string]float64 // last raw sample value per instrument
	titles    map[string]string  // event ID -> primary title
	touched   map[string]cluster.Event
	memos     map[string]sourceMemo

	mu   sync.RWMutex
	snap Snapshot
	tick uint64
}

// New assembles a pipeline from options.
func New(opts Options) *Pipeline {
	if opts.Clusterer == nil {
		opts.Clusterer = cluster.New(0, 0)
	}
	if opts.Mentions == nil {
		opts.Mentions = velocity.NewTracker(nil, 0)
	}
	if opts.Sentiments == nil {
		opts.Sentiments = velocity.NewTracker(nil, 0)
	}
	if opts.Baselines == nil {
		opts.Baselines = velocity.NewBaselines(0, 0, "")
	}
	if opts.Correlator == nil {
		opts.Correlator = correlate.New(correlate.Config{})
	}
	if opts.Gate == nil {
		opts.Gate = gate.New(0)
	}
	if opts.Sinks == nil {
		opts.Sinks = sink.NewManager()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if opts.Sigma <= 0 {
		opts.Sigma = 2.0
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = 48 * time.Hour
	}
	if opts.ShiftDelta <= 0 {
		opts.ShiftDelta = 1.0
	}
	if opts.BaselineWindow <= 0 {
		opts.BaselineWindow = time.Hour
	}
	if opts.PersistEvery <= 0 {
		opts.PersistEvery = time.Minute
	}

	return &Pipeline{
		clusterer:      opts.Clusterer,
		mentions:       opts.Mentions,
		sentiments:     opts.Sentiments,
		rules:          opts.Rules,
		baselines:      opts.Baselines,
		correlator:     opts.Correlator,
		gate:           opts.Gate,
		store:          opts.Store,
		sinks:          opts.Sinks,
		limiter:        rate.NewLimiter(rate.Every(opts.PersistEvery), 1),
		intake:         stream.NewIntake(),
		tickInterval:   opts.TickInterval,
		sigma:          opts.Sigma,
		maxSkew:        opts.MaxClockSkew,
		shiftDelta:     opts.ShiftDelta,
		baselineWindow: opts.BaselineWindow,
		lastValue:      make(map[string]float64),
		titles:         make(map[string]string),
		touched:        make(map[string]cluster.Event),
		memos:          make(map[string]sourceMemo),
	}
}

// Submit buffers a batch for the next tick. Safe for concurrent use.
func (p *Pipeline) Submit(b stream.Batch) {
	p.intake.Add(b)
}

// Snapshot returns the published state of the most recent completed tick.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Run drives the tick loop until ctx is cancelled. An immediate tick runs on
// start so buffered input is not delayed a full interval.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	logger.Info("pipeline: running (tick every %s)", p.tickInterval)
	if err := p.Tick(ctx, time.Now()); err != nil {
		logger.Warn("pipeline: initial tick: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("pipeline: stopped")
			return ctx.Err()
		case now := <-ticker.C:
			if err := p.Tick(ctx, now); err != nil {
				logger.Warn("pipeline: tick: %v", err)
			}
		}
	}
}

// fresh reports whether a timestamp is recent enough to count toward
// windowed statistics. Stale items are still clustered, just not counted.
func (p *Pipeline) fresh(ts, now time.Time) bool {
	if ts.Before(now.Add(-p.maxSkew)) {
		return false
	}
	return !ts.After(now.Add(10 * time.Minute))
}

// Tick processes one pass over the buffered input. Cancellation is checked
// before any engine state changes; once processing starts the tick runs to
// completion so internal state never observes a half-applied batch.
func (p *Pipeline) Tick(ctx context.Context, now time.Time) error {
	batch := p.intake.Drain()
	if err := ctx.Err(); err != nil {
		p.intake.Requeue(batch)
		return err
	}

	assignments := p.clusterer.Ingest(now, batch.Items)
	for _, as := range assignments {
		ev := as.Event
		p.titles[ev.ID] = ev.PrimaryTitle
		p.touched[ev.ID] = ev

		if !p.fresh(as.Item.PublishedAt, now) {
			logger.Debug("pipeline: item %s outside freshness window, clustered only", as.Item.ID)
			continue
		}

		key := stream.EventKey(ev.ID)
		p.mentions.Update(key, now, 1)
		p.correlator.Observe(key, now, 1)
		if score := p.rules.Score(as.Item.Title); score != 0 {
			p.sentiments.Update(key, now, score)
		}
	}

	for _, s := range batch.Samples {
		if s.Validate() != nil || !p.fresh(s.Timestamp, now) {
			continue
		}
		key := stream.InstrumentKey(s.InstrumentID)
		ks := key.String()
		last, seen := p.lastValue[ks]
		p.lastValue[ks] = s.Value
		if !seen {
			continue
		}
		delta := s.Value - last
		p.mentions.Update(key, now, math.Abs(delta))
		p.correlator.Observe(key, s.Timestamp, delta)
	}

	for _, pt := range batch.Points {
		p.mentions.Update(pt.Key, now, pt.Value)
		p.correlator.Observe(pt.Key, now, pt.Value)
	}

	p.mentions.Advance(now)
	p.sentiments.Advance(now)

	for _, key := range p.mentions.Keys() {
		if cur, _, ok := p.mentions.WindowValues(key, p.baselineWindow); ok {
			p.baselines.Observe(key, now, cur)
		}
	}

	signals := p.correlator.Detect(now)

	retired := p.clusterer.Sweep(now)
	for _, ev := range retired {
		p.touched[ev.ID] = ev
	}

	alerts := p.gate.Evaluate(now, p.collectEvidence(signals))

	// Refresh source memos after evaluation so the next tick compares
	// against this tick's mix.
	for id, ev := range p.touched {
		p.memos[id] = memoOf(ev)
	}

	// Retired events leave every per-event structure. The broadcast and
	// store upsert below are the last time they are seen; only the active
	// set stays resident.
	for _, ev := range retired {
		delete(p.titles, ev.ID)
		delete(p.memos, ev.ID)
		key := stream.EventKey(ev.ID)
		p.mentions.Forget(key)
		p.sentiments.Forget(key)
		p.correlator.Forget(key)
		p.baselines.Forget(key)
		p.gate.Forget(key)
	}

	metrics := make(map[string][]velocity.Metrics)
	for _, key := range p.mentions.Keys() {
		if m, ok := p.mentions.MetricsOf(key); ok {
			metrics[key.String()] = m
		}
	}

	p.mu.Lock()
	p.tick++
	p.snap = Snapshot{
		Tick:    p.tick,
		At:      now,
		Events:  p.clusterer.Events(),
		Metrics: metrics,
		Signals: signals,
		Alerts:  alerts,
	}
	snap := p.snap
	p.mu.Unlock()

	update := &sink.Update{
		Tick:    snap.Tick,
		At:      snap.At,
		Events:  snap.Events,
		Metrics: snap.Metrics,
		Signals: snap.Signals,
		Alerts:  snap.Alerts,
		Retired: retired,
	}
	if err := p.sinks.Broadcast(ctx, update); err != nil {
		logger.Warn("pipeline: broadcast: %v", err)
	}

	p.persist(ctx, now, alerts)
	return nil
}

// collectEvidence assembles the gate's view of every tracked key: anomaly
// status, confirmations, and baseline deviation.
func (p *Pipeline) collectEvidence(signals []correlate.Signal) []gate.Evidence {
	var evidence []gate.Evidence
	for _, key := range p.mentions.Keys() {
		met, anomalous := p.mentions.Anomaly(key, p.sigma)
		ev := gate.Evidence{
			Key:             key,
			VelocityAnomaly: anomalous,
			Velocity:        met,
		}
		if key.Kind == stream.KeyEvent {
			ev.Title = p.titles[key.ID]
		}
		if !anomalous {
			evidence = append(evidence, ev)
			continue
		}

		ev.Confirmations = p.confirmations(key, met.Window, signals)

		if cur, _, ok := p.mentions.WindowValues(key, p.baselineWindow); ok {
			if z, err := p.baselines.DeviationOf(key, cur); err == nil {
				ev.BaselineZ = z
				ev.BaselineOK = true
			}
		}
		evidence = append(evidence, ev)
	}
	return evidence
}

// sourceMemo remembers an event's source mix as of the previous tick so
// diversity and tier-1 confirmations trigger on change, not on level.
type sourceMemo struct {
	mainstream bool // majority of sources were tier 1/2
	tierOne    int  // tier-1 source count
	seen       bool
}

func memoOf(ev cluster.Event) sourceMemo {
	mainstream, tierOne := 0, 0
	for _, src := range ev.TopSources {
		if src.Tier <= 2 {
			mainstream++
		}
		if src.Tier == 1 {
			tierOne++
		}
	}
	return sourceMemo{
		mainstream: mainstream > len(ev.TopSources)-mainstream,
		tierOne:    tierOne,
		seen:       true,
	}
}

func (p *Pipeline) confirmations(key stream.Key, window time.Duration, signals []correlate.Signal) []gate.Confirmation {
	var confs []gate.Confirmation

	if cur, prev, ok := p.sentiments.WindowValues(key, window); ok {
		if velocity.Shift(prev, cur, p.shiftDelta) {
			confs = append(confs, gate.Confirmation{
				Kind:     gate.ConfirmSentimentShift,
				Strength: clamp01(math.Abs(cur-prev) / (2 * p.shiftDelta)),
				Detail:   "window sentiment moved",
			})
		}
	}

	if key.Kind == stream.KeyEvent {
		if ev, ok := p.touched[key.ID]; ok {
			prev := p.memos[key.ID]
			cur := memoOf(ev)
			if prev.seen && !prev.mainstream && cur.mainstream {
				confs = append(confs, gate.Confirmation{
					Kind:     gate.ConfirmSourceDiversity,
					Strength: clamp01(float64(len(ev.TopSources)) / 5),
					Detail:   "coverage flipped to mainstream majority",
				})
			}
			if prev.seen && cur.tierOne > prev.tierOne {
				confs = append(confs, gate.Confirmation{
					Kind:     gate.ConfirmTierOneSource,
					Strength: 1,
					Detail:   "tier-1 source joined coverage",
				})
			}
		}
	}

	for _, sig := range signals {
		if sig.Pattern == correlate.PatternDiverges {
			continue
		}
		if sig.StreamA == key || sig.StreamB == key {
			confs = append(confs, gate.Confirmation{
				Kind:     gate.ConfirmCorrelation,
				Strength: clamp01(math.Abs(sig.Strength)),
				Detail:   sig.StreamA.String() + " " + string(sig.Pattern) + " " + sig.StreamB.String(),
			})
			break
		}
	}
	return confs
}

// persist flushes touched state to the store. Failures degrade to warnings;
// the in-memory pipeline is the source of truth.
func (p *Pipeline) persist(ctx context.Context, now time.Time, alerts []gate.Alert) {
	if p.store == nil {
		// Nothing retains touched events without a store; drop them so a
		// memory-only run does not accumulate retired history.
		clear(p.touched)
		return
	}

	// Alerts always persist; the rest is rate limited.
	for _, a := range alerts {
		if err := p.store.RecordAlert(ctx, a); err != nil {
			logger.Warn("pipeline: persist alert %s: %v", a.ID, err)
		}
	}

	if !p.limiter.Allow() {
		return
	}

	for id, ev := range p.touched {
		if err := p.store.UpsertEvent(ctx, ev); err != nil {
			logger.Warn("pipeline: persist event %s: %v", id, err)
			continue
		}
		delete(p.touched, id)
	}

	for _, r := range p.baselines.Records() {
		if err := p.store.SaveBaseline(ctx, r); err != nil {
			logger.Warn("pipeline: persist baseline %s: %v", r.Key, err)
		}
	}

	for _, key := range p.mentions.Keys() {
		if met, ok := p.mentions.Anomaly(key, p.sigma); ok {
			if err := p.store.AddVelocityPoint(ctx, key, met, now); err != nil {
				logger.Warn("pipeline: persist velocity %s: %v", key, err)
			}
		}
	}

	p.mu.RLock()
	snap := p.snap
	p.mu.RUnlock()
	if data, err := json.Marshal(snap); err == nil {
		if err := p.store.SaveSnapshot(ctx, snap.Tick, now, data); err != nil {
			logger.Warn("pipeline: persist snapshot: %v", err)
		}
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
