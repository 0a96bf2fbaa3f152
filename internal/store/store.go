// Package store persists events, baselines, velocity history, and alerts to
// SQLite. Persistence is best effort: the pipeline runs entirely in memory
// and treats the store as a durability layer, not a dependency.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/elonfeng/pulseradar/pkg/cluster"
	"github.com/elonfeng/pulseradar/pkg/gate"
	"github.com/elonfeng/pulseradar/pkg/stream"
	"github.com/elonfeng/pulseradar/pkg/velocity"
)

// EventRow is the persisted form of a clustered event.
type EventRow struct {
	ID           string    `db:"id"`
	PrimaryTitle string    `db:"primary_title"`
	MemberIDs    string    `db:"member_ids"`
	TopSources   string    `db:"top_sources"`
	SourceCount  int       `db:"source_count"`
	FirstSeen    time.Time `db:"first_seen"`
	LastUpdated  time.Time `db:"last_updated"`
	Retired      bool      `db:"retired"`
}

// AlertRow is the persisted form of a fired alert.
type AlertRow struct {
	ID              string    `db:"id"`
	Key             string    `db:"key"`
	Title           string    `db:"title"`
	VelocityZ       float64   `db:"velocity_z"`
	WindowSecs      int64     `db:"window_secs"`
	Confirmations   string    `db:"confirmations"`
	Confidence      float64   `db:"confidence"`
	CreatedAt       time.Time `db:"created_at"`
	SuppressedUntil time.Time `db:"suppressed_until"`
}

// VelocityRow is one persisted velocity observation.
type VelocityRow struct {
	ID         int64     `db:"id"`
	Key        string    `db:"key"`
	WindowSecs int64     `db:"window_secs"`
	Count      float64   `db:"count"`
	ZScore     float64   `db:"z_score"`
	RecordedAt time.Time `db:"recorded_at"`
}

// AlertListOpts controls alert listing.
type AlertListOpts struct {
	Key   string
	Since time.Time
	Limit int
}

// Store is the persistence interface.
type Store interface {
	UpsertEvent(ctx context.Context, ev cluster.Event) error
	ListEvents(ctx context.Context, includeRetired bool, limit int) ([]cluster.Event, error)

	SaveBaseline(ctx context.Context, r velocity.Record) error
	ListBaselines(ctx context.Context) ([]velocity.Record, error)

	AddVelocityPoint(ctx context.Context, key stream.Key, m velocity.Metrics, at time.Time) error
	VelocityHistory(ctx context.Context, key stream.Key, since time.Time) ([]VelocityRow, error)

	RecordAlert(ctx context.Context, a gate.Alert) error
	ListAlerts(ctx context.Context, opts AlertListOpts) ([]gate.Alert, error)

	SaveSnapshot(ctx context.Context, tick uint64, at time.Time, data []byte) error
	LatestSnapshot(ctx context.Context) (SnapshotRow, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertEvent(ctx context.Context, ev cluster.Event) error {
	memberJSON, _ := json.Marshal(ev.MemberIDs)
	sourcesJSON, _ := json.Marshal(ev.TopSources)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, primary_title, member_ids, top_sources, source_count, first_seen, last_updated, retired)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			primary_title = excluded.primary_title,
			member_ids = excluded.member_ids,
			top_sources = excluded.top_sources,
			source_count = excluded.source_count,
			last_updated = excluded.last_updated,
			retired = excluded.retired
	`, ev.ID, ev.PrimaryTitle, string(memberJSON), string(sourcesJSON),
		ev.SourceCount, ev.FirstSeen, ev.LastUpdated, ev.Retired)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, includeRetired bool, limit int) ([]cluster.Event, error) {
	query := "SELECT * FROM events WHERE 1=1"
	if !includeRetired {
		query += " AND retired = 0"
	}
	query += " ORDER BY last_updated DESC"

	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"

	var rows []EventRow
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]cluster.Event, 0, len(rows))
	for _, r := range rows {
		ev := cluster.Event{
			ID:           r.ID,
			PrimaryTitle: r.PrimaryTitle,
			SourceCount:  r.SourceCount,
			FirstSeen:    r.FirstSeen,
			LastUpdated:  r.LastUpdated,
			Retired:      r.Retired,
		}
		json.Unmarshal([]byte(r.MemberIDs), &ev.MemberIDs)
		json.Unmarshal([]byte(r.TopSources), &ev.TopSources)
		events = append(events, ev)
	}
	return events, nil
}

func (s *SQLiteStore) SaveBaseline(ctx context.Context, r velocity.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO baselines (key, seven_day_mean, seven_day_stddev, thirty_day_mean, thirty_day_stddev, samples, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			seven_day_mean = excluded.seven_day_mean,
			seven_day_stddev = excluded.seven_day_stddev,
			thirty_day_mean = excluded.thirty_day_mean,
			thirty_day_stddev = excluded.thirty_day_stddev,
			samples = excluded.samples,
			last_updated = excluded.last_updated
	`, r.Key.String(), r.SevenDayMean, r.SevenDayStdDev,
		r.ThirtyDayMean, r.ThirtyDayStdDev, r.Samples, r.LastUpdated)
	if err != nil {
		return fmt.Errorf("save baseline %s: %w", r.Key, err)
	}
	return nil
}

type baselineRow struct {
	Key             string    `db:"key"`
	SevenDayMean    float64   `db:"seven_day_mean"`
	SevenDayStdDev  float64   `db:"seven_day_stddev"`
	ThirtyDayMean   float64   `db:"thirty_day_mean"`
	ThirtyDayStdDev float64   `db:"thirty_day_stddev"`
	Samples         int       `db:"samples"`
	LastUpdated     time.Time `db:"last_updated"`
}

func (s *SQLiteStore) ListBaselines(ctx context.Context) ([]velocity.Record, error) {
	var rows []baselineRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM baselines ORDER BY key"); err != nil {
		return nil, fmt.Errorf("list baselines: %w", err)
	}

	records := make([]velocity.Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, velocity.Record{
			Key:             parseKey(r.Key),
			SevenDayMean:    r.SevenDayMean,
			SevenDayStdDev:  r.SevenDayStdDev,
			ThirtyDayMean:   r.ThirtyDayMean,
			ThirtyDayStdDev: r.ThirtyDayStdDev,
			Samples:         r.Samples,
			LastUpdated:     r.LastUpdated,
		})
	}
	return records, nil
}

func (s *SQLiteStore) AddVelocityPoint(ctx context.Context, key stream.Key, m velocity.Metrics, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO velocity_history (key, window_secs, count, z_score, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, key.String(), int64(m.Window.Seconds()), m.Count, m.Z, at)
	if err != nil {
		return fmt.Errorf("add velocity point %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) VelocityHistory(ctx context.Context, key stream.Key, since time.Time) ([]VelocityRow, error) {
	var rows []VelocityRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM velocity_history WHERE key = ? AND recorded_at >= ? ORDER BY recorded_at",
		key.String(), since)
	if err != nil {
		return nil, fmt.Errorf("velocity history %s: %w", key, err)
	}
	return rows, nil
}

func (s *SQLiteStore) RecordAlert(ctx context.Context, a gate.Alert) error {
	confJSON, _ := json.Marshal(a.Confirmations)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, key, title, velocity_z, window_secs, confirmations, confidence, created_at, suppressed_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, a.ID, a.Key.String(), a.Title, a.VelocityZ, int64(a.Window.Seconds()),
		string(confJSON), a.Confidence, a.CreatedAt, a.SuppressedUntil)
	if err != nil {
		return fmt.Errorf("record alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, opts AlertListOpts) ([]gate.Alert, error) {
	query := "SELECT * FROM alerts WHERE 1=1"
	var args []any

	if opts.Key != "" {
		query += " AND key = ?"
		args = append(args, opts.Key)
	}
	if !opts.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, opts.Since)
	}

	query += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var rows []AlertRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	alerts := make([]gate.Alert, 0, len(rows))
	for _, r := range rows {
		a := gate.Alert{
			ID:              r.ID,
			Key:             parseKey(r.Key),
			Title:           r.Title,
			VelocityZ:       r.VelocityZ,
			Window:          time.Duration(r.WindowSecs) * time.Second,
			Confidence:      r.Confidence,
			CreatedAt:       r.CreatedAt,
			SuppressedUntil: r.SuppressedUntil,
		}
		json.Unmarshal([]byte(r.Confirmations), &a.Confirmations)
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// SnapshotRow is one persisted pipeline snapshot.
type SnapshotRow struct {
	ID      int64     `db:"id"`
	Tick    uint64    `db:"tick"`
	TakenAt time.Time `db:"taken_at"`
	Data    []byte    `db:"data"`
}

// snapshotKeep bounds how many historical snapshots are retained.
const snapshotKeep = 48

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, tick uint64, at time.Time, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (tick, taken_at, data) VALUES (?, ?, ?)
	`, tick, at, data)
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", tick, err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT ?)
	`, snapshotKeep)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (SnapshotRow, error) {
	var row SnapshotRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM snapshots ORDER BY id DESC LIMIT 1")
	if err != nil {
		return SnapshotRow{}, fmt.Errorf("latest snapshot: %w", err)
	}
	return row, nil
}

// parseKey rebuilds a stream key from its "kind:id" string form.
func parseKey(s string) stream.Key {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return stream.Key{Kind: stream.KeyMonitor, ID: s}
	}
	return stream.Key{Kind: stream.KeyKind(kind), ID: id}
}
