package store

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id            TEXT PRIMARY KEY,
    primary_title TEXT NOT NULL,
    member_ids    TEXT NOT NULL DEFAULT '[]',
    top_sources   TEXT NOT NULL DEFAULT '[]',
    source_count  INTEGER NOT NULL DEFAULT 0,
    first_seen    DATETIME NOT NULL,
    last_updated  DATETIME NOT NULL,
    retired       BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_events_updated ON events(last_updated);
CREATE INDEX IF NOT EXISTS idx_events_retired ON events(retired);

CREATE TABLE IF NOT EXISTS baselines (
    key               TEXT PRIMARY KEY,
    seven_day_mean    REAL NOT NULL DEFAULT 0,
    seven_day_stddev  REAL NOT NULL DEFAULT 0,
    thirty_day_mean   REAL NOT NULL DEFAULT 0,
    thirty_day_stddev REAL NOT NULL DEFAULT 0,
    samples           INTEGER NOT NULL DEFAULT 0,
    last_updated      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS velocity_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    key         TEXT NOT NULL,
    window_secs INTEGER NOT NULL,
    count       REAL NOT NULL,
    z_score     REAL NOT NULL,
    recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_velocity_key ON velocity_history(key);
CREATE INDEX IF NOT EXISTS idx_velocity_recorded ON velocity_history(recorded_at);

CREATE TABLE IF NOT EXISTS alerts (
    id            TEXT PRIMARY KEY,
    key           TEXT NOT NULL,
    title         TEXT NOT NULL DEFAULT '',
    velocity_z    REAL NOT NULL DEFAULT 0,
    window_secs   INTEGER NOT NULL DEFAULT 0,
    confirmations TEXT NOT NULL DEFAULT '[]',
    confidence    REAL NOT NULL DEFAULT 0,
    created_at    DATETIME NOT NULL,
    suppressed_until DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_key ON alerts(key);
CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);

CREATE TABLE IF NOT EXISTS snapshots (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    tick     INTEGER NOT NULL,
    taken_at DATETIME NOT NULL,
    data     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_taken ON snapshots(taken_at);
`
