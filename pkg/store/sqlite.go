package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/cradle/pkg/models"
)

// SQLiteStore persists cradle state in a local SQLite file. WAL mode and
// a single connection keep writers from tripping over SQLITE_BUSY.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT,
		type TEXT NOT NULL,
		labels TEXT,
		last_seen TIMESTAMP,
		registered_at TIMESTAMP,
		feed_count INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sources_name ON sources(name);

	CREATE TABLE IF NOT EXISTS detonations (
		id TEXT PRIMARY KEY,
		fired_at TIMESTAMP NOT NULL,
		reason TEXT NOT NULL,
		threshold TEXT,
		armed_since TIMESTAMP,
		source_silence TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_detonations_fired_at ON detonations(fired_at);

	CREATE TABLE IF NOT EXISTS signal_journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL,
		signal_ts TIMESTAMP NOT NULL,
		nonce INTEGER,
		payload TEXT,
		result TEXT NOT NULL,
		logged_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_journal_source ON signal_journal(source_id, logged_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

// SaveSource inserts or replaces a source record
func (s *SQLiteStore) SaveSource(source *models.Source) error {
	labels, err := json.Marshal(source.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO sources (id, name, address, type, labels, last_seen, registered_at, feed_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		source.ID, source.Name, source.Address, string(source.Type),
		string(labels), source.LastSeen, source.RegisteredAt, source.FeedCount)
	if err != nil {
		return fmt.Errorf("failed to save source: %w", err)
	}
	return nil
}

func scanSource(row interface{ Scan(...interface{}) error }) (*models.Source, error) {
	var src models.Source
	var typ, labels string
	if err := row.Scan(&src.ID, &src.Name, &src.Address, &typ, &labels,
		&src.LastSeen, &src.RegisteredAt, &src.FeedCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan source: %w", err)
	}
	src.Type = models.SourceType(typ)
	if labels != "" && labels != "null" {
		if err := json.Unmarshal([]byte(labels), &src.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	return &src, nil
}

const sourceColumns = "id, name, address, type, labels, last_seen, registered_at, feed_count"

// GetSource returns a source by ID
func (s *SQLiteStore) GetSource(id string) (*models.Source, error) {
	row := s.db.QueryRow("SELECT "+sourceColumns+" FROM sources WHERE id = ?", id)
	return scanSource(row)
}

// GetSourceByName returns a source by its registered name
func (s *SQLiteStore) GetSourceByName(name string) (*models.Source, error) {
	row := s.db.QueryRow("SELECT "+sourceColumns+" FROM sources WHERE name = ?", name)
	return scanSource(row)
}

// ListSources returns all registered sources
func (s *SQLiteStore) ListSources() ([]*models.Source, error) {
	rows, err := s.db.Query("SELECT " + sourceColumns + " FROM sources ORDER BY registered_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var out []*models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// UpdateSourceLastSeen updates the liveness fields of a source
func (s *SQLiteStore) UpdateSourceLastSeen(id string, seen time.Time, feedCount uint64) error {
	res, err := s.db.Exec("UPDATE sources SET last_seen = ?, feed_count = ? WHERE id = ?",
		seen, feedCount, id)
	if err != nil {
		return fmt.Errorf("failed to update source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSource removes a source
func (s *SQLiteStore) DeleteSource(id string) error {
	res, err := s.db.Exec("DELETE FROM sources WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveDetonation appends a detonation event
func (s *SQLiteStore) SaveDetonation(event *models.DetonationEvent) error {
	silence, err := json.Marshal(event.SourceSilence)
	if err != nil {
		return fmt.Errorf("failed to marshal source silence: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO detonations (id, fired_at, reason, threshold, armed_since, source_silence)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.FiredAt, event.Reason, event.Threshold, event.ArmedSince, string(silence))
	if err != nil {
		return fmt.Errorf("failed to save detonation: %w", err)
	}
	return nil
}

// ListDetonations returns up to limit events, newest first
func (s *SQLiteStore) ListDetonations(limit int) ([]*models.DetonationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, fired_at, reason, threshold, armed_since, source_silence
		FROM detonations ORDER BY fired_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list detonations: %w", err)
	}
	defer rows.Close()

	var out []*models.DetonationEvent
	for rows.Next() {
		var ev models.DetonationEvent
		var silence string
		if err := rows.Scan(&ev.ID, &ev.FiredAt, &ev.Reason, &ev.Threshold,
			&ev.ArmedSince, &silence); err != nil {
			return nil, fmt.Errorf("failed to scan detonation: %w", err)
		}
		if silence != "" && silence != "null" {
			if err := json.Unmarshal([]byte(silence), &ev.SourceSilence); err != nil {
				return nil, fmt.Errorf("failed to unmarshal source silence: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// JournalSignal appends a signal observation
func (s *SQLiteStore) JournalSignal(signal *models.Signal, result models.SignalResult) error {
	payload, err := json.Marshal(signal.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO signal_journal (source_id, signal_ts, nonce, payload, result, logged_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		signal.SourceID, signal.Timestamp, signal.Nonce, string(payload), string(result), time.Now())
	if err != nil {
		return fmt.Errorf("failed to journal signal: %w", err)
	}
	return nil
}

// ListJournal returns up to limit entries for a source, newest first.
// An empty sourceID matches all sources.
func (s *SQLiteStore) ListJournal(sourceID string, limit int) ([]*models.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT source_id, signal_ts, nonce, payload, result, logged_at
		FROM signal_journal`
	args := []interface{}{}
	if sourceID != "" {
		query += " WHERE source_id = ?"
		args = append(args, sourceID)
	}
	query += " ORDER BY logged_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal: %w", err)
	}
	defer rows.Close()

	var out []*models.JournalEntry
	for rows.Next() {
		var entry models.JournalEntry
		var payload, result string
		if err := rows.Scan(&entry.Signal.SourceID, &entry.Signal.Timestamp,
			&entry.Signal.Nonce, &payload, &result, &entry.LoggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entry.Result = models.SignalResult(result)
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &entry.Signal.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}
