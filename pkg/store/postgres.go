package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/psantana5/cradle/pkg/models"
)

// PostgresStore persists cradle state in PostgreSQL, for deployments
// where several operators need to query detonation history centrally.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects using the DSN in config
func NewPostgresStore(config Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT,
		type TEXT NOT NULL,
		labels JSONB,
		last_seen TIMESTAMPTZ,
		registered_at TIMESTAMPTZ,
		feed_count BIGINT DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sources_name ON sources(name);

	CREATE TABLE IF NOT EXISTS detonations (
		id TEXT PRIMARY KEY,
		fired_at TIMESTAMPTZ NOT NULL,
		reason TEXT NOT NULL,
		threshold TEXT,
		armed_since TIMESTAMPTZ,
		source_silence JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_detonations_fired_at ON detonations(fired_at);

	CREATE TABLE IF NOT EXISTS signal_journal (
		id BIGSERIAL PRIMARY KEY,
		source_id TEXT NOT NULL,
		signal_ts TIMESTAMPTZ NOT NULL,
		nonce BIGINT,
		payload JSONB,
		result TEXT NOT NULL,
		logged_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_journal_source ON signal_journal(source_id, logged_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

// SaveSource inserts or updates a source record
func (s *PostgresStore) SaveSource(source *models.Source) error {
	labels, err := json.Marshal(source.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sources (id, name, address, type, labels, last_seen, registered_at, feed_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			address = EXCLUDED.address,
			type = EXCLUDED.type,
			labels = EXCLUDED.labels,
			last_seen = EXCLUDED.last_seen,
			feed_count = EXCLUDED.feed_count`,
		source.ID, source.Name, source.Address, string(source.Type),
		string(labels), source.LastSeen, source.RegisteredAt, source.FeedCount)
	if err != nil {
		return fmt.Errorf("failed to save source: %w", err)
	}
	return nil
}

const pgSourceColumns = "id, name, address, type, labels, last_seen, registered_at, feed_count"

func (s *PostgresStore) scanSource(row interface{ Scan(...interface{}) error }) (*models.Source, error) {
	var src models.Source
	var typ string
	var labels []byte
	if err := row.Scan(&src.ID, &src.Name, &src.Address, &typ, &labels,
		&src.LastSeen, &src.RegisteredAt, &src.FeedCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan source: %w", err)
	}
	src.Type = models.SourceType(typ)
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &src.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	return &src, nil
}

// GetSource returns a source by ID
func (s *PostgresStore) GetSource(id string) (*models.Source, error) {
	row := s.db.QueryRow("SELECT "+pgSourceColumns+" FROM sources WHERE id = $1", id)
	return s.scanSource(row)
}

// GetSourceByName returns a source by its registered name
func (s *PostgresStore) GetSourceByName(name string) (*models.Source, error) {
	row := s.db.QueryRow("SELECT "+pgSourceColumns+" FROM sources WHERE name = $1", name)
	return s.scanSource(row)
}

// ListSources returns all registered sources
func (s *PostgresStore) ListSources() ([]*models.Source, error) {
	rows, err := s.db.Query("SELECT " + pgSourceColumns + " FROM sources ORDER BY registered_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var out []*models.Source
	for rows.Next() {
		src, err := s.scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// UpdateSourceLastSeen updates the liveness fields of a source
func (s *PostgresStore) UpdateSourceLastSeen(id string, seen time.Time, feedCount uint64) error {
	res, err := s.db.Exec("UPDATE sources SET last_seen = $1, feed_count = $2 WHERE id = $3",
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
func (s *PostgresStore) DeleteSource(id string) error {
	res, err := s.db.Exec("DELETE FROM sources WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveDetonation appends a detonation event
func (s *PostgresStore) SaveDetonation(event *models.DetonationEvent) error {
	silence, err := json.Marshal(event.SourceSilence)
	if err != nil {
		return fmt.Errorf("failed to marshal source silence: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO detonations (id, fired_at, reason, threshold, armed_since, source_silence)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.FiredAt, event.Reason, event.Threshold, event.ArmedSince, string(silence))
	if err != nil {
		return fmt.Errorf("failed to save detonation: %w", err)
	}
	return nil
}

// ListDetonations returns up to limit events, newest first
func (s *PostgresStore) ListDetonations(limit int) ([]*models.DetonationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, fired_at, reason, threshold, armed_since, source_silence
		FROM detonations ORDER BY fired_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list detonations: %w", err)
	}
	defer rows.Close()

	var out []*models.DetonationEvent
	for rows.Next() {
		var ev models.DetonationEvent
		var silence []byte
		if err := rows.Scan(&ev.ID, &ev.FiredAt, &ev.Reason, &ev.Threshold,
			&ev.ArmedSince, &silence); err != nil {
			return nil, fmt.Errorf("failed to scan detonation: %w", err)
		}
		if len(silence) > 0 {
			if err := json.Unmarshal(silence, &ev.SourceSilence); err != nil {
				return nil, fmt.Errorf("failed to unmarshal source silence: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// JournalSignal appends a signal observation
func (s *PostgresStore) JournalSignal(signal *models.Signal, result models.SignalResult) error {
	payload, err := json.Marshal(signal.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO signal_journal (source_id, signal_ts, nonce, payload, result, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		signal.SourceID, signal.Timestamp, signal.Nonce, string(payload), string(result), time.Now())
	if err != nil {
		return fmt.Errorf("failed to journal signal: %w", err)
	}
	return nil
}

// ListJournal returns up to limit entries for a source, newest first.
// An empty sourceID matches all sources.
func (s *PostgresStore) ListJournal(sourceID string, limit int) ([]*models.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if sourceID != "" {
		rows, err = s.db.Query(`
			SELECT source_id, signal_ts, nonce, payload, result, logged_at
			FROM signal_journal WHERE source_id = $1
			ORDER BY logged_at DESC LIMIT $2`, sourceID, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT source_id, signal_ts, nonce, payload, result, logged_at
			FROM signal_journal ORDER BY logged_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list journal: %w", err)
	}
	defer rows.Close()

	var out []*models.JournalEntry
	for rows.Next() {
		var entry models.JournalEntry
		var payload []byte
		var result string
		if err := rows.Scan(&entry.Signal.SourceID, &entry.Signal.Timestamp,
			&entry.Signal.Nonce, &payload, &result, &entry.LoggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entry.Result = models.SignalResult(result)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &entry.Signal.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database
func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}
