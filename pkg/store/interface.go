package store

import (
	"errors"
	"time"

	"github.com/psantana5/cradle/pkg/models"
)

var (
	ErrNotFound            = errors.New("store: not found")
	ErrUnsupportedDatabase = errors.New("store: unsupported database type")
)

// Store persists the cradle's registry and history.
// Memory, SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Source registry
	SaveSource(source *models.Source) error
	GetSource(id string) (*models.Source, error)
	GetSourceByName(name string) (*models.Source, error)
	ListSources() ([]*models.Source, error)
	UpdateSourceLastSeen(id string, seen time.Time, feedCount uint64) error
	DeleteSource(id string) error

	// Detonation history
	SaveDetonation(event *models.DetonationEvent) error
	ListDetonations(limit int) ([]*models.DetonationEvent, error)

	// Signal journal, for post-mortem reconstruction
	JournalSignal(signal *models.Signal, result models.SignalResult) error
	ListJournal(sourceID string, limit int) ([]*models.JournalEntry, error)

	// Lifecycle
	Close() error
	HealthCheck() error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // connection string, or file path for sqlite

	// PostgreSQL connection pool tuning
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "sqlite":
		path := config.DSN
		if path == "" {
			path = "cradle.db"
		}
		return NewSQLiteStore(path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}
