package store

import (
	"sync"
	"time"

	"github.com/psantana5/cradle/pkg/models"
)

// MemoryStore is the default backend: everything lives in maps guarded
// by a single RWMutex. State does not survive a restart, which is often
// the point for a dead-man's switch.
type MemoryStore struct {
	mu          sync.RWMutex
	sources     map[string]*models.Source
	detonations []*models.DetonationEvent
	journal     []*models.JournalEntry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources: make(map[string]*models.Source),
	}
}

// SaveSource inserts or replaces a source record
func (s *MemoryStore) SaveSource(source *models.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *source
	s.sources[source.ID] = &cp
	return nil
}

// GetSource returns a source by ID
func (s *MemoryStore) GetSource(id string) (*models.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	source, ok := s.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *source
	return &cp, nil
}

// GetSourceByName returns a source by its registered name
func (s *MemoryStore) GetSourceByName(name string) (*models.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, source := range s.sources {
		if source.Name == name {
			cp := *source
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListSources returns all registered sources
func (s *MemoryStore) ListSources() ([]*models.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Source, 0, len(s.sources))
	for _, source := range s.sources {
		cp := *source
		out = append(out, &cp)
	}
	return out, nil
}

// UpdateSourceLastSeen updates the liveness fields of a source
func (s *MemoryStore) UpdateSourceLastSeen(id string, seen time.Time, feedCount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.sources[id]
	if !ok {
		return ErrNotFound
	}
	source.LastSeen = seen
	source.FeedCount = feedCount
	return nil
}

// DeleteSource removes a source
func (s *MemoryStore) DeleteSource(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sources[id]; !ok {
		return ErrNotFound
	}
	delete(s.sources, id)
	return nil
}

// SaveDetonation appends a detonation event
func (s *MemoryStore) SaveDetonation(event *models.DetonationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.detonations = append(s.detonations, &cp)
	return nil
}

// ListDetonations returns up to limit events, newest first
func (s *MemoryStore) ListDetonations(limit int) ([]*models.DetonationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.detonations)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*models.DetonationEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		cp := *s.detonations[i]
		out = append(out, &cp)
	}
	return out, nil
}

// JournalSignal appends a signal observation
func (s *MemoryStore) JournalSignal(signal *models.Signal, result models.SignalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal = append(s.journal, &models.JournalEntry{
		Signal:   *signal,
		Result:   result,
		LoggedAt: time.Now(),
	})
	return nil
}

// ListJournal returns up to limit entries for a source, newest first.
// An empty sourceID matches all sources.
func (s *MemoryStore) ListJournal(sourceID string, limit int) ([]*models.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.JournalEntry, 0, limit)
	for i := len(s.journal) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		entry := s.journal[i]
		if sourceID != "" && entry.Signal.SourceID != sourceID {
			continue
		}
		cp := *entry
		out = append(out, &cp)
	}
	return out, nil
}

// Close is a no-op for the memory backend
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck is a no-op for the memory backend
func (s *MemoryStore) HealthCheck() error {
	return nil
}
