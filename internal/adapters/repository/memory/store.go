package memory

import (
	"context"
	"sync"

	"crawlfleet/internal/core/domain"
)

// Store keeps the latest snapshot in process memory. State does not survive
// a restart; it is the default when neither Postgres nor Redis is set.
type Store struct {
	mu   sync.Mutex
	snap *domain.Snapshot
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Load(context.Context) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return &domain.Snapshot{}, nil
	}
	return s.snap.Clone(), nil
}

func (s *Store) Save(_ context.Context, snap *domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap.Clone()
	return nil
}
