package triage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process event store for running without PostgreSQL.
// It enforces the same version check as the database.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]*Event
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]*Event)}
}

// Save appends the aggregate's uncommitted events
func (s *MemoryStore) Save(_ context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.events[agg.ID()]
	base := agg.Version() - len(changes)
	if len(stored) != base {
		if base == 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, agg.ID())
		}
		return fmt.Errorf("%w: %s at version %d", ErrConcurrentUpdate, agg.ID(), base+1)
	}

	for i, event := range changes {
		event.Version = base + i + 1
		copied := *event
		stored = append(stored, &copied)
	}
	s.events[agg.ID()] = stored

	agg.ClearChanges()
	return nil
}

// Load rebuilds an aggregate by ID
func (s *MemoryStore) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, err := s.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return agg, nil
}

// GetEvents returns copies of the stored events for an aggregate
func (s *MemoryStore) GetEvents(_ context.Context, id string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[id]
	out := make([]*Event, len(stored))
	for i, e := range stored {
		copied := *e
		out[i] = &copied
	}
	return out, nil
}

// RecentPatientIDs returns ids ordered by their latest event, newest first
func (s *MemoryStore) RecentPatientIDs(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	latest := func(id string) int64 {
		evs := s.events[id]
		return evs[len(evs)-1].Timestamp.UnixNano()
	}
	sort.Slice(ids, func(i, j int) bool { return latest(ids[i]) > latest(ids[j]) })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
