package deferral

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps deferred entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Entry]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Entry]time.Time)}
}

func (s *MemoryStore) Defer(_ context.Context, entry Entry, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry] = at

	return nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type scheduled struct {
		entry Entry
		at    time.Time
	}

	due := make([]scheduled, 0)

	for entry, at := range s.entries {
		if !at.After(now) {
			due = append(due, scheduled{entry: entry, at: at})
		}
	}

	slices.SortFunc(due, func(a, b scheduled) int {
		return cmp.Or(a.at.Compare(b.at), cmp.Compare(a.entry.TaskID, b.entry.TaskID))
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Entry, 0, len(due))
	for _, d := range due {
		delete(s.entries, d.entry)
		out = append(out, d.entry)
	}

	return out, nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
