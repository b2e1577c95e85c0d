package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memKey struct{ typ, id string }

// MemoryStore keeps resources in process memory. Pair it with a
// MemoryTxRunner so failed writes are undone.
type MemoryStore struct {
	mu      sync.RWMutex
	latest  map[memKey]*Entity
	byPID   map[uuid.UUID]memKey
	history map[uuid.UUID][]Revision
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		latest:  make(map[memKey]*Entity),
		byPID:   make(map[uuid.UUID]memKey),
		history: make(map[uuid.UUID][]Revision),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, e *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{e.Type, e.ID}
	if _, ok := s.latest[k]; ok {
		return fmt.Errorf("insert %s/%s: already exists", e.Type, e.ID)
	}
	s.latest[k] = e.clone()
	s.byPID[e.PID] = k
	s.history[e.PID] = []Revision{{Entity: *e.clone(), Action: "create"}}

	OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.latest, k)
		delete(s.byPID, e.PID)
		delete(s.history, e.PID)
	})
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, e *Entity, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{e.Type, e.ID}
	prev, ok := s.latest[k]
	if !ok || prev.PID != e.PID {
		return ErrNotFound
	}
	if e.Version != prev.Version+1 {
		return ErrVersionConflict
	}
	s.latest[k] = e.clone()
	s.history[e.PID] = append(s.history[e.PID], Revision{Entity: *e.clone(), Action: action})

	OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.latest[k] = prev
		h := s.history[prev.PID]
		s.history[prev.PID] = h[:len(h)-1]
	})
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, resourceType, id string, _ bool) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.latest[memKey{resourceType, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (s *MemoryStore) LatestByPID(_ context.Context, pid uuid.UUID) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byPID[pid]
	if !ok {
		return nil, ErrNotFound
	}
	return s.latest[k].clone(), nil
}

func (s *MemoryStore) Version(_ context.Context, resourceType, id string, version int) (*Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.latest[memKey{resourceType, id}]
	if !ok {
		return nil, ErrNotFound
	}
	for _, rev := range s.history[e.PID] {
		if rev.Version == version {
			return &Revision{Entity: *rev.Entity.clone(), Action: rev.Action}, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) History(_ context.Context, resourceType, id string) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.latest[memKey{resourceType, id}]
	if !ok {
		return nil, ErrNotFound
	}
	h := s.history[e.PID]
	out := make([]Revision, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		out = append(out, Revision{Entity: *h[i].Entity.clone(), Action: h[i].Action})
	}
	return out, nil
}

func (s *MemoryStore) Search(_ context.Context, resourceType string, limit, offset int) ([]*Entity, int, error) {
	s.mu.RLock()
	var live []*Entity
	for k, e := range s.latest {
		if k.typ == resourceType && !e.IsDeleted() {
			live = append(live, e.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool {
		if live[i].UpdatedAt.Equal(live[j].UpdatedAt) {
			return live[i].ID < live[j].ID
		}
		return live[i].UpdatedAt.After(live[j].UpdatedAt)
	})

	total := len(live)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return live[offset:end], total, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
