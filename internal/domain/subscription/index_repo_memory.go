package subscription

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/subscriptions/internal/platform/resource"
)

type indexRepoMemory struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*IndexEntry
}

// NewIndexRepoMemory creates an in-memory index repository. Writes are undone
// when the surrounding resource.MemoryTxRunner transaction rolls back.
func NewIndexRepoMemory() IndexRepository {
	return &indexRepoMemory{entries: make(map[uuid.UUID]*IndexEntry)}
}

func (r *indexRepoMemory) Insert(ctx context.Context, e *IndexEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *e
	r.entries[e.ID] = &cp
	resource.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.entries, cp.ID)
	})
	return nil
}

func (r *indexRepoMemory) FindByResourcePID(_ context.Context, pid uuid.UUID) (*IndexEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found []*IndexEntry
	for _, e := range r.entries {
		if e.ResourcePID == pid {
			found = append(found, e)
		}
	}
	if len(found) == 0 {
		return nil, ErrIndexEntryNotFound
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].CreatedAt.Equal(found[j].CreatedAt) {
			return found[i].ID.String() < found[j].ID.String()
		}
		return found[i].CreatedAt.Before(found[j].CreatedAt)
	})
	cp := *found[0]
	return &cp, nil
}

func (r *indexRepoMemory) DeleteAllForResource(ctx context.Context, pid uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []IndexEntry
	for id, e := range r.entries {
		if e.ResourcePID == pid {
			removed = append(removed, *e)
			delete(r.entries, id)
		}
	}
	resource.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i := range removed {
			e := removed[i]
			r.entries[e.ID] = &e
		}
	})
	return int64(len(removed)), nil
}

func (r *indexRepoMemory) ResourcePIDs(context.Context) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[uuid.UUID]bool)
	var pids []uuid.UUID
	for _, e := range r.entries {
		if !seen[e.ResourcePID] {
			seen[e.ResourcePID] = true
			pids = append(pids, e.ResourcePID)
		}
	}
	return pids, nil
}
