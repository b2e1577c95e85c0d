package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/platform/fhir"
	"github.com/ehr/subscriptions/internal/platform/resource"
)

// -- Test wiring --

type fixture struct {
	store  *resource.MemoryStore
	tx     *resource.MemoryTxRunner
	engine *resource.Engine
	repo   *faultyIndexRepo
	index  *IndexManager
	svc    *Service
}

func newFixture(t *testing.T, cache IndexCache) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	f := &fixture{
		store: resource.NewMemoryStore(),
		tx:    resource.NewMemoryTxRunner(),
		repo:  &faultyIndexRepo{IndexRepository: NewIndexRepoMemory()},
	}
	f.engine = resource.NewEngine(f.store, f.tx, logger)
	f.engine.Register("Patient", nil)
	f.engine.Register("Observation", nil)

	f.index = NewIndexManager(f.repo, f.store, logger)
	validator := NewValidator(fhir.DefaultTypeRegistry(), f.engine, fhir.Encodings{})
	f.engine.Register(ResourceType, NewLifecycleHook(validator, f.index, logger))
	f.svc = NewService(f.engine, validator, f.index, cache, logger)
	return f
}

// entryCount reports how many index rows reference pid.
func (f *fixture) entryCount(t *testing.T, pid uuid.UUID) int {
	t.Helper()
	mem := f.repo.IndexRepository.(*indexRepoMemory)
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	n := 0
	for _, e := range mem.entries {
		if e.ResourcePID == pid {
			n++
		}
	}
	return n
}

// faultyIndexRepo wraps a repository and fails the operations that have an
// error configured. With commitDeletes set, deletes made inside a transaction
// only land once it commits, as they would under read committed.
type faultyIndexRepo struct {
	IndexRepository
	insertErr     error
	deleteErr     error
	commitDeletes bool
}

func (r *faultyIndexRepo) Insert(ctx context.Context, e *IndexEntry) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	return r.IndexRepository.Insert(ctx, e)
}

func (r *faultyIndexRepo) DeleteAllForResource(ctx context.Context, pid uuid.UUID) (int64, error) {
	if r.deleteErr != nil {
		return 0, r.deleteErr
	}
	if r.commitDeletes {
		resource.OnCommit(ctx, func() {
			_, _ = r.IndexRepository.DeleteAllForResource(context.Background(), pid)
		})
		return 0, nil
	}
	return r.IndexRepository.DeleteAllForResource(ctx, pid)
}

var errInjected = errors.New("injected failure")

func subscriptionBody(t *testing.T, criteria string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"resourceType": "Subscription",
		"status":       "active",
		"reason":       "test",
		"criteria":     criteria,
		"channel": map[string]interface{}{
			"type":     "rest-hook",
			"endpoint": "http://x",
			"payload":  "application/fhir+json",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}
