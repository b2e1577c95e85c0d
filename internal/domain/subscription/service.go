package subscription

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/platform/fhir"
	"github.com/ehr/subscriptions/internal/platform/logging"
	"github.com/ehr/subscriptions/internal/platform/resource"
)

// Service is the entry point for Subscription reads and writes. Writes go
// through the resource engine, which runs the LifecycleHook.
type Service struct {
	engine    *resource.Engine
	validator *Validator
	index     *IndexManager
	cache     IndexCache
	logger    zerolog.Logger
}

// NewService creates a new subscription service. A nil cache disables
// lookup caching.
func NewService(engine *resource.Engine, validator *Validator, index *IndexManager, cache IndexCache, logger zerolog.Logger) *Service {
	if cache == nil {
		cache = NopIndexCache{}
	}
	return &Service{engine: engine, validator: validator, index: index, cache: cache, logger: logger}
}

// Validate runs the write-time checks against body without storing it.
func (s *Service) Validate(body json.RawMessage) (fhir.ResourceType, error) {
	def, err := DecodeDefinition(body)
	if err != nil {
		return fhir.ResourceType{}, err
	}
	return s.validator.Validate(def)
}

// Create stores a new Subscription under a server-assigned id.
func (s *Service) Create(ctx context.Context, body json.RawMessage) (*resource.Entity, error) {
	return s.engine.Create(ctx, ResourceType, body)
}

// Update writes a new version of Subscription id, creating it when missing.
// Update writes a new version of Subscription id, creating it when absent.
// ifMatch of 0 makes the write unconditional.
func (s *Service) Update(ctx context.Context, id string, body json.RawMessage, ifMatch int) (*resource.Entity, bool, error) {
	return s.engine.Update(ctx, ResourceType, id, body, ifMatch)
}

// Delete logically deletes Subscription id. The cached index lookup is
// dropped only after the deletion has committed, so a concurrent lookup
// cannot put the old entry back for the rest of its TTL.
func (s *Service) Delete(ctx context.Context, id string) (*resource.Entity, error) {
	ent, err := s.engine.Delete(ctx, ResourceType, id)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		logging.FromContext(ctx, s.logger).Warn().Err(err).Str("subscription", id).
			Msg("index cache invalidation failed")
	}
	return ent, nil
}

// Read returns the current version of Subscription id.
func (s *Service) Read(ctx context.Context, id string) (*resource.Entity, error) {
	return s.engine.Read(ctx, ResourceType, id)
}

// VRead returns one historical version.
func (s *Service) VRead(ctx context.Context, id string, version int) (*resource.Revision, error) {
	return s.engine.VRead(ctx, ResourceType, id, version)
}

// History returns every version of Subscription id, newest first.
func (s *Service) History(ctx context.Context, id string) ([]resource.Revision, error) {
	return s.engine.History(ctx, ResourceType, id)
}

// Search pages through live subscriptions and reports the total.
func (s *Service) Search(ctx context.Context, limit, offset int) ([]*resource.Entity, int, error) {
	return s.engine.Search(ctx, ResourceType, limit, offset)
}

// LookupIndexEntryID returns the index entry id of Subscription id for the
// delivery subsystem. found is false when the subscription is missing,
// deleted, or not indexed.
func (s *Service) LookupIndexEntryID(ctx context.Context, id string) (uuid.UUID, bool, error) {
	log := logging.FromContext(ctx, s.logger)

	if entryID, ok, err := s.cache.Get(ctx, id); err != nil {
		log.Warn().Err(err).Str("subscription", id).Msg("index cache read failed")
	} else if ok {
		return entryID, true, nil
	}

	e, found, err := s.index.FindEntry(ctx, id)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lookup index entry: %w", err)
	}
	if !found {
		return uuid.Nil, false, nil
	}
	if err := s.cache.Set(ctx, id, e.ID); err != nil {
		log.Warn().Err(err).Str("subscription", id).Msg("index cache write failed")
	}
	return e.ID, true, nil
}
