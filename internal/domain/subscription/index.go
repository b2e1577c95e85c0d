package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/platform/logging"
	"github.com/ehr/subscriptions/internal/platform/resource"
)

// ResourceReader reads the latest stored version of a resource.
// resource.Store satisfies it.
type ResourceReader interface {
	Latest(ctx context.Context, resourceType, id string, forUpdate bool) (*resource.Entity, error)
	LatestByPID(ctx context.Context, pid uuid.UUID) (*resource.Entity, error)
}

// IndexManager keeps one index entry per live Subscription resource.
type IndexManager struct {
	repo      IndexRepository
	resources ResourceReader
	logger    zerolog.Logger
	now       func() time.Time
}

// NewIndexManager creates an IndexManager. resources is read to find the
// latest version of a subscription before its entry is touched.
func NewIndexManager(repo IndexRepository, resources ResourceReader, logger zerolog.Logger) *IndexManager {
	return &IndexManager{
		repo:      repo,
		resources: resources,
		logger:    logger.With().Str("component", "subscription-index").Logger(),
		now:       time.Now,
	}
}

// CreateEntry adds the index entry for a newly stored Subscription. It must
// run in the transaction that stored the resource.
func (m *IndexManager) CreateEntry(ctx context.Context, ref resource.Ref) (*IndexEntry, error) {
	e := &IndexEntry{
		ID:          uuid.New(),
		CreatedAt:   m.now().UTC().Truncate(time.Microsecond),
		ResourcePID: ref.PID,
	}
	if err := m.repo.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("create subscription index entry for %s: %w", ref.ID, err)
	}
	logging.FromContext(ctx, m.logger).Debug().
		Str("subscription", ref.ID).Str("index_entry", e.ID.String()).
		Msg("subscription index entry created")
	return e, nil
}

// FindEntry returns the index entry of the latest version of Subscription id.
// A missing resource or entry is reported as found == false.
func (m *IndexManager) FindEntry(ctx context.Context, id string) (*IndexEntry, bool, error) {
	latest, err := m.resources.Latest(ctx, ResourceType, id, false)
	if errors.Is(err, resource.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read subscription %s: %w", id, err)
	}

	e, err := m.repo.FindByResourcePID(ctx, latest.PID)
	if errors.Is(err, ErrIndexEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find subscription index entry for %s: %w", id, err)
	}
	return e, true, nil
}

// DeleteAllEntries removes every index entry of a deleted Subscription. The
// latest version visible in ctx must carry a deletion timestamp; anything
// else is an IndexInconsistencyError. Having no entry is not an error.
func (m *IndexManager) DeleteAllEntries(ctx context.Context, ref resource.Ref) error {
	log := logging.FromContext(ctx, m.logger)

	latest, err := m.resources.LatestByPID(ctx, ref.PID)
	if err != nil {
		return fmt.Errorf("read subscription %s: %w", ref.ID, err)
	}
	if !latest.IsDeleted() {
		ierr := &IndexInconsistencyError{ResourcePID: ref.PID, ID: ref.ID, Version: latest.Version}
		log.Error().Err(ierr).Msg("refusing to drop index entries of a live subscription")
		return ierr
	}

	if _, found, err := m.FindEntry(ctx, latest.ID); err != nil || !found {
		return err
	}

	n, err := m.repo.DeleteAllForResource(ctx, latest.PID)
	if err != nil {
		return fmt.Errorf("delete subscription index entries for %s: %w", ref.ID, err)
	}
	log.Debug().Str("subscription", ref.ID).Int64("removed", n).Msg("subscription index entries deleted")
	return nil
}
