package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/platform/resource"
)

// Sweeper removes index entries left behind for subscriptions that are
// deleted or no longer exist.
type Sweeper struct {
	repo      IndexRepository
	resources ResourceReader
	index     *IndexManager
	tx        resource.TxRunner
	cache     IndexCache
	logger    zerolog.Logger
}

// NewSweeper creates a Sweeper. A nil cache means there is nothing to
// invalidate.
func NewSweeper(repo IndexRepository, resources ResourceReader, index *IndexManager, tx resource.TxRunner, cache IndexCache, logger zerolog.Logger) *Sweeper {
	if cache == nil {
		cache = NopIndexCache{}
	}
	return &Sweeper{
		repo:      repo,
		resources: resources,
		index:     index,
		tx:        tx,
		cache:     cache,
		logger:    logger.With().Str("component", "subscription-sweeper").Logger(),
	}
}

// Sweep runs one pass, one transaction per stale resource, and returns how
// many resources were cleaned. Failures do not stop the pass; they are
// returned together.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	pids, err := s.repo.ResourcePIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list indexed subscriptions: %w", err)
	}

	var (
		errs  *multierror.Error
		swept int
	)
	for _, pid := range pids {
		cleaned, err := s.sweepOne(ctx, pid)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("sweep %s: %w", pid, err))
			continue
		}
		if cleaned {
			swept++
		}
	}
	return swept, errs.ErrorOrNil()
}

func (s *Sweeper) sweepOne(ctx context.Context, pid uuid.UUID) (bool, error) {
	var (
		cleaned bool
		id      string
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		latest, err := s.resources.LatestByPID(ctx, pid)
		if errors.Is(err, resource.ErrNotFound) {
			n, err := s.repo.DeleteAllForResource(ctx, pid)
			cleaned = n > 0
			return err
		}
		if err != nil {
			return err
		}
		if !latest.IsDeleted() {
			return nil
		}
		cleaned, id = true, latest.ID
		return s.index.DeleteAllEntries(ctx, latest.Ref())
	})
	if err != nil {
		return false, err
	}
	if id != "" {
		if err := s.cache.Invalidate(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("subscription", id).Msg("index cache invalidation failed")
		}
	}
	return cleaned, nil
}

// Start schedules Sweep every interval and starts the scheduler. Callers
// shut it down with Shutdown.
func (s *Sweeper) Start(interval time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("cannot create sweep scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			n, err := s.Sweep(context.Background())
			if err != nil {
				s.logger.Error().Err(err).Int("swept", n).Msg("subscription index sweep failed")
				return
			}
			if n > 0 {
				s.logger.Info().Int("swept", n).Msg("stale subscription index entries removed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create sweep job: %w", err)
	}
	sched.Start()
	return sched, nil
}
