package subscription

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrIndexEntryNotFound = errors.New("subscription index entry not found")

// IndexRepository stores subscription_index rows. Writes join the transaction
// carried by ctx.
type IndexRepository interface {
	Insert(ctx context.Context, e *IndexEntry) error
	// FindByResourcePID returns the oldest entry for the resource, or
	// ErrIndexEntryNotFound.
	FindByResourcePID(ctx context.Context, pid uuid.UUID) (*IndexEntry, error)
	// DeleteAllForResource removes every entry for the resource and reports
	// how many went.
	DeleteAllForResource(ctx context.Context, pid uuid.UUID) (int64, error)
	// ResourcePIDs lists every resource that has at least one entry.
	ResourcePIDs(ctx context.Context) ([]uuid.UUID, error)
}
