package resource

import (
	"context"

	"github.com/google/uuid"
)

// Store persists resource versions. Writes are expected to run inside the
// transaction carried by ctx.
type Store interface {
	// Insert stores version 1 of a new resource.
	Insert(ctx context.Context, e *Entity) error
	// Append stores a new latest version of an existing resource.
	Append(ctx context.Context, e *Entity, action string) error
	// Latest returns the latest version, deleted or not. forUpdate locks the
	// row until the surrounding transaction ends.
	Latest(ctx context.Context, resourceType, id string, forUpdate bool) (*Entity, error)
	LatestByPID(ctx context.Context, pid uuid.UUID) (*Entity, error)
	Version(ctx context.Context, resourceType, id string, version int) (*Revision, error)
	History(ctx context.Context, resourceType, id string) ([]Revision, error)
	// Search lists live (non-deleted) resources, most recently updated first.
	Search(ctx context.Context, resourceType string, limit, offset int) ([]*Entity, int, error)
	Ping(ctx context.Context) error
}
