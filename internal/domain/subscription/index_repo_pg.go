package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/subscriptions/internal/platform/db"
)

type indexRepoPG struct{ pool *pgxpool.Pool }

// NewIndexRepoPG creates a PostgreSQL-backed index repository.
func NewIndexRepoPG(pool *pgxpool.Pool) IndexRepository {
	return &indexRepoPG{pool: pool}
}

func (r *indexRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *indexRepoPG) Insert(ctx context.Context, e *IndexEntry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO subscription_index (id, resource_pid, created_at)
		VALUES ($1, $2, $3)`,
		e.ID, e.ResourcePID, e.CreatedAt)
	return err
}

func (r *indexRepoPG) FindByResourcePID(ctx context.Context, pid uuid.UUID) (*IndexEntry, error) {
	var e IndexEntry
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, resource_pid, created_at FROM subscription_index
		WHERE resource_pid = $1
		ORDER BY created_at, id
		LIMIT 1`, pid).Scan(&e.ID, &e.ResourcePID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIndexEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *indexRepoPG) DeleteAllForResource(ctx context.Context, pid uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM subscription_index WHERE resource_pid = $1`, pid)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *indexRepoPG) ResourcePIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT DISTINCT resource_pid FROM subscription_index`)
	if err != nil {
		return nil, fmt.Errorf("list index resources: %w", err)
	}
	defer rows.Close()

	var pids []uuid.UUID
	for rows.Next() {
		var pid uuid.UUID
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		pids = append(pids, pid)
	}
	return pids, rows.Err()
}
