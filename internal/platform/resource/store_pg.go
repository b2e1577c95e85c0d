package resource

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/subscriptions/internal/platform/db"
)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a Store backed by the resource and resource_history
// tables.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

const entityCols = `pid, resource_type, fhir_id, version_id, body, created_at, updated_at, deleted_at`

func scanEntity(row pgx.Row) (*Entity, error) {
	var e Entity
	var body []byte
	err := row.Scan(&e.PID, &e.Type, &e.ID, &e.Version, &body, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Body = body
	return &e, nil
}

func (s *pgStore) Insert(ctx context.Context, e *Entity) error {
	q := s.conn(ctx)
	_, err := q.Exec(ctx, `
		INSERT INTO resource (`+entityCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.PID, e.Type, e.ID, e.Version, nullableBody(e.Body), e.CreatedAt, e.UpdatedAt, e.DeletedAt)
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return s.appendHistory(ctx, q, e, "create")
}

func (s *pgStore) Append(ctx context.Context, e *Entity, action string) error {
	q := s.conn(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE resource SET version_id = $2, body = $3, updated_at = $4, deleted_at = $5
		WHERE pid = $1 AND version_id = $6`,
		e.PID, e.Version, nullableBody(e.Body), e.UpdatedAt, e.DeletedAt, e.Version-1)
	if err != nil {
		return fmt.Errorf("update resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return s.appendHistory(ctx, q, e, action)
}

func (s *pgStore) appendHistory(ctx context.Context, q db.Querier, e *Entity, action string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO resource_history (pid, version_id, body, action, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.PID, e.Version, nullableBody(e.Body), action, e.UpdatedAt, e.DeletedAt)
	if err != nil {
		return fmt.Errorf("insert resource history: %w", err)
	}
	return nil
}

func (s *pgStore) Latest(ctx context.Context, resourceType, id string, forUpdate bool) (*Entity, error) {
	sql := `SELECT ` + entityCols + ` FROM resource WHERE resource_type = $1 AND fhir_id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	return scanEntity(s.conn(ctx).QueryRow(ctx, sql, resourceType, id))
}

func (s *pgStore) LatestByPID(ctx context.Context, pid uuid.UUID) (*Entity, error) {
	return scanEntity(s.conn(ctx).QueryRow(ctx,
		`SELECT `+entityCols+` FROM resource WHERE pid = $1`, pid))
}

const revisionQuery = `
	SELECT r.pid, r.resource_type, r.fhir_id, h.version_id, h.body, r.created_at,
		h.updated_at, h.deleted_at, h.action
	FROM resource_history h
	JOIN resource r ON r.pid = h.pid
	WHERE r.resource_type = $1 AND r.fhir_id = $2`

func scanRevision(row pgx.Row) (*Revision, error) {
	var rev Revision
	var body []byte
	err := row.Scan(&rev.PID, &rev.Type, &rev.ID, &rev.Version, &body, &rev.CreatedAt,
		&rev.UpdatedAt, &rev.DeletedAt, &rev.Action)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rev.Body = body
	return &rev, nil
}

func (s *pgStore) Version(ctx context.Context, resourceType, id string, version int) (*Revision, error) {
	return scanRevision(s.conn(ctx).QueryRow(ctx,
		revisionQuery+` AND h.version_id = $3`, resourceType, id, version))
}

func (s *pgStore) History(ctx context.Context, resourceType, id string) ([]Revision, error) {
	rows, err := s.conn(ctx).Query(ctx, revisionQuery+` ORDER BY h.version_id DESC`, resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *pgStore) Search(ctx context.Context, resourceType string, limit, offset int) ([]*Entity, int, error) {
	q := s.conn(ctx)

	var total int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM resource WHERE resource_type = $1 AND deleted_at IS NULL`,
		resourceType).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count resources: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT `+entityCols+` FROM resource
		WHERE resource_type = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC, fhir_id
		LIMIT $2 OFFSET $3`, resourceType, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search resources: %w", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (s *pgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nullableBody(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
