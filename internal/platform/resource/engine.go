package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/platform/fhir"
	"github.com/ehr/subscriptions/internal/platform/logging"
)

// Engine writes versioned resources and runs the Hooks registered for each
// resource type inside the write's transaction.
type Engine struct {
	store  Store
	tx     TxRunner
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]Hooks
}

// NewEngine creates an Engine writing through store inside transactions
// opened by tx. Types must be registered before they can be written.
func NewEngine(store Store, tx TxRunner, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		tx:       tx,
		logger:   logger.With().Str("component", "resource-engine").Logger(),
		now:      time.Now,
		handlers: make(map[string]Hooks),
	}
}

// Register makes resourceType storable. A nil h registers NopHooks.
func (e *Engine) Register(resourceType string, h Hooks) {
	if h == nil {
		h = NopHooks{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[resourceType] = h
}

// HandlerFor reports whether a storage handler is registered for rt.
func (e *Engine) HandlerFor(rt fhir.ResourceType) bool {
	_, ok := e.hooks(rt.Name)
	return ok
}

func (e *Engine) hooks(resourceType string) (Hooks, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[resourceType]
	return h, ok
}

func (e *Engine) timestamp() time.Time {
	// Postgres keeps microseconds; match it so meta.lastUpdated round-trips.
	return e.now().UTC().Truncate(time.Microsecond)
}

// Create stores version 1 of a new resource with a server-assigned id.
func (e *Engine) Create(ctx context.Context, resourceType string, body json.RawMessage) (*Entity, error) {
	h, ok := e.hooks(resourceType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, resourceType)
	}
	if err := checkBody(resourceType, body); err != nil {
		return nil, err
	}

	var created *Entity
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = e.create(ctx, h, resourceType, uuid.New().String(), body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (e *Engine) create(ctx context.Context, h Hooks, resourceType, id string, body json.RawMessage) (*Entity, error) {
	if err := h.BeforeWrite(ctx, &Write{Type: resourceType, ID: id, Body: body}); err != nil {
		return nil, err
	}

	now := e.timestamp()
	ent := &Entity{
		PID:       uuid.New(),
		Type:      resourceType,
		ID:        id,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	stamped, err := stampBody(body, ent)
	if err != nil {
		return nil, err
	}
	ent.Body = stamped

	if err := e.store.Insert(ctx, ent); err != nil {
		return nil, fmt.Errorf("store %s/%s: %w", resourceType, id, err)
	}
	if err := h.AfterCreate(ctx, ent); err != nil {
		return nil, err
	}
	if err := h.AfterWrite(ctx, ent); err != nil {
		return nil, err
	}

	logging.FromContext(ctx, e.logger).Debug().
		Str("resource_type", resourceType).Str("id", id).Msg("resource created")
	return ent, nil
}

// Update stores a new version of resourceType/id, creating it when it does not
// exist. ifMatch > 0 requires the current version to equal it. The returned
// bool is true when the resource was created.
func (e *Engine) Update(ctx context.Context, resourceType, id string, body json.RawMessage, ifMatch int) (*Entity, bool, error) {
	h, ok := e.hooks(resourceType)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownType, resourceType)
	}
	if err := checkBody(resourceType, body); err != nil {
		return nil, false, err
	}
	if err := checkBodyID(body, id); err != nil {
		return nil, false, err
	}

	var (
		out     *Entity
		created bool
	)
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := e.store.Latest(ctx, resourceType, id, true)
		if errors.Is(err, ErrNotFound) {
			if ifMatch > 0 {
				return ErrVersionConflict
			}
			created = true
			out, err = e.create(ctx, h, resourceType, id, body)
			return err
		}
		if err != nil {
			return err
		}
		if cur.IsDeleted() {
			return ErrGone
		}
		if ifMatch > 0 && ifMatch != cur.Version {
			return ErrVersionConflict
		}

		if err := h.BeforeWrite(ctx, &Write{Type: resourceType, ID: id, Body: body, Existing: cur}); err != nil {
			return err
		}

		next := &Entity{
			PID:       cur.PID,
			Type:      resourceType,
			ID:        id,
			Version:   cur.Version + 1,
			CreatedAt: cur.CreatedAt,
			UpdatedAt: e.timestamp(),
		}
		if next.Body, err = stampBody(body, next); err != nil {
			return err
		}
		if err := e.store.Append(ctx, next, "update"); err != nil {
			return fmt.Errorf("store %s/%s: %w", resourceType, id, err)
		}
		if err := h.AfterWrite(ctx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// Delete logically deletes resourceType/id by storing a version that carries
// a deletion timestamp and no body. Deleting a deleted resource changes
// nothing and returns its latest version.
func (e *Engine) Delete(ctx context.Context, resourceType, id string) (*Entity, error) {
	h, ok := e.hooks(resourceType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, resourceType)
	}

	var out *Entity
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := e.store.Latest(ctx, resourceType, id, true)
		if err != nil {
			return err
		}
		if cur.IsDeleted() {
			out = cur
			return nil
		}

		if err := h.BeforeWrite(ctx, &Write{Type: resourceType, ID: id, Deleting: true, Existing: cur}); err != nil {
			return err
		}

		now := e.timestamp()
		next := &Entity{
			PID:       cur.PID,
			Type:      resourceType,
			ID:        id,
			Version:   cur.Version + 1,
			CreatedAt: cur.CreatedAt,
			UpdatedAt: now,
			DeletedAt: &now,
		}
		if err := e.store.Append(ctx, next, "delete"); err != nil {
			return fmt.Errorf("store %s/%s: %w", resourceType, id, err)
		}
		if err := h.AfterWrite(ctx, next); err != nil {
			return err
		}
		out = next

		logging.FromContext(ctx, e.logger).Debug().
			Str("resource_type", resourceType).Str("id", id).Int("version", next.Version).
			Msg("resource deleted")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Read returns the latest live version. A deleted resource yields ErrGone.
func (e *Engine) Read(ctx context.Context, resourceType, id string) (*Entity, error) {
	ent, err := e.store.Latest(ctx, resourceType, id, false)
	if err != nil {
		return nil, err
	}
	if ent.IsDeleted() {
		return nil, ErrGone
	}
	return ent, nil
}

// VRead returns one historical version. The deletion version yields ErrGone.
func (e *Engine) VRead(ctx context.Context, resourceType, id string, version int) (*Revision, error) {
	rev, err := e.store.Version(ctx, resourceType, id, version)
	if err != nil {
		return nil, err
	}
	if rev.IsDeleted() {
		return nil, ErrGone
	}
	return rev, nil
}

// History returns every version, newest first.
func (e *Engine) History(ctx context.Context, resourceType, id string) ([]Revision, error) {
	return e.store.History(ctx, resourceType, id)
}

// Search lists live resources of resourceType.
func (e *Engine) Search(ctx context.Context, resourceType string, limit, offset int) ([]*Entity, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return e.store.Search(ctx, resourceType, limit, offset)
}

// Ping checks the backing store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

func checkBody(resourceType string, body json.RawMessage) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if doc == nil {
		return fmt.Errorf("%w: expected a JSON object", ErrInvalidBody)
	}
	var rt string
	if raw, ok := doc["resourceType"]; ok {
		if err := json.Unmarshal(raw, &rt); err != nil {
			return fmt.Errorf("%w: resourceType: %v", ErrInvalidBody, err)
		}
	}
	if rt != "" && rt != resourceType {
		return fmt.Errorf("%w: resourceType %q does not match %q", ErrInvalidBody, rt, resourceType)
	}
	return nil
}

func checkBodyID(body json.RawMessage, id string) error {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if head.ID != "" && head.ID != id {
		return fmt.Errorf("%w: id %q does not match %q", ErrInvalidBody, head.ID, id)
	}
	return nil
}

// stampBody writes the server-owned fields (resourceType, id, meta.versionId,
// meta.lastUpdated) into body, keeping any other meta elements.
func stampBody(body json.RawMessage, ent *Entity) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	meta := map[string]interface{}{}
	if raw, ok := doc["meta"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("%w: meta: %v", ErrInvalidBody, err)
		}
	}
	meta["versionId"] = strconv.Itoa(ent.Version)
	meta["lastUpdated"] = ent.UpdatedAt.Format(time.RFC3339Nano)

	set := func(key string, v interface{}) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		doc[key] = b
		return nil
	}
	if err := set("resourceType", ent.Type); err != nil {
		return nil, err
	}
	if err := set("id", ent.ID); err != nil {
		return nil, err
	}
	if err := set("meta", meta); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}
