package subscription

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/platform/resource"
)

var _ resource.Hooks = (*LifecycleHook)(nil)

// LifecycleHook plugs Subscription validation and indexing into the resource
// engine's write pipeline. It only touches the database; the lookup cache is
// invalidated after commit by Service.Delete.
type LifecycleHook struct {
	validator *Validator
	index     *IndexManager
	logger    zerolog.Logger
}

// NewLifecycleHook creates the hook registered for the Subscription type.
func NewLifecycleHook(validator *Validator, index *IndexManager, logger zerolog.Logger) *LifecycleHook {
	return &LifecycleHook{validator: validator, index: index, logger: logger}
}

// BeforeWrite validates every create and update. Deletions carry no body.
func (h *LifecycleHook) BeforeWrite(_ context.Context, w *resource.Write) error {
	if w.Deleting {
		return nil
	}
	def, err := DecodeDefinition(w.Body)
	if err != nil {
		return err
	}
	_, err = h.validator.Validate(def)
	return err
}

// AfterCreate indexes the first version of a Subscription.
func (h *LifecycleHook) AfterCreate(ctx context.Context, e *resource.Entity) error {
	_, err := h.index.CreateEntry(ctx, e.Ref())
	return err
}

// AfterWrite drops the index entries when the stored version is a deletion.
func (h *LifecycleHook) AfterWrite(ctx context.Context, e *resource.Entity) error {
	if e.DeletedAt == nil {
		return nil
	}
	return h.index.DeleteAllEntries(ctx, e.Ref())
}
